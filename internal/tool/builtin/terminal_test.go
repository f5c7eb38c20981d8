package builtin

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestTerminalRunsCommand(t *testing.T) {
	term := NewTerminal(t.TempDir())
	params, _ := json.Marshal(terminalArgs{Command: "echo hello"})
	result, err := term.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error result: %q", result.Content)
	}
	if !strings.Contains(result.Content, "hello") {
		t.Fatalf("expected output to contain hello, got %q", result.Content)
	}
}

func TestTerminalReportsNonZeroExit(t *testing.T) {
	term := NewTerminal(t.TempDir())
	params, _ := json.Marshal(terminalArgs{Command: "exit 3"})
	result, err := term.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected IsError for non-zero exit")
	}
}

func TestTerminalRejectsEmptyCommand(t *testing.T) {
	term := NewTerminal(t.TempDir())
	params, _ := json.Marshal(terminalArgs{Command: ""})
	if _, err := term.Execute(context.Background(), params); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestTerminalRejectsCwdEscape(t *testing.T) {
	term := NewTerminal(t.TempDir())
	params, _ := json.Marshal(terminalArgs{Command: "pwd", Cwd: "../../etc"})
	if _, err := term.Execute(context.Background(), params); err == nil {
		t.Fatal("expected error for cwd escaping workspace")
	}
}
