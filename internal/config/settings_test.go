package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evoagent.yaml")
	if err := os.WriteFile(path, []byte("llm:\n  provider: anthropic\n  model: claude-sonnet-4\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	settings, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if settings.Registry.ManifestPath != "tools/manifest.yaml" {
		t.Errorf("expected default manifest path, got %q", settings.Registry.ManifestPath)
	}
	if settings.WatchInterval().Seconds() != 1 {
		t.Errorf("expected default watch interval of 1s, got %v", settings.WatchInterval())
	}
	if settings.StepTimeout().Seconds() != 30 {
		t.Errorf("expected default step timeout of 30s, got %v", settings.StepTimeout())
	}
	if settings.LLM.Model != "claude-sonnet-4" {
		t.Errorf("expected model to round-trip, got %q", settings.LLM.Model)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(basePath, []byte("registry:\n  artifact_dir: tools/artifacts\n"), 0o644); err != nil {
		t.Fatalf("write base: %v", err)
	}
	mainPath := filepath.Join(dir, "main.yaml")
	if err := os.WriteFile(mainPath, []byte("$include: base.yaml\nllm:\n  provider: anthropic\n"), 0o644); err != nil {
		t.Fatalf("write main: %v", err)
	}

	settings, err := Load(mainPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if settings.Registry.ArtifactDir != "tools/artifacts" {
		t.Errorf("expected included artifact_dir, got %q", settings.Registry.ArtifactDir)
	}
}

func TestLoadRejectsMissingPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
