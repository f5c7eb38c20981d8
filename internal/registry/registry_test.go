package registry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/synthloop/evoagent/internal/eventbus"
	"github.com/synthloop/evoagent/internal/tool"
	"github.com/synthloop/evoagent/pkg/types"
)

type fakeTool struct {
	name        string
	cleanupErr  error
	cleanupHits *int
}

func (f fakeTool) Name() string        { return f.name }
func (f fakeTool) Description() string { return "fake tool for tests" }
func (f fakeTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}
func (f fakeTool) Execute(ctx context.Context, params json.RawMessage) (*tool.Result, error) {
	return &tool.Result{Content: "ok"}, nil
}
func (f fakeTool) Cleanup() error {
	if f.cleanupHits != nil {
		*f.cleanupHits++
	}
	return f.cleanupErr
}

func newTestManifest(t *testing.T, entries map[string]types.ToolMetadata) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	if err := saveManifest(path, Manifest{Entries: entries}); err != nil {
		t.Fatalf("seed manifest: %v", err)
	}
	return path
}

func TestLoadManifestAutoLoadsOnlyDeclaredEntries(t *testing.T) {
	path := newTestManifest(t, map[string]types.ToolMetadata{
		"auto": {Name: "auto", Enabled: true, AutoLoad: true},
		"lazy": {Name: "lazy", Enabled: true, AutoLoad: false},
	})
	r := New(path, eventbus.New())
	r.AddFactory("auto", func(types.ToolMetadata) (tool.Tool, error) { return fakeTool{name: "auto"}, nil })
	r.AddFactory("lazy", func(types.ToolMetadata) (tool.Tool, error) { return fakeTool{name: "lazy"}, nil })

	if err := r.LoadManifest(context.Background()); err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}

	if _, ok := r.Get("auto"); !ok {
		t.Error("auto_load entry should be instantiated by LoadManifest")
	}
	if _, ok := r.Get("lazy"); ok {
		t.Error("non-auto_load entry should stay Discovered, not instantiated")
	}
	metas := map[string]types.ToolMetadata{}
	for _, m := range r.List() {
		metas[m.Name] = m
	}
	if metas["lazy"].Status != types.ToolStatusDiscovered {
		t.Errorf("lazy status = %s, want discovered", metas["lazy"].Status)
	}
}

func TestLoadIsIdempotentAndEmitsOneEvent(t *testing.T) {
	path := newTestManifest(t, map[string]types.ToolMetadata{
		"lazy": {Name: "lazy", Enabled: true},
	})
	bus := eventbus.New()
	r := New(path, bus)
	r.AddFactory("lazy", func(types.ToolMetadata) (tool.Tool, error) { return fakeTool{name: "lazy"}, nil })
	if err := r.LoadManifest(context.Background()); err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}

	sub := bus.Subscribe()
	defer sub.Close()

	first, err := r.Load("lazy")
	if err != nil {
		t.Fatalf("first Load: %v", err)
	}
	second, err := r.Load("lazy")
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if first != second {
		t.Error("Load should be idempotent and return the same instance")
	}

	loadedEvents := 0
	drain(sub, func(ev types.Event) {
		if ev.Type == types.EventRegistryChanged && ev.RegistryChanged.Kind == types.RegistryChangeLoaded && ev.RegistryChanged.Tool == "lazy" {
			loadedEvents++
		}
	})
	if loadedEvents != 1 {
		t.Errorf("loaded events = %d, want exactly 1", loadedEvents)
	}
}

func TestLoadRefusesMissingDependency(t *testing.T) {
	path := newTestManifest(t, map[string]types.ToolMetadata{
		"needsdep": {Name: "needsdep", Enabled: true, Dependencies: []string{"nonexistent-binary-xyz"}},
	})
	r := New(path, eventbus.New())
	r.AddFactory("needsdep", func(types.ToolMetadata) (tool.Tool, error) { return fakeTool{name: "needsdep"}, nil })
	r.SetDependencyResolver(func(name string) bool { return false })
	if err := r.LoadManifest(context.Background()); err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}

	_, err := r.Load("needsdep")
	if err == nil {
		t.Fatal("expected MissingDependencyError")
	}
	var depErr *types.MissingDependencyError
	if !errors.As(err, &depErr) {
		t.Errorf("error = %v, want *types.MissingDependencyError", err)
	}
}

func TestUnloadCallsCleanupAndIsIdempotent(t *testing.T) {
	path := newTestManifest(t, map[string]types.ToolMetadata{
		"cleanup": {Name: "cleanup", Enabled: true, AutoLoad: true},
	})
	hits := 0
	r := New(path, eventbus.New())
	r.AddFactory("cleanup", func(types.ToolMetadata) (tool.Tool, error) {
		return fakeTool{name: "cleanup", cleanupHits: &hits}, nil
	})
	if err := r.LoadManifest(context.Background()); err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if _, ok := r.Get("cleanup"); !ok {
		t.Fatal("expected cleanup tool to be auto-loaded")
	}

	if err := r.Unload("cleanup"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if err := r.Unload("cleanup"); err != nil {
		t.Fatalf("second Unload: %v", err)
	}
	if hits != 1 {
		t.Errorf("cleanup called %d times, want 1", hits)
	}
	if _, ok := r.Get("cleanup"); ok {
		t.Error("tool should not be live after Unload")
	}
}

func TestReloadReturnsDistinctInstance(t *testing.T) {
	path := newTestManifest(t, map[string]types.ToolMetadata{
		"tool-a": {Name: "tool-a", Enabled: true, AutoLoad: true},
	})
	r := New(path, eventbus.New())
	counter := 0
	r.AddFactory("tool-a", func(types.ToolMetadata) (tool.Tool, error) {
		counter++
		return fakeTool{name: "tool-a"}, nil
	})
	if err := r.LoadManifest(context.Background()); err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	before, _ := r.Get("tool-a")

	after, err := r.Reload("tool-a")
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if counter != 2 {
		t.Errorf("factory invoked %d times across load+reload, want 2", counter)
	}
	live, ok := r.Get("tool-a")
	if !ok || live != after {
		t.Error("Get after Reload should return the freshly loaded instance")
	}
	_ = before
}

func TestResolveAliasesMissOnUnknown(t *testing.T) {
	path := newTestManifest(t, map[string]types.ToolMetadata{
		"canon": {Name: "canon", Enabled: true, Aliases: []string{"alt"}},
	})
	r := New(path, eventbus.New())
	r.AddFactory("canon", func(types.ToolMetadata) (tool.Tool, error) { return fakeTool{name: "canon"}, nil })
	if err := r.LoadManifest(context.Background()); err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if got, ok := r.Resolve("alt"); !ok || got != "canon" {
		t.Errorf("Resolve(alt) = %q, %v, want canon, true", got, ok)
	}
	if got, ok := r.Resolve("nope"); ok || got != "" {
		t.Errorf("Resolve(nope) = %q, %v, want empty, false", got, ok)
	}
}

func TestManifestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	entries := map[string]types.ToolMetadata{
		"x": {Name: "x", Description: "desc", Enabled: true, Aliases: []string{"y"}},
	}
	if err := saveManifest(path, Manifest{Entries: entries}); err != nil {
		t.Fatalf("saveManifest: %v", err)
	}
	loaded, _, err := loadManifest(path)
	if err != nil {
		t.Fatalf("loadManifest: %v", err)
	}
	if loaded.Entries["x"].Description != "desc" {
		t.Errorf("round trip lost Description: %+v", loaded.Entries["x"])
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("manifest should exist after atomic rename: %v", err)
	}
}

func drain(sub *eventbus.Subscription, fn func(types.Event)) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			fn(ev)
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}
