// Package registry implements the Dynamic Tool Registry (C3): a
// manifest-backed catalogue of tool metadata, aliases, and live
// instances, with linearizable load/unload/reload/enable/disable
// transitions that each emit a registry_changed event.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/synthloop/evoagent/internal/eventbus"
	"github.com/synthloop/evoagent/internal/tool"
	"github.com/synthloop/evoagent/pkg/types"
)

var (
	toolsLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "evoagent_registry_tools_loaded",
		Help: "Number of tools currently loaded in the registry.",
	})
	toolLoadErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "evoagent_registry_tool_load_errors_total",
		Help: "Total number of tool load failures.",
	})
	reloadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "evoagent_registry_reload_total",
		Help: "Total number of manifest reload cycles.",
	})
)

func init() {
	prometheus.MustRegister(toolsLoaded, toolLoadErrors, reloadsTotal)
}

// Factory constructs a live Tool instance for a ToolMetadata entry.
// Built-in tools are registered with a Factory that ignores the
// metadata and returns a fixed instance; synthesized tools load their
// compiled plugin artifact from metadata.Source.
type Factory func(meta types.ToolMetadata) (tool.Tool, error)

// DependencyResolver reports whether a declared dependency name
// resolves in the current environment. The default checks the name as
// a binary on PATH; tests substitute a fake to avoid touching the
// host.
type DependencyResolver func(name string) bool

func defaultDependencyResolver(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// Registry is the Dynamic Tool Registry. All mutation methods take the
// exclusive lock; all read methods take the shared lock, matching the
// teacher's tool registry concurrency pattern.
type Registry struct {
	mu sync.RWMutex

	manifestPath string
	metadata     map[string]types.ToolMetadata
	aliases      map[string]string // alias -> canonical name
	instances    map[string]tool.Tool
	schemas      map[string]*jsonschema.Schema
	factories    map[string]Factory // explicit factory registered for a name, e.g. a built-in

	bus      *eventbus.Bus
	logger   *slog.Logger
	resolver DependencyResolver

	lastManifestMod time.Time
	settings        ManifestSettings
}

// New constructs an empty Registry. Call LoadManifest to populate it
// from disk.
func New(manifestPath string, bus *eventbus.Bus) *Registry {
	return &Registry{
		manifestPath: manifestPath,
		metadata:     map[string]types.ToolMetadata{},
		aliases:      map[string]string{},
		instances:    map[string]tool.Tool{},
		schemas:      map[string]*jsonschema.Schema{},
		factories:    map[string]Factory{},
		bus:          bus,
		logger:       slog.Default().With("component", "registry"),
		resolver:     defaultDependencyResolver,
	}
}

// SetDependencyResolver overrides the function used to check declared
// dependencies at Load time. Intended for tests.
func (r *Registry) SetDependencyResolver(resolver DependencyResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolver = resolver
}

// RegisterBuiltin installs a built-in tool directly, bypassing the
// synthesizer's build-artifact factory path. It is idempotent and used
// at startup to seed the registry with reference tools.
func (r *Registry) RegisterBuiltin(t tool.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	r.factories[name] = func(types.ToolMetadata) (tool.Tool, error) { return t, nil }
	r.metadata[name] = types.ToolMetadata{
		Name:        name,
		Description: t.Description(),
		Schema:      t.Schema(),
		Enabled:     true,
		AutoLoad:    true,
		Category:    "builtin",
		Status:      types.ToolStatusLoaded,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	r.instances[name] = t
	if err := r.compileSchemaLocked(name, t.Schema()); err != nil {
		return err
	}
	toolsLoaded.Set(float64(len(r.instances)))
	return nil
}

// LoadManifest performs a full reconciliation against the manifest
// file on disk: entries removed from the manifest are unloaded,
// entries added with auto_load are loaded (via their registered
// Factory) while the rest stay Discovered, and entries
// whose Enabled flag changed are enabled/disabled accordingly. This is
// the operation the File Watcher (C9) triggers on every observed mtime
// change, and it is also safe to call directly (e.g. at startup).
func (r *Registry) LoadManifest(ctx context.Context) error {
	m, modTime, err := loadManifest(r.manifestPath)
	if err != nil {
		var parseErr *types.ManifestParseError
		if errors.As(err, &parseErr) {
			r.publish(types.RegistryChangeParseError, "")
		}
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastManifestMod = modTime
	r.settings = m.Settings

	// Unload anything no longer in the manifest (built-ins, which have
	// no manifest entry of their own, are left alone).
	for name := range r.metadata {
		if _, stillBuiltin := r.factories[name]; stillBuiltin {
			if _, ok := m.Entries[name]; !ok {
				continue
			}
		}
		if _, present := m.Entries[name]; !present {
			r.unloadLocked(name)
			delete(r.metadata, name)
			delete(r.schemas, name)
		}
	}

	for name, entry := range m.Entries {
		existing, had := r.metadata[name]
		r.metadata[name] = entry
		for _, alias := range entry.Aliases {
			r.aliases[alias] = name
		}
		if entry.Schema != nil {
			if err := r.compileSchemaLocked(name, entry.Schema); err != nil {
				entry.Status = types.ToolStatusError
				entry.Error = err.Error()
				r.metadata[name] = entry
				toolLoadErrors.Inc()
				continue
			}
		}
		if !entry.Enabled {
			r.unloadLocked(name)
			entry = r.metadata[name]
			entry.Status = types.ToolStatusDisabled
			r.metadata[name] = entry
			if !had || existing.Enabled {
				r.publish(types.RegistryChangeDisabled, name)
			}
			continue
		}

		// Already loaded (e.g. a builtin, or a tool loaded by an
		// explicit Load call between reconciliations): leave it running,
		// just refresh its metadata fields above.
		if _, alreadyLoaded := r.instances[name]; alreadyLoaded {
			continue
		}

		// New or re-enabled entry: only instantiate automatically if it
		// declares auto_load; otherwise it stays Discovered until an
		// explicit Load(name) call.
		if !entry.AutoLoad && !existing.AutoLoad {
			entry.Status = types.ToolStatusDiscovered
			r.metadata[name] = entry
			continue
		}
		if _, err := r.loadLocked(name); err != nil {
			toolLoadErrors.Inc()
			continue
		}
	}

	toolsLoaded.Set(float64(len(r.instances)))
	reloadsTotal.Inc()
	r.publish(types.RegistryChangeReloaded, "")
	return nil
}

func (r *Registry) compileSchemaLocked(name string, raw []byte) error {
	compiled, err := jsonschema.CompileString(name, string(raw))
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", name, err)
	}
	r.schemas[name] = compiled
	return nil
}

// AddFactory registers the Factory used to instantiate name the next
// time it transitions to enabled (called by the synthesizer after it
// builds and persists a new tool's artifact, before it writes the
// manifest entry).
func (r *Registry) AddFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Load instantiates name (resolving aliases) via its registered
// Factory. Idempotent: if an instance already exists, it is returned
// unchanged and no event is emitted. Refuses disabled tools and tools
// with unresolved declared dependencies, recording the cause on the
// metadata's Status/Error fields without touching the instance table.
func (r *Registry) Load(name string) (tool.Tool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked(name)
}

func (r *Registry) loadLocked(name string) (tool.Tool, error) {
	canonical := name
	if c, ok := r.aliases[name]; ok {
		canonical = c
	}
	if inst, ok := r.instances[canonical]; ok {
		return inst, nil
	}
	meta, ok := r.metadata[canonical]
	if !ok {
		return nil, &types.UnknownToolError{Name: name}
	}
	if !meta.Enabled {
		return nil, fmt.Errorf("tool %q is disabled", canonical)
	}
	for _, dep := range meta.Dependencies {
		if r.resolver != nil && !r.resolver(dep) {
			err := &types.MissingDependencyError{Name: dep}
			meta.Status = types.ToolStatusError
			meta.Error = err.Error()
			meta.UpdatedAt = time.Now()
			r.metadata[canonical] = meta
			toolLoadErrors.Inc()
			return nil, err
		}
	}
	factory, ok := r.factories[canonical]
	if !ok {
		meta.Status = types.ToolStatusError
		meta.Error = "no factory registered for tool"
		meta.UpdatedAt = time.Now()
		r.metadata[canonical] = meta
		toolLoadErrors.Inc()
		return nil, fmt.Errorf("no factory registered for %q", canonical)
	}
	instance, err := factory(meta)
	if err != nil {
		meta.Status = types.ToolStatusError
		meta.Error = err.Error()
		meta.UpdatedAt = time.Now()
		r.metadata[canonical] = meta
		toolLoadErrors.Inc()
		return nil, err
	}
	r.instances[canonical] = instance
	meta.Status = types.ToolStatusLoaded
	meta.Error = ""
	meta.UpdatedAt = time.Now()
	r.metadata[canonical] = meta
	toolsLoaded.Set(float64(len(r.instances)))
	r.publish(types.RegistryChangeLoaded, canonical)
	return instance, nil
}

// Unload removes name's live instance, invoking its optional Cleanup
// best-effort first (a Cleanup error is logged, never propagated).
// Idempotent: unloading an already-unloaded tool is a no-op that
// emits no event.
func (r *Registry) Unload(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unloadLocked(name)
}

func (r *Registry) unloadLocked(name string) error {
	canonical := name
	if c, ok := r.aliases[name]; ok {
		canonical = c
	}
	instance, ok := r.instances[canonical]
	if !ok {
		return nil
	}
	if cleanup, ok := instance.(tool.Cleanup); ok {
		if err := cleanup.Cleanup(); err != nil {
			r.logger.Warn("tool cleanup failed", "tool", canonical, "error", err)
		}
	}
	delete(r.instances, canonical)
	if meta, ok := r.metadata[canonical]; ok {
		meta.Status = types.ToolStatusUnloaded
		meta.UpdatedAt = time.Now()
		r.metadata[canonical] = meta
	}
	toolsLoaded.Set(float64(len(r.instances)))
	r.publish(types.RegistryChangeUnloaded, canonical)
	return nil
}

// Reload unloads then loads name under a single exclusive lock
// acquisition, so a concurrent Get observes either the pre-reload
// instance or (after the unload step commits within this same
// critical section) nil followed by the new instance — never a
// partially-initialized one.
func (r *Registry) Reload(name string) (tool.Tool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.unloadLocked(name); err != nil {
		return nil, err
	}
	return r.loadLocked(name)
}

// Resolve maps a tool name or alias to its canonical metadata name.
func (r *Registry) Resolve(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.metadata[name]; ok {
		return name, true
	}
	if canonical, ok := r.aliases[name]; ok {
		return canonical, true
	}
	return "", false
}

// Get returns the live instance for name (resolving aliases), and
// whether it was found and enabled.
func (r *Registry) Get(name string) (tool.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	canonical := name
	if c, ok := r.aliases[name]; ok {
		canonical = c
	}
	t, ok := r.instances[canonical]
	return t, ok
}

// Schema returns the compiled parameter schema for name, if any.
func (r *Registry) Schema(name string) (*jsonschema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	canonical := name
	if c, ok := r.aliases[name]; ok {
		canonical = c
	}
	s, ok := r.schemas[canonical]
	return s, ok
}

// List returns a snapshot of all tool metadata, sorted by name.
func (r *Registry) List() []types.ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolMetadata, 0, len(r.metadata))
	for _, m := range r.metadata {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Enable flips a tool's Enabled flag, persists the manifest, and
// instantiates it via its factory.
func (r *Registry) Enable(ctx context.Context, name string) error {
	return r.setEnabled(ctx, name, true)
}

// Disable flips a tool's Enabled flag, persists the manifest, and
// drops its live instance.
func (r *Registry) Disable(ctx context.Context, name string) error {
	return r.setEnabled(ctx, name, false)
}

func (r *Registry) setEnabled(ctx context.Context, name string, enabled bool) error {
	r.mu.Lock()
	entry, ok := r.metadata[name]
	if !ok {
		r.mu.Unlock()
		return &types.UnknownToolError{Name: name}
	}
	entry.Enabled = enabled
	entry.UpdatedAt = time.Now()
	r.metadata[name] = entry

	// Route the actual instance transition through loadLocked/
	// unloadLocked so Status always satisfies "Loaded iff a live
	// instance exists" and Unload's Cleanup hook still runs on disable.
	var transitionErr error
	if enabled {
		_, transitionErr = r.loadLocked(name)
	} else {
		transitionErr = r.unloadLocked(name)
		if entry, ok := r.metadata[name]; ok {
			entry.Status = types.ToolStatusDisabled
			r.metadata[name] = entry
		}
	}
	if transitionErr != nil {
		r.mu.Unlock()
		return transitionErr
	}
	snapshot := r.snapshotManifestLocked()
	r.mu.Unlock()

	if err := saveManifest(r.manifestPath, snapshot); err != nil {
		return err
	}
	kind := types.RegistryChangeDisabled
	if enabled {
		kind = types.RegistryChangeEnabled
	}
	r.publish(kind, name)
	return nil
}

// Remove deletes a tool entirely from the registry and the manifest.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	if _, ok := r.metadata[name]; !ok {
		r.mu.Unlock()
		return &types.UnknownToolError{Name: name}
	}
	delete(r.metadata, name)
	delete(r.instances, name)
	delete(r.schemas, name)
	delete(r.factories, name)
	for alias, canonical := range r.aliases {
		if canonical == name {
			delete(r.aliases, alias)
		}
	}
	snapshot := r.snapshotManifestLocked()
	r.mu.Unlock()

	if err := saveManifest(r.manifestPath, snapshot); err != nil {
		return err
	}
	r.publish(types.RegistryChangeRemoved, name)
	return nil
}

// Add inserts a new manifest entry and persists it. If the entry is
// enabled and a Factory is already registered for its name (via
// AddFactory), Add also instantiates it; otherwise no instance is
// created.
func (r *Registry) Add(ctx context.Context, meta types.ToolMetadata) error {
	r.mu.Lock()
	meta.CreatedAt = time.Now()
	meta.UpdatedAt = meta.CreatedAt
	r.metadata[meta.Name] = meta
	for _, alias := range meta.Aliases {
		r.aliases[alias] = meta.Name
	}
	if meta.Schema != nil {
		if err := r.compileSchemaLocked(meta.Name, meta.Schema); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	if meta.Enabled {
		if factory, ok := r.factories[meta.Name]; ok {
			instance, err := factory(meta)
			if err != nil {
				r.mu.Unlock()
				return err
			}
			r.instances[meta.Name] = instance
		}
	}
	snapshot := r.snapshotManifestLocked()
	r.mu.Unlock()

	if err := saveManifest(r.manifestPath, snapshot); err != nil {
		return err
	}
	r.publish(types.RegistryChangeAdded, meta.Name)
	return nil
}

func (r *Registry) snapshotManifestLocked() Manifest {
	entries := make(map[string]types.ToolMetadata, len(r.metadata))
	for k, v := range r.metadata {
		entries[k] = v
	}
	return Manifest{Entries: entries, Settings: r.settings}
}

// ManifestModTime returns the mtime observed at the last LoadManifest
// call.
func (r *Registry) ManifestModTime() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastManifestMod
}

// ManifestPath returns the path this registry polls/persists.
func (r *Registry) ManifestPath() string { return r.manifestPath }

// HotReloadEnabled reports whether the manifest's settings permit the
// File Watcher to reconcile on a detected mtime change. Defaults to
// true until a manifest has been loaded or if it has no settings block.
func (r *Registry) HotReloadEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.settings.DisableHotReload
}

// Settings returns the manifest's settings block as of the last
// LoadManifest call.
func (r *Registry) Settings() ManifestSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// PublishSynthesisFailed emits a registry_changed{kind: synthesis_failed}
// event for name. Called by the Tool Synthesizer (C4) when a build or
// registration failure occurs after a tool's artifact has already been
// written to disk (§4.4 failure bullet 3).
func (r *Registry) PublishSynthesisFailed(name string) {
	r.publish(types.RegistryChangeSynthesisFailed, name)
}

func (r *Registry) publish(kind types.RegistryChangeKind, toolName string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(types.Event{
		Type:      types.EventRegistryChanged,
		Timestamp: time.Now(),
		RegistryChanged: &types.RegistryChangedPayload{
			Kind: kind,
			Tool: toolName,
		},
	})
}
