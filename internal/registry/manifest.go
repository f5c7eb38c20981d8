package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/synthloop/evoagent/pkg/types"
)

// ManifestSettings is the manifest's top-level `settings` key (§6.1):
// registry-wide knobs that apply independently of any single tool
// entry.
type ManifestSettings struct {
	// DisableHotReload, when true, tells the File Watcher's polling loop
	// not to reconcile the registry from this manifest; it does not
	// affect an explicit LoadManifest call made directly (e.g. at
	// startup). Named as a negative flag, defaulting false, so a
	// manifest that omits `settings` entirely keeps today's
	// always-reload behavior rather than silently going stale.
	DisableHotReload bool `yaml:"disable_hot_reload"`
	// DefaultAutoLoad records the registry-wide default an operator
	// intends for entries that don't set their own auto_load. A YAML
	// bool can't distinguish "omitted" from "explicitly false", so this
	// is surfaced via Registry.Settings for an operator/tool to inspect
	// rather than silently reinterpreted per-entry.
	DefaultAutoLoad bool `yaml:"default_auto_load"`
}

// Manifest is the on-disk (YAML) form of the registry's metadata table
// (§6.1). Entries is keyed by tool name.
type Manifest struct {
	Entries  map[string]types.ToolMetadata `yaml:"tools"`
	Settings ManifestSettings              `yaml:"settings"`
}

func loadManifest(path string) (Manifest, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, time.Time{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, time.Time{}, &types.ManifestParseError{Path: path, Err: err}
	}
	if m.Entries == nil {
		m.Entries = map[string]types.ToolMetadata{}
	}
	info, err := os.Stat(path)
	if err != nil {
		return Manifest{}, time.Time{}, err
	}
	return m, info.ModTime(), nil
}

// saveManifest writes m to path atomically: encode to a temp file in
// the same directory, then rename over the destination. This avoids a
// reader observing a partially-written manifest.
func saveManifest(path string, m Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".manifest-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename manifest into place: %w", err)
	}
	return nil
}
