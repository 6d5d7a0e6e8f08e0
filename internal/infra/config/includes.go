package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// processIncludes overlays the files named in cfg.Includes onto cfg, in order.
// Inventory and device fragments are commonly split per site, so includes
// may be globs ("sites/*.yaml"), and named lists accumulate across files
// instead of being replaced (see unmarshalOverlay).
func processIncludes(cfg *Config, baseDir string, visited map[string]bool, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}
	if visited == nil {
		visited = make(map[string]bool)
	}

	patterns := cfg.Includes
	cfg.Includes = nil

	for _, pattern := range patterns {
		paths, err := expandInclude(pattern, baseDir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			abs, err := filepath.Abs(p)
			if err != nil {
				return fmt.Errorf("config includes: abs path %q: %w", p, err)
			}
			if visited[abs] {
				return fmt.Errorf("config includes: circular include detected for %q", abs)
			}
			visited[abs] = true

			if err := overlayFile(cfg, abs, visited, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// expandInclude resolves pattern relative to baseDir. Paths may not escape baseDir.
func expandInclude(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(baseDir, pattern); err == nil && strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		// Literal path: let overlayFile report the missing file.
		return []string{pattern}, nil
	}
	return matches, nil
}

// overlayFile unmarshals one file onto cfg and follows its own includes.
func overlayFile(cfg *Config, path string, visited map[string]bool, depth int) error {
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}

	cfg.Includes = nil
	if err := unmarshalOverlay(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}

	if len(cfg.Includes) > 0 {
		return processIncludes(cfg, filepath.Dir(path), visited, depth)
	}
	return nil
}

// namedLists are the config lists whose entries are identified by name.
type namedLists struct {
	devices []DeviceConfig
	static  []StaticDeviceConfig
	checks  []ScheduledCheckConfig
	tokens  []APITokenConfig
}

func takeLists(cfg *Config) namedLists {
	l := namedLists{cfg.Devices, cfg.Inventory.Static, cfg.Schedule.Checks, cfg.Server.Tokens}
	cfg.Devices, cfg.Inventory.Static, cfg.Schedule.Checks, cfg.Server.Tokens = nil, nil, nil, nil
	return l
}

func (l namedLists) mergeInto(cfg *Config) {
	cfg.Devices = mergeByName(l.devices, cfg.Devices, func(d DeviceConfig) string { return d.Name })
	cfg.Inventory.Static = mergeByName(l.static, cfg.Inventory.Static, func(d StaticDeviceConfig) string {
		if d.ID != "" {
			return d.ID
		}
		return d.Name
	})
	cfg.Schedule.Checks = mergeByName(l.checks, cfg.Schedule.Checks, func(c ScheduledCheckConfig) string { return c.Name })
	cfg.Server.Tokens = mergeByName(l.tokens, cfg.Server.Tokens, func(t APITokenConfig) string { return t.Name })
}

// unmarshalOverlay decodes data onto cfg. Plain fields are overwritten as
// usual; devices, static inventory entries, scheduled checks and API tokens
// are merged by name, so one site file cannot erase another's devices.
func unmarshalOverlay(data []byte, cfg *Config) error {
	lists := takeLists(cfg)
	err := yaml.Unmarshal(data, cfg)
	lists.mergeInto(cfg)
	return err
}

// mergeByName returns base with overlay applied: an overlay entry replaces the
// base entry with the same key in place, and new keys are appended in order.
// Entries with an empty key are always appended.
func mergeByName[T any](base, overlay []T, key func(T) string) []T {
	if len(overlay) == 0 {
		return base
	}
	out := append([]T(nil), base...)
	index := make(map[string]int, len(out))
	for i, v := range out {
		if k := key(v); k != "" {
			index[k] = i
		}
	}
	for _, v := range overlay {
		k := key(v)
		if i, ok := index[k]; ok && k != "" {
			out[i] = v
			continue
		}
		if k != "" {
			index[k] = len(out)
		}
		out = append(out, v)
	}
	return out
}
