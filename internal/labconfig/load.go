package labconfig

import (
	"context"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/vk/labsched/internal/ctxlog"
	"github.com/vk/labsched/internal/faults"
)

// Load reads every .yaml/.yml file under the given paths (files or
// directories, walked recursively) and merges their device sections into
// one Document, the same file-discovery shape as the teacher's HCL loader
// generalized from one extension to two. A device name repeated under two
// different kind sections (in the same file or across files) is a
// ConfigError caught by Validate's flattened, name-unique view — Load
// itself only merges kind/name maps, so a name repeated under the *same*
// kind section is resolved the same way YAML itself resolves a duplicate
// map key: the later file wins.
func Load(ctx context.Context, paths ...string) (*Document, error) {
	logger := ctxlog.FromContext(ctx)

	files, err := findConfigFiles(paths)
	if err != nil {
		return nil, err
	}
	logger.Debug("lab configuration files discovered", "count", len(files))

	doc := &Document{Devices: make(map[string]map[string]DeviceSpec)}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, faults.Newf(faults.ConfigError, "read lab configuration file %s: %v", f, err)
		}
		var part Document
		if err := yaml.Unmarshal(data, &part); err != nil {
			return nil, faults.Newf(faults.ConfigError, "parse lab configuration file %s: %v", f, err)
		}
		for kind, byName := range part.Devices {
			if doc.Devices[kind] == nil {
				doc.Devices[kind] = make(map[string]DeviceSpec)
			}
			for name, spec := range byName {
				doc.Devices[kind][name] = spec
			}
		}
		if len(part.Translation) > 0 {
			if doc.Translation == nil {
				doc.Translation = make(map[string]string)
			}
			for k, v := range part.Translation {
				doc.Translation[k] = v
			}
		}
	}

	logger.Debug("lab configuration loaded", "devices", len(doc.Flatten()))
	return doc, nil
}

// findConfigFiles walks paths and returns a flat, deduplicated list of
// every .yaml/.yml file found, the same non-existent-path-is-not-an-error
// discovery behavior as the teacher's HCL file walker.
func findConfigFiles(paths []string) ([]string, error) {
	var all []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			all = append(all, p)
			seen[p] = struct{}{}
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, faults.Newf(faults.ConfigError, "access lab configuration path %s: %v", path, err)
		}

		if !info.IsDir() {
			if isYAMLFile(path) {
				add(path)
			}
			continue
		}

		err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && isYAMLFile(p) {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, faults.Newf(faults.ConfigError, "walk lab configuration path %s: %v", path, err)
		}
	}
	return all, nil
}

func isYAMLFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}
