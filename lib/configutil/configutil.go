// Package configutil reads json5 config files with local overrides. A file
// named <base>.local.<ext> next to the main config is merged on top of it,
// so per-machine settings stay out of version control.
package configutil

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

// ReadConfig reads `name` plus its .local companion and merges the two,
// local values winning. Returns os.ErrNotExist when neither file exists.
func ReadConfig[T any](name string) (T, error) {
	var out T

	base, err := readInto(&out, name)
	if err != nil {
		return out, err
	}

	localName := localPath(name)
	var override T
	local, err := readInto(&override, localName)
	if err != nil {
		return out, err
	}
	if local {
		if err := mergo.Merge(&out, override, mergo.WithOverride); err != nil {
			return out, err
		}
		slog.Info("merging config with local overrides", "local", localName)
	}

	if !base && !local {
		return out, os.ErrNotExist
	}
	return out, nil
}

// ReadRecursively walks up from the cwd until it finds a config matching
// `name`, then reads it like ReadConfig.
func ReadRecursively[T any](name string) (T, error) {
	var zero T

	current, err := os.Getwd()
	if err != nil {
		return zero, err
	}

	for {
		config, err := ReadConfig[T](filepath.Join(current, name))
		if !os.IsNotExist(err) {
			return config, err
		}

		parent := filepath.Dir(current)
		if parent == current {
			return zero, os.ErrNotExist
		}
		current = parent
	}
}

func readInto[T any](out *T, path string) (bool, error) {
	contents, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(contents) == 0 {
		// an empty file is treated the same as an absent one
		return false, nil
	}
	if err := json5.Unmarshal(contents, out); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

// localPath turns dir/app.json5 into dir/app.local.json5.
func localPath(name string) string {
	dir := filepath.Dir(name)
	base := filepath.Base(name)
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		return filepath.Join(dir, fmt.Sprintf("%s.local.%s", base[:i], base[i+1:]))
	}
	return filepath.Join(dir, base+".local")
}
