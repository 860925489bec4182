package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// xdgDir returns $<env>/remedy, or ~/<fallback>/remedy when env is unset.
func xdgDir(env string, fallback ...string) string {
	base := os.Getenv(env)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "remedy"
		}
		base = filepath.Join(append([]string{home}, fallback...)...)
	}
	return filepath.Join(base, "remedy")
}

func defaultDataDir() string { return xdgDir("XDG_DATA_HOME", ".local", "share") }

func configFilePath() string { return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "config.json") }

// jsonFile keeps config as one flat JSON object with dotted keys, e.g.
// {"server.port": 4100, "lint.enabled": true}. A missing or unreadable file
// behaves as empty.
type jsonFile struct {
	path   string
	values map[string]any
}

func newJSONFile(path string) *jsonFile {
	f := &jsonFile{path: path, values: make(map[string]any)}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		slog.Warn("config: file unreadable, using defaults", "path", path, "error", err)
	default:
		if err := json.Unmarshal(data, &f.values); err != nil {
			slog.Warn("config: file is not valid JSON, using defaults", "path", path, "error", err)
			f.values = make(map[string]any)
		}
	}
	return f
}

func (f *jsonFile) Lookup(key string) (string, bool, error) {
	v, ok := f.values[key]
	if !ok || v == nil {
		return "", false, nil
	}
	switch x := v.(type) {
	case string:
		return x, true, nil
	case bool:
		return strconv.FormatBool(x), true, nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true, nil
	default:
		return "", true, fmt.Errorf("%s holds a %T, want a scalar", key, v)
	}
}

func (f *jsonFile) Store(key string, v any) error {
	f.values[key] = v
	return f.flush()
}

func (f *jsonFile) Remove(key string) error {
	if _, ok := f.values[key]; !ok {
		return nil
	}
	delete(f.values, key)
	return f.flush()
}

func (f *jsonFile) flush() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(f.values, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, append(data, '\n'), 0o600)
}
