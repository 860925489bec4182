package config

import (
	"fmt"
)

// KeyInfo is one row of "remedy config show".
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll lists every non-secret key with its effective value in cfg.
func ShowAll(cfg Config) []KeyInfo {
	out := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		if !s.secret {
			out = append(out, KeyInfo{Key: s.key, EnvVar: s.env, Value: fmt.Sprint(s.extract(cfg))})
		}
	}
	return out
}

// ValidKeys names every key "config set" accepts.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}

// SetKey validates value against the key's type and stores it in the config
// file.
func SetKey(key, value string) error {
	return setKeyWith(newJSONFile(configFilePath()), key, value)
}

// UnsetKey removes key from the config file so its default applies again.
func UnsetKey(key string) error {
	return unsetKeyWith(newJSONFile(configFilePath()), key)
}

func settable(key string) (keySpec, error) {
	s, ok := lookupSpec(key)
	if !ok {
		return keySpec{}, fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return keySpec{}, fmt.Errorf("%q is a secret; use %s or config set-secret", key, s.env)
	}
	return s, nil
}

func setKeyWith(b Backend, key, value string) error {
	s, err := settable(key)
	if err != nil {
		return err
	}
	v, err := s.parse(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return b.Store(key, v)
}

func unsetKeyWith(b Backend, key string) error {
	if _, err := settable(key); err != nil {
		return err
	}
	return b.Remove(key)
}
