package config

// Backend persists non-secret keys. Lookup returns the stored value in its
// textual form whatever type the file holds, so every key kind parses the
// same way environment overrides do.
type Backend interface {
	Lookup(key string) (raw string, ok bool, err error)
	Store(key string, v any) error
	Remove(key string) error
}
