package event

import "strings"

// Metadata is an open key/value bag for cross-cutting concerns such as tenant
// or currency. Values should stay JSON-primitive (string, number, bool) so a
// receiving service in another language can decode them; polymorphic object
// graphs do not belong here.
type Metadata map[string]any

// Set stores value under key, ignoring blank keys.
func (meta Metadata) Set(key string, value any) {
	key = strings.TrimSpace(key)
	if key == "" || meta == nil {
		return
	}

	meta[key] = value
}

// Get returns the value stored under key.
func (meta Metadata) Get(key string) (any, bool) {
	if meta == nil {
		return nil, false
	}

	value, ok := meta[key]

	return value, ok
}

// GetString returns the value under key when it is a string.
func (meta Metadata) GetString(key string) (string, bool) {
	value, ok := meta.Get(key)
	if !ok {
		return "", false
	}

	str, ok := value.(string)

	return str, ok
}

// Clone returns a shallow copy, never nil.
func (meta Metadata) Clone() Metadata {
	clone := make(Metadata, len(meta))

	for key, value := range meta {
		clone[key] = value
	}

	return clone
}

// Merge returns a copy of meta with entries from other applied on top.
func (meta Metadata) Merge(other Metadata) Metadata {
	merged := meta.Clone()

	for key, value := range other {
		merged.Set(key, value)
	}

	return merged
}
