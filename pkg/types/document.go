package types

import (
	"encoding/json"
	"sort"
)

// Document is a JSON object whose values are kept raw so fields a registry adds
// survive a decode/encode cycle without being modeled here.
type Document map[string]json.RawMessage

// Get decodes the value stored under key into T.
// It reports false when the key is absent or the value does not decode as T.
func Get[T any](d Document, key string) (T, bool) {
	var v T
	raw, ok := d[key]
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false
	}
	return v, true
}

// Set encodes v and stores it under key.
func (d Document) Set(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	d[key] = b
	return nil
}

// Has reports whether key is present.
func (d Document) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// Keys returns the keys in sorted order.
func (d Document) Keys() []string {
	out := make([]string, 0, len(d))
	for k := range d {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Without returns a copy of d minus the given keys.
func (d Document) Without(keys ...string) Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}
