// Package nvs implements the name/value set used for Management frame
// payloads and stream-setup payloads (spec section 6). The wire choice is
// JSON, as the spec allows ("an implementation may use JSON or a tagged
// binary form").
package nvs

import "encoding/json"

// Set is a flat name/value dictionary. Values are stored as strings; typed
// accessors parse on read so callers don't have to think about JSON number
// vs string distinctions when a required key is, say, a duration or a
// sequence number.
type Set map[string]string

// New returns an empty Set.
func New() Set { return make(Set) }

// Marshal serializes s to JSON bytes.
func (s Set) Marshal() ([]byte, error) { return json.Marshal(map[string]string(s)) }

// Unmarshal parses JSON bytes into a new Set.
func Unmarshal(data []byte) (Set, error) {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return Set(m), nil
}

// Get returns the string value for key and whether it was present.
func (s Set) Get(key string) (string, bool) {
	v, ok := s[key]
	return v, ok
}

// Set assigns key=value and returns the receiver for chaining.
func (s Set) Set(key, value string) Set {
	s[key] = value
	return s
}

// Has reports whether key is present.
func (s Set) Has(key string) bool {
	_, ok := s[key]
	return ok
}
