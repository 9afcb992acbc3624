// Package jsonutil provides nil-safe accessors for loosely typed JSON
// maps (map[string]any as produced by encoding/json).
package jsonutil

import "strings"

// GetString returns m[key] as a string, or "" if absent or not a string.
func GetString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// GetMap returns m[key] as a nested map, or nil if absent or not a map.
func GetMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]any)
	return v
}

// GetInt returns m[key] as an int, or 0 if absent or not a JSON number.
// JSON numbers unmarshal as float64; the value is truncated.
func GetInt(m map[string]any, key string) int {
	return int(GetFloat(m, key))
}

// GetFloat returns m[key] as a float64, or 0 if absent or not a number.
func GetFloat(m map[string]any, key string) float64 {
	if m == nil {
		return 0
	}
	f, _ := m[key].(float64)
	return f
}

// ContainsNull reports whether s contains a null byte. Null bytes are
// rejected before strings cross the process boundary (argv, stdin).
func ContainsNull(s string) bool {
	return strings.ContainsRune(s, '\x00')
}
