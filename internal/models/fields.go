package models

import "strings"

// Helpers that read a typed subset of a decoded object. Ill-typed values are
// dropped, never reported.

// String returns obj[key] when it is a string.
func String(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return strings.TrimSpace(s)
}

// Strings returns the string entries of obj[key]. Non-string entries are filtered.
func Strings(obj map[string]any, key string) []string {
	return StringList(obj[key])
}

// StringList converts an array value to its non-empty string entries.
func StringList(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Number returns obj[key] when it is a JSON number.
func Number(obj map[string]any, key string) *float64 {
	if v, ok := obj[key].(float64); ok {
		return &v
	}
	return nil
}

// Int returns obj[key] truncated to an int when it is a JSON number.
func Int(obj map[string]any, key string) (int, bool) {
	v, ok := obj[key].(float64)
	return int(v), ok
}

// Bool returns obj[key] and whether it was a boolean.
func Bool(obj map[string]any, key string) (bool, bool) {
	b, ok := obj[key].(bool)
	return b, ok
}

// Object returns obj[key] when it is an object.
func Object(obj map[string]any, key string) map[string]any {
	m, _ := obj[key].(map[string]any)
	return m
}

// Objects returns the object entries of obj[key].
func Objects(obj map[string]any, key string) []map[string]any {
	arr, ok := obj[key].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
