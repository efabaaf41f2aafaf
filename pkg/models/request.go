package models

import "strings"

// Request is a structured agent request: field name to JSON-compatible value.
type Request map[string]any

// Clone returns a shallow copy of r.
func (r Request) Clone() Request {
	out := make(Request, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Bool reports whether field is set to a truthy value.
// Accepts bools, non-zero numbers and the strings "1", "true", "yes", "on".
func (r Request) Bool(field string) bool {
	switch v := r[field].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true
		}
	}
	return false
}

// String returns field as a string, or "" when absent or not a string.
func (r Request) String(field string) string {
	s, _ := r[field].(string)
	return s
}

// Has reports whether field is present with a non-empty value.
func (r Request) Has(field string) bool {
	v, ok := r[field]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return true
}
