// Package rtevent defines the event-graph primitives shared by every
// component of the voxswitch pipeline: the [Event] envelope, the [Vendor]
// tag identifying which realtime-API dialect an event is shaped in, and the
// synchronous publish/subscribe [Bus] that pipeline nodes are built from.
//
// Payloads are treated as opaque JSON-shaped trees (map[string]any as
// produced by encoding/json). Components only read the fields they
// recognise and pass everything else through untouched, so unknown payload
// shapes are never rejected.
package rtevent

import (
	"fmt"
	"strings"
)

// Vendor identifies one of the supported realtime voice-API dialects.
// It doubles as the provider identifier: a session's client style and its
// current upstream provider are both Vendor values and need not match.
type Vendor string

const (
	// VendorOpenAI is the OpenAI Realtime dialect ("type"-discriminated
	// events such as session.update and response.audio.delta).
	VendorOpenAI Vendor = "openai"

	// VendorGemini is the Gemini Live dialect (marker-object messages such
	// as setup, realtimeInput, and serverContent).
	VendorGemini Vendor = "gemini"
)

// IsValid reports whether v is a recognised vendor tag.
func (v Vendor) IsValid() bool {
	return v == VendorOpenAI || v == VendorGemini
}

// Other returns the alternate vendor. The gateway switches between exactly
// two vendors in any given switch cycle.
func (v Vendor) Other() Vendor {
	if v == VendorOpenAI {
		return VendorGemini
	}
	return VendorOpenAI
}

// String returns the vendor tag as a plain string.
func (v Vendor) String() string { return string(v) }

// ParseVendor converts a handshake parameter value into a [Vendor].
// Matching is case-insensitive so both "OPENAI" and "openai" are accepted.
func ParseVendor(s string) (Vendor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai":
		return VendorOpenAI, nil
	case "gemini":
		return VendorGemini, nil
	default:
		return "", fmt.Errorf("rtevent: unknown vendor %q", s)
	}
}

// Event is the unit of traffic flowing through a pipeline: a vendor-shaped
// JSON payload tagged with the dialect it is expressed in.
type Event struct {
	// Src is the dialect the Payload is shaped in.
	Src Vendor

	// Payload is the decoded JSON object exactly as received. It is shared,
	// not copied, as the event moves through the graph; components that
	// mutate a payload must work on a [Event.Clone].
	Payload map[string]any
}

// Clone returns a deep copy of the event. Nested maps and slices are copied
// recursively; scalar values are shared (they are immutable).
func (e Event) Clone() Event {
	return Event{Src: e.Src, Payload: CopyMap(e.Payload)}
}

// CopyMap deep-copies a JSON-shaped map tree.
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

// Field walks path through nested maps and returns the value at the end.
// The second return is false if any step is missing or not a map.
func Field(m map[string]any, path ...string) (any, bool) {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// StringField returns the string at path, or "" if the path is missing or
// the value is not a string.
func StringField(m map[string]any, path ...string) string {
	v, ok := Field(m, path...)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// MapField returns the object at path, or nil if the path is missing or the
// value is not an object.
func MapField(m map[string]any, path ...string) map[string]any {
	v, ok := Field(m, path...)
	if !ok {
		return nil
	}
	obj, _ := v.(map[string]any)
	return obj
}

// SliceField returns the array at path, or nil if the path is missing or
// the value is not an array.
func SliceField(m map[string]any, path ...string) []any {
	v, ok := Field(m, path...)
	if !ok {
		return nil
	}
	arr, _ := v.([]any)
	return arr
}

// BoolField returns the boolean at path, or false if the path is missing or
// the value is not a boolean.
func BoolField(m map[string]any, path ...string) bool {
	v, ok := Field(m, path...)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
