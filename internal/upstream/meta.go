package upstream

import "strconv"

// Meta is the open meta dictionary returned by the workflow. A few keys have
// typed accessors; everything else is retained verbatim so it survives into
// the persisted assistant message.
type Meta struct {
	raw map[string]any
}

// NewMeta wraps an already-decoded map. Used by tests and by proactive
// synthesis.
func NewMeta(raw map[string]any) Meta {
	return Meta{raw: raw}
}

func (m Meta) str(key string) string {
	v, _ := m.raw[key].(string)
	return v
}

func (m Meta) Persona() string { return m.str("persona") }
func (m Meta) Intent() string  { return m.str("intent") }

// Abuse reports a moderation hit, checking both the top-level key and the
// nested flags block.
func (m Meta) Abuse() bool {
	if b, ok := m.raw["abuse"].(bool); ok && b {
		return true
	}
	if flags, ok := m.raw["flags"].(map[string]any); ok {
		if b, ok := flags["abuse"].(bool); ok && b {
			return true
		}
	}
	return false
}

// MuteHours returns the requested mute duration in hours, 0 when absent.
func (m Meta) MuteHours() float64 {
	if v, ok := asFloat(m.raw["mute_hours"]); ok {
		return v
	}
	if flags, ok := m.raw["flags"].(map[string]any); ok {
		if v, ok := asFloat(flags["mute_hours"]); ok {
			return v
		}
	}
	return 0
}

// Map returns a copy of the full dictionary for persistence. Callers may
// extend the copy without affecting the response.
func (m Meta) Map() map[string]any {
	out := make(map[string]any, len(m.raw)+4)
	for k, v := range m.raw {
		out[k] = v
	}
	return out
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
