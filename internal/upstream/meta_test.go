package upstream

import "testing"

func TestMetaAbuse(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		want bool
	}{
		{"absent", map[string]any{}, false},
		{"top level true", map[string]any{"abuse": true}, true},
		{"top level false", map[string]any{"abuse": false}, false},
		{"flags true", map[string]any{"flags": map[string]any{"abuse": true}}, true},
		{"flags non-bool", map[string]any{"flags": map[string]any{"abuse": "yes"}}, false},
		{"nil map", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewMeta(tt.raw).Abuse(); got != tt.want {
				t.Errorf("Abuse() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMetaMuteHours(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		want float64
	}{
		{"absent", map[string]any{}, 0},
		{"number", map[string]any{"mute_hours": 24.0}, 24},
		{"string number", map[string]any{"mute_hours": "12"}, 12},
		{"flags number", map[string]any{"flags": map[string]any{"mute_hours": 6.0}}, 6},
		{"garbage string", map[string]any{"mute_hours": "soon"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewMeta(tt.raw).MuteHours(); got != tt.want {
				t.Errorf("MuteHours() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMetaMapIsACopy(t *testing.T) {
	raw := map[string]any{"model": "x1", "persona": "nika"}
	m := NewMeta(raw)

	got := m.Map()
	got["delay_kind"] = "normal"

	if _, leaked := raw["delay_kind"]; leaked {
		t.Error("Map() copy write leaked into the original meta")
	}
	if m.Persona() != "nika" {
		t.Errorf("Persona() = %q after copy mutation, want %q", m.Persona(), "nika")
	}
}
