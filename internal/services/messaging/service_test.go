package messaging

import (
	"testing"

	"rextrack-worker-go/internal/services/events"
)

func TestSubject(t *testing.T) {
	tests := []struct {
		source string
		typ    events.Type
		want   string
	}{
		{"cam1", events.TypeState, "rextrack.events.cam1.state"},
		{"lobby.north", events.TypeCycle, "rextrack.events.lobby_north.cycle"},
		{"a*b>c d", events.TypeError, "rextrack.events.a_b_c_d.error"},
		{"", events.TypeSource, "rextrack.events._.source"},
	}
	for _, tt := range tests {
		got := Subject("rextrack.events", events.Event{SourceID: tt.source, Type: tt.typ})
		if got != tt.want {
			t.Fatalf("Subject(%q, %s) = %q; want %q", tt.source, tt.typ, got, tt.want)
		}
	}
}
