package oscilloscope_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ns-trcd/trcdaq/oscilloscope"
)

func TestPhysicalScaling(t *testing.T) {
	ch := oscilloscope.Channel{
		Data:      []int16{0, 100, -100},
		Scale:     0.01,
		Offset:    1.0,
		Reference: 0,
	}
	got := ch.Physical()
	want := []float64{1.0, 2.0, 0.0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("physical units mismatch (-want +got):\n%s", diff)
	}
}

func TestChannelNamesSorted(t *testing.T) {
	wav := oscilloscope.Waveform{
		Channels: map[string]oscilloscope.Channel{
			"ref":  {},
			"par":  {},
			"perp": {},
		},
	}
	got := wav.ChannelNames()
	want := []string{"par", "perp", "ref"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("channel order mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeCSV(t *testing.T) {
	wav := oscilloscope.Waveform{
		DT: 1e-6,
		Channels: map[string]oscilloscope.Channel{
			"par": {Data: []int16{1, 2}, Scale: 1},
		},
	}
	buf := &bytes.Buffer{}
	if err := wav.EncodeCSV(buf); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines", len(lines))
	}
	if lines[0] != "time,par" {
		t.Errorf("bad header: %q", lines[0])
	}
}
