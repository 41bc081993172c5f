package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ns-trcd/trcdaq/acquire"
)

func TestExitCodeByFailureClass(t *testing.T) {
	cases := []struct {
		class acquire.FailureClass
		want  int
	}{
		{acquire.ClassConnection, 2},
		{acquire.ClassTimeout, 3},
		{acquire.ClassProtocol, 4},
		{acquire.ClassStorage, 5},
		{acquire.ClassSettle, 6},
	}
	for _, tc := range cases {
		err := &acquire.SessionError{Class: tc.class, Cycle: 0, Err: errors.New("boom")}
		if got := exitCode(err); got != tc.want {
			t.Errorf("exitCode(%s) = %d, want %d", tc.class, got, tc.want)
		}
	}
	if got := exitCode(nil); got != 0 {
		t.Errorf("exitCode(nil) = %d, want 0", got)
	}
	if got := exitCode(errors.New("something else")); got != 1 {
		t.Errorf("exitCode(plain error) = %d, want 1", got)
	}
}

func TestParsePattern(t *testing.T) {
	cases := map[string]acquire.Pattern{
		"":           acquire.Alternate,
		"alternate":  acquire.Alternate,
		"OPEN":       acquire.AllOpen,
		"all-open":   acquire.AllOpen,
		"closed":     acquire.AllClosed,
		"all-closed": acquire.AllClosed,
	}
	for in, want := range cases {
		got, err := parsePattern(in)
		if err != nil {
			t.Errorf("parsePattern(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("parsePattern(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := parsePattern("sideways"); err == nil {
		t.Error("expected an error for an unknown pattern")
	}
}

func TestWlCode(t *testing.T) {
	cases := map[float64]string{
		800:    "80000",
		780.33: "78033",
		850:    "85000",
	}
	for wl, want := range cases {
		if got := wlCode(wl); got != want {
			t.Errorf("wlCode(%g) = %s, want %s", wl, got, want)
		}
	}
}

func TestNotifyPostsMessage(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding notification body: %v", err)
		}
		got <- body["message"]
	}))
	defer srv.Close()
	notify(srv.URL, "acquisition complete")
	select {
	case msg := <-got:
		if msg != "acquisition complete" {
			t.Errorf("notification said %q, want %q", msg, "acquisition complete")
		}
	default:
		t.Error("no notification was delivered")
	}
}

func TestNotifyNoURLIsANoOp(t *testing.T) {
	notify("", "nothing should happen")
}

func TestScanConfEnabled(t *testing.T) {
	if (scanConf{}).enabled() {
		t.Error("zero scan config should be disabled")
	}
	if !(scanConf{Start: 780, Stop: 790, Step: 5}).enabled() {
		t.Error("range scan config should be enabled")
	}
	if !(scanConf{Wavelengths: []float64{800}}).enabled() {
		t.Error("list scan config should be enabled")
	}
}
