package acquire

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/ns-trcd/trcdaq/oscilloscope"
	"github.com/ns-trcd/trcdaq/shutter"
	"github.com/ns-trcd/trcdaq/sink"
	"github.com/ns-trcd/trcdaq/tektronix"
)

func testWaveform() oscilloscope.Waveform {
	return oscilloscope.Waveform{
		DT: 1e-9,
		Channels: map[string]oscilloscope.Channel{
			"par": {Data: []int16{1, 2, 3}, Scale: 1e-3},
		},
	}
}

// fakeScope satisfies Instrument and can be made to fail any step a
// configured number of times
type fakeScope struct {
	sync.Mutex

	cycle int // number of Arm calls so far

	// triggerFails maps a cycle index to how many WaitTriggered calls
	// fail before one succeeds
	triggerFails map[int]int

	waveformErr  error
	waveformErrs int // times waveformErr is returned before success
}

func (f *fakeScope) Arm() error {
	f.Lock()
	defer f.Unlock()
	f.cycle++
	return nil
}

func (f *fakeScope) WaitTriggered(ctx context.Context, window time.Duration) error {
	f.Lock()
	defer f.Unlock()
	cyc := f.cycle - 1
	if f.triggerFails[cyc] > 0 {
		f.triggerFails[cyc]--
		return tektronix.ErrTriggerTimeout
	}
	return nil
}

func (f *fakeScope) Waveform() (oscilloscope.Waveform, error) {
	f.Lock()
	defer f.Unlock()
	if f.waveformErr != nil && f.waveformErrs != 0 {
		if f.waveformErrs > 0 {
			f.waveformErrs--
		}
		return oscilloscope.Waveform{}, f.waveformErr
	}
	return testWaveform(), nil
}

// memWriter satisfies Writer without touching the filesystem
type memWriter struct {
	sync.Mutex
	records []sink.Record
	err     error

	// onWrite, when non-nil, runs after each successful write
	onWrite func(sink.Record)
}

func (w *memWriter) Write(rec sink.Record) (string, error) {
	w.Lock()
	defer w.Unlock()
	if w.err != nil {
		return "", w.err
	}
	w.records = append(w.records, rec)
	if w.onWrite != nil {
		w.onWrite(rec)
	}
	return fmt.Sprintf("/tmp/fake/%s", sink.Filename(rec.Index)), nil
}

func fastConfig(cycles int) Config {
	return Config{
		Cycles:        cycles,
		RetryInterval: time.Millisecond,
	}
}

func TestRunAlternatesShutter(t *testing.T) {
	scope := &fakeScope{}
	sh := shutter.NewMock()
	w := &memWriter{}
	c := New(scope, sh, w, fastConfig(3))

	sess, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(sess.Completed) != 3 {
		t.Fatalf("completed %d cycles, want 3", len(sess.Completed))
	}
	want := []shutter.State{shutter.Open, shutter.Closed, shutter.Open}
	var got []shutter.State
	for _, rec := range sess.Completed {
		got = append(got, rec.Shutter)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("shutter sequence mismatch (-want +got):\n%s", diff)
	}
	for i, rec := range sess.Completed {
		if rec.Index != i {
			t.Errorf("record %d has index %d", i, rec.Index)
		}
	}
	if diff := cmp.Diff(want, sh.History); diff != "" {
		t.Errorf("commanded sequence mismatch (-want +got):\n%s", diff)
	}
	if got := c.Status().State; got != "DONE" {
		t.Errorf("final state %s, want DONE", got)
	}
}

func TestRunRecoversFromTriggerTimeouts(t *testing.T) {
	// two trigger timeouts on cycle 2, inside the default budget of 3
	scope := &fakeScope{triggerFails: map[int]int{2: 2}}
	w := &memWriter{}
	c := New(scope, shutter.NewMock(), w, fastConfig(5))

	sess, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(sess.Completed) != 5 {
		t.Fatalf("completed %d cycles, want 5", len(sess.Completed))
	}
}

func TestTriggerTimeoutsExhaustBudget(t *testing.T) {
	scope := &fakeScope{triggerFails: map[int]int{1: 3}}
	c := New(scope, shutter.NewMock(), &memWriter{}, fastConfig(4))

	sess, err := c.Run(context.Background())
	var serr *SessionError
	if !errors.As(err, &serr) {
		t.Fatalf("want *SessionError, got %v", err)
	}
	if serr.Class != ClassTimeout {
		t.Errorf("failure class %s, want timeout", serr.Class)
	}
	if serr.Cycle != 1 {
		t.Errorf("failed at cycle %d, want 1", serr.Cycle)
	}
	if len(sess.Completed) != 1 {
		t.Errorf("completed %d cycles before failure, want 1", len(sess.Completed))
	}
	if got := c.Status().State; got != "FAILED" {
		t.Errorf("final state %s, want FAILED", got)
	}
}

func TestSettleTimeoutFailsSession(t *testing.T) {
	sh := shutter.NewMock()
	sh.FailSettleAt = 2
	cfg := fastConfig(5)
	cfg.RetryBudget = 1
	c := New(&fakeScope{}, sh, &memWriter{}, cfg)

	sess, err := c.Run(context.Background())
	var serr *SessionError
	if !errors.As(err, &serr) {
		t.Fatalf("want *SessionError, got %v", err)
	}
	if serr.Class != ClassSettle {
		t.Errorf("failure class %s, want settle", serr.Class)
	}
	if len(sess.Completed) != 2 {
		t.Errorf("completed %d cycles before failure, want 2", len(sess.Completed))
	}
}

func TestShortTransfersClassifyAsProtocol(t *testing.T) {
	scope := &fakeScope{
		waveformErr:  &tektronix.ShortBufferError{Expected: 1000, Got: 12},
		waveformErrs: -1,
	}
	c := New(scope, shutter.NewMock(), &memWriter{}, fastConfig(2))

	sess, err := c.Run(context.Background())
	var serr *SessionError
	if !errors.As(err, &serr) {
		t.Fatalf("want *SessionError, got %v", err)
	}
	if serr.Class != ClassProtocol {
		t.Errorf("failure class %s, want protocol", serr.Class)
	}
	if serr.Cycle != 0 {
		t.Errorf("failed at cycle %d, want 0", serr.Cycle)
	}
	if len(sess.Completed) != 0 {
		t.Errorf("completed %d cycles, want 0", len(sess.Completed))
	}
}

func TestStorageFailureClassifiesAsStorage(t *testing.T) {
	w := &memWriter{err: errors.New("disk full")}
	c := New(&fakeScope{}, shutter.NewMock(), w, fastConfig(1))

	_, err := c.Run(context.Background())
	var serr *SessionError
	if !errors.As(err, &serr) {
		t.Fatalf("want *SessionError, got %v", err)
	}
	if serr.Class != ClassStorage {
		t.Errorf("failure class %s, want storage", serr.Class)
	}
}

func TestZeroCyclesCompletesImmediately(t *testing.T) {
	c := New(&fakeScope{}, shutter.NewMock(), &memWriter{}, fastConfig(0))
	sess, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(sess.Completed) != 0 {
		t.Errorf("completed %d cycles, want 0", len(sess.Completed))
	}
	if got := c.Status().State; got != "DONE" {
		t.Errorf("final state %s, want DONE", got)
	}
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	c := New(&fakeScope{}, shutter.NewMock(), &memWriter{}, fastConfig(10))
	sess, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	for i := 1; i < len(sess.Completed); i++ {
		prev := sess.Completed[i-1].Timestamp
		cur := sess.Completed[i].Timestamp
		if !cur.After(prev) {
			t.Errorf("cycle %d timestamp %v not after cycle %d timestamp %v",
				i, cur, i-1, prev)
		}
	}
}

func TestCancellationHonoredAtBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &memWriter{}
	w.onWrite = func(rec sink.Record) {
		if rec.Index == 1 {
			cancel()
		}
	}
	c := New(&fakeScope{}, shutter.NewMock(), w, fastConfig(5))

	sess, err := c.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	// the cycle in flight at cancellation still finished
	if len(sess.Completed) != 2 {
		t.Errorf("completed %d cycles, want 2", len(sess.Completed))
	}
}

func TestRunPersistsParseableArtifacts(t *testing.T) {
	root := filepath.Join(t.TempDir(), "out")
	rec, err := sink.NewRecorder(root)
	if err != nil {
		t.Fatal(err)
	}
	c := New(&fakeScope{}, shutter.NewMock(), rec, fastConfig(3))
	sess, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	for i, path := range sess.Paths {
		got, err := sink.Read(path)
		if err != nil {
			t.Fatalf("artifact %d unreadable: %v", i, err)
		}
		if got.Index != i {
			t.Errorf("artifact %s has index %d, want %d", path, got.Index, i)
		}
		ch := got.Waveform.Channels["par"]
		if len(ch.Data) != 3 {
			t.Errorf("artifact %d has %d samples, want 3", i, len(ch.Data))
		}
	}
}

func TestStatusTracksProgress(t *testing.T) {
	w := &memWriter{}
	c := New(&fakeScope{}, shutter.NewMock(), w, fastConfig(4))
	var mid Status
	w.onWrite = func(rec sink.Record) {
		if rec.Index == 1 {
			mid = c.Status()
		}
	}
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if mid.Cycle != 1 || mid.Target != 4 {
		t.Errorf("mid-run status %+v", mid)
	}
	got := c.Cycles()
	if len(got) != 4 {
		t.Fatalf("have %d cycle summaries, want 4", len(got))
	}
	if got[2].Shutter != "OPEN" {
		t.Errorf("cycle 2 shutter %s, want OPEN", got[2].Shutter)
	}
}
