/*Package acquire contains the acquisition synchronization loop.

The controller drives a fixed number of measurement cycles, each one a
strict sequence: arm the scope, move the shutter and wait for it to settle,
wait for the trigger, transfer the record, persist it.  A cycle either
completes and is persisted, or the whole session fails; the persisted
artifact indices never have gaps.

Exactly one cycle is in flight at a time.  The instrument and shutter are
single physical devices, so there is nothing to gain from concurrency; the
only suspension points are the bounded waits (settle, trigger), each
governed by an explicit window.  Cancellation is honored at cycle
boundaries, so an in-progress cycle always reaches a determinate state.
*/
package acquire

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/ns-trcd/trcdaq/oscilloscope"
	"github.com/ns-trcd/trcdaq/shutter"
	"github.com/ns-trcd/trcdaq/sink"
)

// State is the controller's position in the cycle state machine
type State int

const (
	Idle State = iota
	Arming
	SettlingShutter
	Triggering
	Reading
	Persisting
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Arming:
		return "ARMING"
	case SettlingShutter:
		return "SETTLING_SHUTTER"
	case Triggering:
		return "TRIGGERING"
	case Reading:
		return "READING"
	case Persisting:
		return "PERSISTING"
	case Done:
		return "DONE"
	case Failed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Pattern sequences the shutter state across cycles
type Pattern int

const (
	// Alternate takes paired light/dark captures: open on even cycles,
	// closed on odd ones
	Alternate Pattern = iota

	// AllOpen keeps the beam unblocked for every cycle
	AllOpen

	// AllClosed keeps the beam blocked for every cycle
	AllClosed
)

// stateFor returns the shutter state for a cycle index
func (p Pattern) stateFor(index int) shutter.State {
	switch p {
	case AllOpen:
		return shutter.Open
	case AllClosed:
		return shutter.Closed
	}
	if index%2 == 0 {
		return shutter.Open
	}
	return shutter.Closed
}

// Instrument is the slice of a scope the loop needs.  *tektronix.Scope is
// adapted to it in cmd/trcdaq.
type Instrument interface {
	// Arm prepares a new single-sequence acquisition
	Arm() error

	// WaitTriggered blocks until the acquisition completes or the window
	// elapses
	WaitTriggered(ctx context.Context, window time.Duration) error

	// Waveform transfers the completed record
	Waveform() (oscilloscope.Waveform, error)
}

// Shutter is the slice of a shutter controller the loop needs.
// *shutter.Controller and *shutter.Mock both satisfy it.
type Shutter interface {
	Set(shutter.State) error
	Settle(ctx context.Context, s shutter.State, window time.Duration) error
}

// Writer persists completed cycles.  *sink.Recorder satisfies it.
type Writer interface {
	Write(sink.Record) (string, error)
}

// Cycle is one completed measurement cycle
type Cycle = sink.Record

// Session is the bookkeeping for one run
type Session struct {
	// Target is the number of cycles requested
	Target int

	// Completed holds every persisted cycle, in order, no gaps
	Completed []Cycle

	// Paths holds the artifact path of each completed cycle
	Paths []string
}

// Config tunes the loop.  The zero value is usable; see the defaults in
// each field comment.
type Config struct {
	// Cycles is the target cycle count N.  Zero completes immediately
	// with an empty session.
	Cycles int

	// Pattern sequences the shutter; default Alternate
	Pattern Pattern

	// SettleWindow bounds the shutter settle wait; default 5s
	SettleWindow time.Duration

	// TriggerWindow bounds the trigger wait; default 5s
	TriggerWindow time.Duration

	// RetryBudget is the attempts per cycle step before the session
	// fails; default 3
	RetryBudget int

	// RetryInterval is the pause between attempts; default 100ms
	RetryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SettleWindow == 0 {
		c.SettleWindow = 5 * time.Second
	}
	if c.TriggerWindow == 0 {
		c.TriggerWindow = 5 * time.Second
	}
	if c.RetryBudget == 0 {
		c.RetryBudget = 3
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 100 * time.Millisecond
	}
	return c
}

// Status is a read-only snapshot of the controller for the HTTP surface
type Status struct {
	State     string `json:"state"`
	Cycle     int    `json:"cycle"`
	Target    int    `json:"target"`
	Completed int    `json:"completed"`
}

// Controller runs the acquisition loop.  It borrows the instrument,
// shutter, and writer; their lifecycles belong to the caller.
type Controller struct {
	instrument Instrument
	shutter    Shutter
	writer     Writer
	cfg        Config

	mu        sync.Mutex
	state     State
	cycle     int
	completed int
	summaries []CycleSummary
}

// CycleSummary is the metadata of a completed cycle, without the waveform
type CycleSummary struct {
	Index     int       `json:"index"`
	Shutter   string    `json:"shutter"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
}

// New returns a Controller ready to Run
func New(i Instrument, s Shutter, w Writer, cfg Config) *Controller {
	return &Controller{
		instrument: i,
		shutter:    s,
		writer:     w,
		cfg:        cfg.withDefaults(),
	}
}

// Status returns a snapshot of loop progress.  Safe to call from any
// goroutine while Run is in flight.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:     c.state.String(),
		Cycle:     c.cycle,
		Target:    c.cfg.Cycles,
		Completed: c.completed,
	}
}

// Cycles returns summaries of the completed cycles.  Safe to call from any
// goroutine while Run is in flight.
func (c *Controller) Cycles() []CycleSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CycleSummary, len(c.summaries))
	copy(out, c.summaries)
	return out
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) setCycle(i int) {
	c.mu.Lock()
	c.cycle = i
	c.mu.Unlock()
}

// retry runs op up to the retry budget, pausing RetryInterval between
// attempts.  Cancellation is not retried.
func (c *Controller) retry(op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		metricRetries.Inc()
		return err
	}
	b := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(c.cfg.RetryInterval),
		uint64(c.cfg.RetryBudget-1))
	return backoff.Retry(wrapped, b)
}

// Run drives the session to completion.  On success the returned session
// has exactly cfg.Cycles completed cycles; on failure the error is a
// *SessionError (or the context's error for a cancellation at a cycle
// boundary) and the session holds every cycle completed before the
// failure.
func (c *Controller) Run(ctx context.Context) (*Session, error) {
	sess := &Session{Target: c.cfg.Cycles}
	c.setState(Idle)

	fail := func(cycle int, class FailureClass, err error) (*Session, error) {
		c.setState(Failed)
		serr := &SessionError{Class: classify(err, class), Cycle: cycle, Err: err}
		metricFailures.WithLabelValues(serr.Class.String()).Inc()
		return sess, serr
	}

	var lastStamp time.Time
	for i := 0; i < c.cfg.Cycles; i++ {
		// cancellation is only honored here, between cycles, so a
		// cycle in flight always runs to a determinate state
		select {
		case <-ctx.Done():
			c.setState(Failed)
			return sess, ctx.Err()
		default:
		}
		c.setCycle(i)

		c.setState(Arming)
		if err := c.retry(c.instrument.Arm); err != nil {
			return fail(i, ClassConnection, err)
		}

		c.setState(SettlingShutter)
		want := c.cfg.Pattern.stateFor(i)
		err := c.retry(func() error {
			if err := c.shutter.Set(want); err != nil {
				return err
			}
			return c.shutter.Settle(ctx, want, c.cfg.SettleWindow)
		})
		if err != nil {
			return fail(i, ClassSettle, err)
		}

		c.setState(Triggering)
		err = c.retry(func() error {
			return c.instrument.WaitTriggered(ctx, c.cfg.TriggerWindow)
		})
		if err != nil {
			return fail(i, ClassTimeout, err)
		}

		c.setState(Reading)
		var wav oscilloscope.Waveform
		err = c.retry(func() error {
			var rerr error
			wav, rerr = c.instrument.Waveform()
			return rerr
		})
		if err != nil {
			return fail(i, ClassProtocol, err)
		}

		stamp := time.Now()
		if !stamp.After(lastStamp) {
			// capture timestamps are strictly increasing even when
			// cycles complete within the clock resolution
			stamp = lastStamp.Add(time.Nanosecond)
		}
		lastStamp = stamp

		rec := Cycle{Index: i, Shutter: want, Timestamp: stamp, Waveform: wav}
		c.setState(Persisting)
		var path string
		err = c.retry(func() error {
			var werr error
			path, werr = c.writer.Write(rec)
			return werr
		})
		if err != nil {
			return fail(i, ClassStorage, err)
		}

		// only now does the cycle count as completed
		sess.Completed = append(sess.Completed, rec)
		sess.Paths = append(sess.Paths, path)
		metricCyclesCompleted.Inc()
		metricProgress.Set(float64(len(sess.Completed)) / float64(c.cfg.Cycles))

		c.mu.Lock()
		c.completed = len(sess.Completed)
		c.summaries = append(c.summaries, CycleSummary{
			Index:     rec.Index,
			Shutter:   rec.Shutter.String(),
			Timestamp: rec.Timestamp,
			Path:      path,
		})
		c.mu.Unlock()
	}
	c.setState(Done)
	return sess, nil
}
