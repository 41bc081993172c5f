package shutter

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ns-trcd/trcdaq/comm"
)

// fakeBox emulates the controller: ACKs sets, reports the last set state,
// and optionally lags the reported state behind by `lag` get requests.
type fakeBox struct {
	mu    sync.Mutex
	state State
	lag   int
}

func (f *fakeBox) servePool() *comm.Pool {
	maker := func() (io.ReadWriteCloser, error) {
		client, server := net.Pipe()
		go func() {
			buf := make([]byte, telegramLen)
			for {
				if _, err := io.ReadFull(server, buf); err != nil {
					return
				}
				cmd, state, err := DecodeTelegram(buf)
				if err != nil {
					return
				}
				f.mu.Lock()
				switch cmd {
				case CmdSet:
					f.state = state
					server.Write(MakeTelegram(CmdAck, state))
				case CmdGet:
					if f.lag > 0 {
						f.lag--
						server.Write(MakeTelegram(CmdGet, 1-f.state))
					} else {
						server.Write(MakeTelegram(CmdGet, f.state))
					}
				}
				f.mu.Unlock()
			}
		}()
		return client, nil
	}
	return comm.NewPool(1, time.Minute, maker)
}

func newTestController(box *fakeBox, cfg Config) *Controller {
	return &Controller{pool: box.servePool(), cfg: cfg}
}

func TestSetAndState(t *testing.T) {
	box := &fakeBox{}
	c := newTestController(box, Config{Readback: true})
	defer c.Close()
	if err := c.Set(Open); err != nil {
		t.Fatal(err)
	}
	got, err := c.State()
	if err != nil {
		t.Fatal(err)
	}
	if got != Open {
		t.Errorf("expected OPEN readback, got %v", got)
	}
}

func TestSettleWithReadbackWaitsForBlade(t *testing.T) {
	box := &fakeBox{lag: 3} // first three polls report the wrong state
	c := newTestController(box, Config{Readback: true, PollInterval: time.Millisecond})
	defer c.Close()
	if err := c.Set(Open); err != nil {
		t.Fatal(err)
	}
	if err := c.Settle(context.Background(), Open, time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestSettleTimesOut(t *testing.T) {
	box := &fakeBox{lag: 1 << 30} // blade never arrives
	c := newTestController(box, Config{Readback: true, PollInterval: time.Millisecond})
	defer c.Close()
	if err := c.Set(Open); err != nil {
		t.Fatal(err)
	}
	err := c.Settle(context.Background(), Open, 20*time.Millisecond)
	if !errors.Is(err, ErrSettleTimeout) {
		t.Fatalf("expected ErrSettleTimeout, got %v", err)
	}
}

func TestSettleTimesOutInsidePollInterval(t *testing.T) {
	// a window shorter than the poll cadence expires between polls,
	// which must still surface as a settle timeout
	box := &fakeBox{lag: 1 << 30}
	c := newTestController(box, Config{Readback: true, PollInterval: 50 * time.Millisecond})
	defer c.Close()
	if err := c.Set(Open); err != nil {
		t.Fatal(err)
	}
	err := c.Settle(context.Background(), Open, time.Millisecond)
	if !errors.Is(err, ErrSettleTimeout) {
		t.Fatalf("expected ErrSettleTimeout, got %v", err)
	}
}

func TestSettleHonorsCancellation(t *testing.T) {
	box := &fakeBox{lag: 1 << 30}
	c := newTestController(box, Config{Readback: true, PollInterval: time.Millisecond})
	defer c.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Settle(ctx, Open, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSettleWithoutReadbackSleeps(t *testing.T) {
	box := &fakeBox{}
	c := newTestController(box, Config{SettleDuration: 10 * time.Millisecond})
	defer c.Close()
	start := time.Now()
	if err := c.Settle(context.Background(), Open, time.Second); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("settle returned before the calibrated duration elapsed")
	}
}

func TestControllerCloseIdempotent(t *testing.T) {
	box := &fakeBox{}
	c := newTestController(box, Config{})
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}
