/*Package shutter drives the mechanical shutter used to take dark and light
reference captures.

The shutter sits behind a small controller box reached over RS232 (or TCP
when a terminal server or bench simulator is in the path).  Some controller
revisions report the blade position back; older ones do not, and for those
the actuator is given a fixed, calibrated settle duration after each
command.  Both behaviors are supported, selected by Config.Readback.
*/
package shutter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ns-trcd/trcdaq/comm"

	"github.com/tarm/serial"
	"golang.org/x/time/rate"
)

// State is the commanded or reported shutter blade position
type State byte

const (
	// Closed blocks the beam (dark capture)
	Closed State = 0

	// Open passes the beam (light capture)
	Open State = 1
)

func (s State) String() string {
	if s == Open {
		return "OPEN"
	}
	return "CLOSED"
}

// ParseState converts the string form back to a State
func ParseState(str string) (State, error) {
	switch str {
	case "OPEN":
		return Open, nil
	case "CLOSED":
		return Closed, nil
	}
	return 0, fmt.Errorf("shutter: unknown state %q", str)
}

// ErrSettleTimeout is generated when the blade does not reach the commanded
// state within the settle window
var ErrSettleTimeout = errors.New("shutter: blade did not settle before the timeout")

// Config holds the connection and settle behavior of a controller
type Config struct {
	// Addr is the serial port (e.g. /dev/ttyUSB0) or host:port of the
	// controller
	Addr string

	// Serial selects RS232 (true) or TCP (false)
	Serial bool

	// Readback indicates the controller reports blade position; when
	// false, Settle sleeps SettleDuration instead of polling
	Readback bool

	// SettleDuration is the calibrated open/close time of the blade,
	// used when Readback is false
	SettleDuration time.Duration

	// PollInterval is the readback poll cadence; zero means 10ms
	PollInterval time.Duration
}

// Controller is an interface to the shutter controller box
type Controller struct {
	pool *comm.Pool
	cfg  Config
}

// New returns a Controller ready to exchange telegrams with the box at
// cfg.Addr
func New(cfg Config) *Controller {
	var maker comm.CreationFunc
	if cfg.Serial {
		maker = comm.SerialConnMaker(&serial.Config{
			Name:        cfg.Addr,
			Baud:        9600,
			ReadTimeout: 5 * time.Second})
	} else {
		maker = comm.BackingOffTCPConnMaker(cfg.Addr, 3*time.Second)
	}
	return &Controller{pool: comm.NewPool(1, time.Minute, maker), cfg: cfg}
}

// exchange writes one telegram and reads the six byte reply
func (c *Controller) exchange(tele []byte) (byte, State, error) {
	conn, err := c.pool.Get()
	if err != nil {
		return 0, 0, err
	}
	defer func() { c.pool.ReturnWithError(conn, err) }()
	wrap := conn
	if w, werr := comm.NewTimeout(conn, 5*time.Second); werr == nil {
		wrap = w
	}
	_, err = wrap.Write(tele)
	if err != nil {
		return 0, 0, err
	}
	buf := make([]byte, telegramLen)
	_, err = io.ReadFull(wrap, buf)
	if err != nil {
		return 0, 0, err
	}
	return DecodeTelegram(buf)
}

// Set commands the blade to the given state.  The motion is not complete
// when Set returns; use Settle to wait for it.
func (c *Controller) Set(s State) error {
	cmd, _, err := c.exchange(MakeTelegram(CmdSet, s))
	if err != nil {
		return err
	}
	if cmd != CmdAck {
		return fmt.Errorf("shutter: controller replied %#x to a set, expected ACK", cmd)
	}
	return nil
}

// State queries the reported blade position.  Only meaningful when the
// controller has readback.
func (c *Controller) State() (State, error) {
	cmd, state, err := c.exchange(MakeTelegram(CmdGet, 0))
	if err != nil {
		return 0, err
	}
	if cmd != CmdGet {
		return 0, fmt.Errorf("shutter: controller replied %#x to a get", cmd)
	}
	return state, nil
}

// Settle blocks until the blade has reached the commanded state.  With
// readback, the position is polled until it matches or the window elapses
// (ErrSettleTimeout).  Without readback, the calibrated settle duration is
// slept.  The context aborts either wait.
func (c *Controller) Settle(ctx context.Context, want State, window time.Duration) error {
	if !c.cfg.Readback {
		select {
		case <-time.After(c.cfg.SettleDuration):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	interval := c.cfg.PollInterval
	if interval == 0 {
		interval = 10 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for {
		// the limiter fails fast when the remaining window is shorter
		// than the poll interval, before ctx.Err() is set; anything but
		// an explicit cancellation is the window running out
		if err := limiter.Wait(ctx); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return ctx.Err()
			}
			return ErrSettleTimeout
		}
		got, err := c.State()
		if err != nil {
			return err
		}
		if got == want {
			return nil
		}
	}
}

// Close releases the connection to the controller.  Idempotent; never
// touches the device.
func (c *Controller) Close() error {
	return c.pool.Close()
}
