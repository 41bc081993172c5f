/*Package monochromator talks to an Optometrics SDMC1-04G monochromator.

The grating is positioned by an SMC24 stepper driver over RS232, and the
driver knows nothing about wavelengths; the conversion is 8 steps per
nanometer, with the sign flipped because of how the drive screw is
mounted.  Position zero is the zero order position, and the instrument is
only calibrated if it was powered on there.
*/
package monochromator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/ns-trcd/trcdaq/comm"
	"github.com/tarm/serial"
	"golang.org/x/time/rate"
)

// StepsPerNm is the stepper resolution, 0.125nm per step
const StepsPerNm = 8

// banner is sent by the SMC24 in response to the wakeup sequence
const banner = " SMC24 v2.12\r\n"

// ErrMoveTimeout is returned when the grating does not reach the target
// position within the move window
var ErrMoveTimeout = errors.New("monochromator: grating did not reach target position within the window")

var posRegex = regexp.MustCompile(`^Z\s+(-?\d+)`)

// Config describes how to reach and operate the stepper driver
type Config struct {
	// Addr is the serial device, or a host:port when Serial is false
	Addr string

	// Serial selects a serial connection; false uses TCP, e.g. through
	// a terminal server
	Serial bool

	// MoveWindow bounds a MoveWavelength; zero means 10s
	MoveWindow time.Duration

	// PollInterval is the position polling cadence; zero means 100ms
	PollInterval time.Duration
}

// Monochromator is a wavelength positioning device
type Monochromator struct {
	pool *comm.Pool
	cfg  Config
}

// New returns a Monochromator ready for Initialize
func New(cfg Config) *Monochromator {
	if cfg.MoveWindow == 0 {
		cfg.MoveWindow = 10 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	var maker comm.CreationFunc
	if cfg.Serial {
		maker = comm.SerialConnMaker(&serial.Config{
			Name:        cfg.Addr,
			Baud:        9600,
			ReadTimeout: time.Second,
		})
	} else {
		maker = comm.BackingOffTCPConnMaker(cfg.Addr, time.Second)
	}
	p := comm.NewPool(1, time.Hour, maker)
	return &Monochromator{pool: p, cfg: cfg}
}

// Initialize wakes the stepper driver and verifies its identity banner.
// Must be called once before any motion.
func (m *Monochromator) Initialize() error {
	conn, err := m.pool.Get()
	if err != nil {
		return err
	}
	defer func() { m.pool.ReturnWithError(conn, err) }()
	if _, err = conn.Write([]byte{0x03}); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	if _, err = conn.Write([]byte{' '}); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	buf := make([]byte, len(banner))
	if _, err = io.ReadFull(conn, buf); err != nil {
		return err
	}
	if string(buf) != banner {
		err = fmt.Errorf("monochromator: unexpected wakeup response %q", buf)
		return err
	}
	return nil
}

// Position returns the stepper position in steps.  May be positive,
// negative, or zero.
func (m *Monochromator) Position() (int, error) {
	conn, err := m.pool.Get()
	if err != nil {
		return 0, err
	}
	defer func() { m.pool.ReturnWithError(conn, err) }()
	pos, err := query(conn)
	return pos, err
}

// MoveWavelength drives the grating to a wavelength in nanometers and
// polls until the stepper reports the target position.  Zero is the zero
// order position.
func (m *Monochromator) MoveWavelength(ctx context.Context, wl float64) error {
	target := -int(math.Floor(wl * StepsPerNm))
	conn, err := m.pool.Get()
	if err != nil {
		return err
	}
	defer func() { m.pool.ReturnWithError(conn, err) }()

	if _, err = fmt.Fprintf(conn, "R %d\r\n", target); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.MoveWindow)
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(m.cfg.PollInterval), 1)
	for {
		// the limiter fails fast when the remaining window is shorter
		// than the poll interval, before ctx.Err() is set; anything but
		// an explicit cancellation is the window running out
		if waitErr := limiter.Wait(ctx); waitErr != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return ctx.Err()
			}
			return ErrMoveTimeout
		}
		var pos int
		pos, err = query(conn)
		if err != nil {
			return err
		}
		if pos == target {
			return nil
		}
	}
}

// Home sends the grating to the zero order position
func (m *Monochromator) Home(ctx context.Context) error {
	return m.MoveWavelength(ctx, 0)
}

// Close releases the connection to the stepper driver
func (m *Monochromator) Close() error {
	return m.pool.Close()
}

// query asks the driver for its position and parses the "Z <pos>" reply
func query(rw io.ReadWriter) (int, error) {
	if _, err := rw.Write([]byte("Z\r\n")); err != nil {
		return 0, err
	}
	line, err := readLine(rw)
	if err != nil {
		return 0, err
	}
	match := posRegex.FindStringSubmatch(line)
	if match == nil {
		return 0, fmt.Errorf("monochromator: could not parse position from response %q", line)
	}
	return strconv.Atoi(match[1])
}

// readLine accumulates bytes until a newline.  The driver terminates
// every reply with CRLF.
func readLine(r io.Reader) (string, error) {
	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if err != nil {
			return string(line), err
		}
		if n == 0 {
			continue
		}
		if buf[0] == '\n' {
			return string(line), nil
		}
		if buf[0] != '\r' {
			line = append(line, buf[0])
		}
	}
}
