/*Package comm provides the communication substrate for lab hardware links.

Connections to instruments are held in a Pool and borrowed for the duration
of one exchange.  The raw connection is wrapped before use:

	conn, err := pool.Get()
	// check err
	defer func() { pool.ReturnWithError(conn, err) }()
	wrap, err := NewTimeout(conn, 5*time.Second)
	// check err
	wrap = NewTerminator(wrap, '\n', '\n')
	// write/read on wrap

NewTerminator appends the transmit terminator on writes and strips the
receive terminator from reads.  NewTimeout sets I/O deadlines when the
underlying connection supports them.
*/
package comm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// ErrTimeoutUnsupported is generated when NewTimeout is used on a connection
// with no deadline support (e.g., an in-memory pipe used in tests)
var ErrTimeoutUnsupported = errors.New("comm: connection does not support deadlines")

// CreationFunc is a function which returns a new "connection" to something.
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}

// BackingOffTCPConnMaker returns a CreationFunc which dials addr with an
// exponential backoff.  Devices behind terminal servers do not like being
// connection thrashed, so refused connections are retried for up to three
// seconds before the error is surfaced.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			var err error
			conn, err = TCPSetup(addr, timeout)
			if err != nil {
				errS := strings.ToLower(err.Error())
				if strings.Contains(errS, "refused") {
					return err
				}
				// timeouts and unreachable hosts are not worth
				// connection thrash; surface them immediately
				return backoff.Permanent(err)
			}
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, fmt.Errorf("connection to %s failed: %w", addr, err)
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc which opens the serial port
// described by conf
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}

// Terminator wraps a ReadWriter, appending the Tx terminator on writes and
// stripping the Rx terminator from reads
type Terminator struct {
	rw     io.ReadWriter
	rxTerm byte
	txTerm byte
}

// NewTerminator returns a Terminator wrapping rw
func NewTerminator(rw io.ReadWriter, rxTerm, txTerm byte) io.ReadWriter {
	return &Terminator{rw: rw, rxTerm: rxTerm, txTerm: txTerm}
}

// Write sends b with the Tx terminator appended
func (t *Terminator) Write(b []byte) (int, error) {
	b2 := make([]byte, len(b), len(b)+1)
	copy(b2, b)
	b2 = append(b2, t.txTerm)
	n, err := t.rw.Write(b2)
	if n > len(b) {
		n = len(b)
	}
	return n, err
}

// Read reads from the underlying connection and strips the Rx terminator
// if the data ends with it
func (t *Terminator) Read(b []byte) (int, error) {
	n, err := t.rw.Read(b)
	if err != nil {
		return n, err
	}
	if n > 0 && bytes.HasSuffix(b[:n], []byte{t.rxTerm}) {
		n--
	}
	return n, nil
}

// deadliner is any connection which supports deadlines (net.Conn does)
type deadliner interface {
	SetDeadline(time.Time) error
}

// Timeout wraps a ReadWriter, refreshing the I/O deadline ahead of each
// read or write
type Timeout struct {
	rw io.ReadWriter
	d  deadliner
	t  time.Duration
}

// NewTimeout wraps rw so that each Read or Write must complete within
// timeout.  If the connection does not support deadlines, the unwrapped rw
// and ErrTimeoutUnsupported are returned.
func NewTimeout(rw io.ReadWriter, timeout time.Duration) (io.ReadWriter, error) {
	d, ok := rw.(deadliner)
	if !ok {
		return rw, ErrTimeoutUnsupported
	}
	return &Timeout{rw: rw, d: d, t: timeout}, nil
}

func (t *Timeout) Read(b []byte) (int, error) {
	t.d.SetDeadline(time.Now().Add(t.t))
	return t.rw.Read(b)
}

func (t *Timeout) Write(b []byte) (int, error) {
	t.d.SetDeadline(time.Now().Add(t.t))
	return t.rw.Write(b)
}
