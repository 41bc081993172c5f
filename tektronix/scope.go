/*Package tektronix provides an interface to Tektronix oscilloscopes.

The command set is the TDS/DPO family dialect: acquisitions are armed with
ACQuire:STATE RUN in single-sequence mode, completion is detected by polling
TRIGger:STATE? for SAVE, and records are transferred with CURVe? as
definite-length binary blocks.
*/
package tektronix

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ns-trcd/trcdaq/comm"
	"github.com/ns-trcd/trcdaq/oscilloscope"
	"github.com/ns-trcd/trcdaq/scpi"

	"golang.org/x/time/rate"
)

const jumboFrameSize = 9000

// ErrTriggerTimeout is generated when the scope does not report a completed
// acquisition within the trigger wait window
var ErrTriggerTimeout = errors.New("tektronix: scope was not triggered before the timeout")

// ShortBufferError is generated when a curve transfer returns fewer samples
// than the preamble's record length
type ShortBufferError struct {
	Expected, Got int
}

func (e ShortBufferError) Error() string {
	return fmt.Sprintf("tektronix: curve transfer returned %d samples, expected %d", e.Got, e.Expected)
}

// Preamble holds the data needed to reconstruct signals from raw digitizer
// levels.  It is queried once at the start of a session; the scope settings
// must not change while it is in use.
type Preamble struct {
	// DT is the temporal sample spacing in seconds
	DT float64

	// Points is the record length in samples
	Points int

	// Scales maps channel number to volts per digitizer increment
	Scales map[string]float64

	// Offsets maps channel number to the vertical zero point in volts
	Offsets map[string]float64

	// References maps channel number to the reference level in DN
	References map[string]float64
}

// Scope is an interface to a Tektronix oscilloscope
type Scope struct {
	scpi.SCPI
}

// NewScope creates a new scope instance with a backing-off TCP connection
// behind it
func NewScope(addr string) *Scope {
	maker := comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	pool := comm.NewPool(1, time.Hour, maker)
	return &Scope{scpi.SCPI{Pool: pool}}
}

// Initialize puts the scope into the state the acquisition loop expects:
// hi-res mode, single-sequence acquisition, signed little endian two byte
// transfers over the full record
func (s *Scope) Initialize(channels []string) error {
	cmds := [][]string{
		{"ACQuire:MODe", "HIRes"},
		{"ACQuire:STOPAfter", "SEQuence"},
		{"DATa:ENCdg", "SRIbinary"},
		{"WFMOutpre:BYT_Nr", "2"},
		{"DATa:STARt", "1"},
	}
	for _, c := range cmds {
		if err := s.Write(c...); err != nil {
			return err
		}
	}
	for _, ch := range channels {
		if err := s.Write("SELect:CH"+ch, "ON"); err != nil {
			return err
		}
	}
	points, err := s.recordLength()
	if err != nil {
		return err
	}
	return s.Write("DATa:STOP", strconv.Itoa(points))
}

// Arm begins a new single-sequence acquisition, clearing the previous record
func (s *Scope) Arm() error {
	return s.Write("ACQuire:STATE", "RUN")
}

// TriggerState returns the scope's trigger state, lowercased
func (s *Scope) TriggerState() (string, error) {
	resp, err := s.ReadString("TRIGger:STATE?")
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(resp)), nil
}

// WaitTriggered blocks until the scope reports a completed acquisition
// (trigger state SAVE), polling at a bounded rate.  It returns
// ErrTriggerTimeout if the window elapses first, or the context's error if
// it is canceled.
func (s *Scope) WaitTriggered(ctx context.Context, window time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	// 100 Hz poll; fast enough to not add latency between cycles, slow
	// enough to not flood the scope's command interpreter
	limiter := rate.NewLimiter(rate.Every(10*time.Millisecond), 1)
	for {
		// the limiter fails fast when the remaining window is shorter
		// than the poll interval, before ctx.Err() is set; anything but
		// an explicit cancellation is the window running out
		if err := limiter.Wait(ctx); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return ctx.Err()
			}
			return ErrTriggerTimeout
		}
		state, err := s.ReadString("TRIGger:STATE?")
		if err != nil {
			return err
		}
		if strings.EqualFold(strings.TrimSpace(state), "SAVE") {
			return nil
		}
	}
}

// Preamble reads the signal reconstruction data for the given channels
func (s *Scope) Preamble(channels []string) (Preamble, error) {
	pre := Preamble{
		Scales:     map[string]float64{},
		Offsets:    map[string]float64{},
		References: map[string]float64{},
	}
	var err error
	pre.DT, err = s.ReadFloat("WFMOutpre:XINcr?")
	if err != nil {
		return pre, err
	}
	pre.Points, err = s.recordLength()
	if err != nil {
		return pre, err
	}
	for _, ch := range channels {
		if err = s.Write("DATa:SOUrce", "CH"+ch); err != nil {
			return pre, err
		}
		if pre.Scales[ch], err = s.ReadFloat("WFMOutpre:YMUlt?"); err != nil {
			return pre, err
		}
		if pre.Offsets[ch], err = s.ReadFloat("WFMOutpre:YZEro?"); err != nil {
			return pre, err
		}
		if pre.References[ch], err = s.ReadFloat("WFMOutpre:YOFf?"); err != nil {
			return pre, err
		}
	}
	return pre, nil
}

// Curve transfers the raw digitizer record for one channel.  The sample
// count is validated against expected; a short or long record produces a
// ShortBufferError.
func (s *Scope) Curve(channel string, expected int) ([]int16, error) {
	if err := s.Write("DATa:SOUrce", "CH"+channel); err != nil {
		return nil, err
	}
	buf, err := s.curveBlock()
	if err != nil {
		return nil, err
	}
	samples := make([]int16, len(buf)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int16(uint16(buf[2*i]) | uint16(buf[2*i+1])<<8)
	}
	if len(samples) != expected {
		return nil, ShortBufferError{Expected: expected, Got: len(samples)}
	}
	return samples, nil
}

// AcquireWaveform transfers all channels of a completed acquisition and
// assembles them into a Waveform.  labels maps channel number to the name
// the channel carries in the output (e.g. "1" -> "par").
func (s *Scope) AcquireWaveform(pre Preamble, labels map[string]string) (oscilloscope.Waveform, error) {
	wav := oscilloscope.Waveform{DT: pre.DT, Channels: map[string]oscilloscope.Channel{}}
	for ch, label := range labels {
		data, err := s.Curve(ch, pre.Points)
		if err != nil {
			return wav, err
		}
		wav.Channels[label] = oscilloscope.Channel{
			Data:      data,
			Scale:     pre.Scales[ch],
			Offset:    pre.Offsets[ch],
			Reference: pre.References[ch],
		}
	}
	return wav, nil
}

// Close releases the connection to the scope.  It is idempotent and safe to
// call after a failure; no further device I/O is attempted.
func (s *Scope) Close() error {
	return s.Pool.Close()
}

func (s *Scope) recordLength() (int, error) {
	return s.ReadInt("WFMOutpre:NR_Pt?")
}

// curveBlock issues CURVe? and parses the IEEE 488.2 definite-length block
// response: '#', one digit giving the length of the length field, the
// payload byte count, then the payload
func (s *Scope) curveBlock() ([]byte, error) {
	var ret []byte
	conn, err := s.Pool.Get()
	if err != nil {
		return ret, err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	var wrap = conn
	if w, werr := comm.NewTimeout(conn, 5*time.Second); werr == nil {
		wrap = w
	}
	_, err = wrap.Write([]byte("CURVe?\n"))
	if err != nil {
		return ret, err
	}
	buf := make([]byte, jumboFrameSize)
	n, err := wrap.Read(buf)
	if err != nil {
		return ret, err
	}
	if n < 2 {
		err = fmt.Errorf("tektronix: block response was only %d bytes, expected >2", n)
		return ret, err
	}
	if buf[0] != '#' {
		err = fmt.Errorf("tektronix: first byte in block response was %q, expected #", buf[0])
		return ret, err
	}
	nbytesText := int(buf[1]) - 48 // ASCII digit -> int
	if nbytesText < 1 || nbytesText > 9 {
		err = fmt.Errorf("tektronix: block length byte was %q, expected a digit 1-9", buf[1])
		return ret, err
	}
	upper := 2 + nbytesText
	if n < upper {
		err = fmt.Errorf("tektronix: block header truncated at %d bytes", n)
		return ret, err
	}
	dataBuf := buf[:n]
	nbytes, err := strconv.Atoi(string(dataBuf[2:upper]))
	if err != nil {
		return ret, err
	}
	dataBuf = dataBuf[upper:]
	for len(dataBuf) < nbytes+1 { // +1 for the response terminator
		chunk := make([]byte, jumboFrameSize)
		n, err = wrap.Read(chunk)
		if err != nil {
			return ret, err
		}
		dataBuf = append(dataBuf, chunk[:n]...)
	}
	// pop the terminator and anything after it
	return dataBuf[:nbytes], nil
}
