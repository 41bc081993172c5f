package scpi_test

import (
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ns-trcd/trcdaq/comm"
	"github.com/ns-trcd/trcdaq/scpi"
)

// fakeInstrument answers newline terminated queries with canned responses.
func fakeInstrument(t *testing.T, responses map[string]string) *comm.Pool {
	t.Helper()
	maker := func() (io.ReadWriteCloser, error) {
		client, server := net.Pipe()
		go func() {
			buf := make([]byte, 1500)
			for {
				n, err := server.Read(buf)
				if err != nil {
					return
				}
				cmd := strings.TrimSuffix(string(buf[:n]), "\n")
				if resp, ok := responses[cmd]; ok {
					server.Write([]byte(resp + "\n"))
				} else if strings.Contains(cmd, "?") {
					server.Write([]byte("\n"))
				}
			}
		}()
		return client, nil
	}
	return comm.NewPool(1, time.Minute, maker)
}

func TestReadFloat(t *testing.T) {
	pool := fakeInstrument(t, map[string]string{
		"WFMOutpre:XINcr?": "4.0E-9",
	})
	defer pool.Close()
	s := scpi.SCPI{Pool: pool}
	f, err := s.ReadFloat("WFMOutpre:XINcr?")
	if err != nil {
		t.Fatal(err)
	}
	if f != 4.0e-9 {
		t.Errorf("expected 4e-9, got %g", f)
	}
}

func TestReadInt(t *testing.T) {
	pool := fakeInstrument(t, map[string]string{
		"WFMOutpre:NR_Pt?": "10000",
	})
	defer pool.Close()
	s := scpi.SCPI{Pool: pool}
	i, err := s.ReadInt("WFMOutpre:NR_Pt?")
	if err != nil {
		t.Fatal(err)
	}
	if i != 10000 {
		t.Errorf("expected 10000, got %d", i)
	}
}

func TestHandshakingRejectsDeviceError(t *testing.T) {
	pool := fakeInstrument(t, map[string]string{
		`*CLS; ACQuire:MODE HIRes ;:SYSTem:ERRor?`: `-113,"Undefined header"`,
	})
	defer pool.Close()
	s := scpi.SCPI{Pool: pool, Handshaking: true}
	err := s.Write("ACQuire:MODE HIRes")
	if err == nil {
		t.Fatal("expected device error to surface")
	}
	if !strings.Contains(err.Error(), "-113") {
		t.Errorf("expected device error text, got %v", err)
	}
}

func TestHandshakingPassesOK(t *testing.T) {
	pool := fakeInstrument(t, map[string]string{
		`*CLS; ACQuire:MODE HIRes ;:SYSTem:ERRor?`: `+0,"No error"`,
	})
	defer pool.Close()
	s := scpi.SCPI{Pool: pool, Handshaking: true}
	if err := s.Write("ACQuire:MODE HIRes"); err != nil {
		t.Fatal(err)
	}
}
