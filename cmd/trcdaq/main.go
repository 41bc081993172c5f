// trcdaq runs nanosecond TRCD acquisition sessions from the command line.
// It drives the oscilloscope, pump shutter, and monochromator, and writes
// one FITS artifact per completed measurement cycle.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ns-trcd/trcdaq/acquire"
	"github.com/ns-trcd/trcdaq/monochromator"
	"github.com/ns-trcd/trcdaq/oscilloscope"
	"github.com/ns-trcd/trcdaq/server"
	"github.com/ns-trcd/trcdaq/shutter"
	"github.com/ns-trcd/trcdaq/sink"
	"github.com/ns-trcd/trcdaq/tektronix"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/theckman/yacspin"
	"goji.io"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "trcdaq.yml"
	k              = koanf.New(".")
)

type scopeConf struct {
	// Addr is the scope's host:port.  When empty, the SCOPE environment
	// variable is used.
	Addr string `yaml:"Addr"`

	// Channels maps scope channel numbers to signal names, e.g. "1": "par"
	Channels map[string]string `yaml:"Channels"`
}

type shutterConf struct {
	Addr     string `yaml:"Addr"`
	Serial   bool   `yaml:"Serial"`
	Readback bool   `yaml:"Readback"`

	// SettleMs is the calibrated blade travel time, used when the
	// controller has no position readback
	SettleMs int `yaml:"SettleMs"`
}

type monoConf struct {
	Addr   string `yaml:"Addr"`
	Serial bool   `yaml:"Serial"`
}

type scanConf struct {
	// Start/Stop/Step describe a wavelength sweep in nm; Wavelengths
	// lists individual wavelengths instead.  Give one or the other,
	// not both.  Leave everything zero for a single point measurement
	// at the current grating position.
	Start       float64   `yaml:"Start"`
	Stop        float64   `yaml:"Stop"`
	Step        float64   `yaml:"Step"`
	Wavelengths []float64 `yaml:"Wavelengths"`
}

func (s scanConf) enabled() bool {
	return s.Start != 0 || s.Stop != 0 || s.Step != 0 || len(s.Wavelengths) != 0
}

type acqConf struct {
	Cycles           int     `yaml:"Cycles"`
	Pattern          string  `yaml:"Pattern"`
	SettleWindowSec  float64 `yaml:"SettleWindowSec"`
	TriggerWindowSec float64 `yaml:"TriggerWindowSec"`
	RetryBudget      int     `yaml:"RetryBudget"`
	RetryIntervalMs  int     `yaml:"RetryIntervalMs"`
}

type config struct {
	// Addr is the status server's listen address; empty disables it
	Addr string `yaml:"Addr"`

	// Root is the stem the status routes are mounted under
	Root string `yaml:"Root"`

	// Outdir is where artifacts are written
	Outdir string `yaml:"Outdir"`

	// NotifyURL, when set, receives a json POST with a short status
	// message when a run finishes.  Sessions are long; nobody wants to
	// babysit the terminal.
	NotifyURL string `yaml:"NotifyURL"`

	Scope       scopeConf   `yaml:"Scope"`
	Shutter     shutterConf `yaml:"Shutter"`
	Mono        monoConf    `yaml:"Monochromator"`
	Scan        scanConf    `yaml:"Scan"`
	Acquisition acqConf     `yaml:"Acquisition"`
}

func setupconfig() {
	k.Load(structs.Provider(config{
		Addr:   "",
		Root:   "/daq",
		Outdir: "data",
		Scope: scopeConf{
			Channels: map[string]string{
				"1": "par",
				"2": "perp",
				"3": "ref",
			},
		},
		Shutter: shutterConf{Addr: "/dev/ttyUSB0", Serial: true, SettleMs: 50},
		Mono:    monoConf{Addr: "/dev/ttyUSB1", Serial: true},
		Acquisition: acqConf{
			Cycles:           100,
			Pattern:          "alternate",
			SettleWindowSec:  5,
			TriggerWindowSec: 5,
			RetryBudget:      3,
			RetryIntervalMs:  100,
		}}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `trcdaq collects nanosecond time-resolved circular dichroism data.
It synchronizes the oscilloscope, pump shutter, and monochromator, and
writes one FITS file per completed measurement cycle.

Usage:
	trcdaq <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `trcdaq is amenable to configuration via its .yaml file.  For a primer on
YAML, see https://yaml.org/start.html

When no configuration is provided, the defaults are used.  The command
mkconf generates the configuration file with the default values.

The oscilloscope address comes from Scope.Addr in the config, or from the
SCOPE environment variable when that field is empty.

A Scan section with Start/Stop/Step sweeps the monochromator and takes
Acquisition.Cycles measurement cycles at each wavelength, writing to
Outdir/<wavelength code>/.  Individual wavelengths can be listed with
Wavelengths instead of a range.  Without a Scan section the grating is
left alone and artifacts land in Outdir directly.

When NotifyURL is set, a short JSON message is POSTed there when the
run finishes, so long sessions do not need babysitting.

Exit codes classify a failed session:
	0  success
	2  connection failure
	3  trigger timeout
	4  protocol error
	5  storage failure
	6  shutter settle failure
	1  anything else`
	fmt.Println(str)
}

func mkconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	err = yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("trcdaq version %v\n", Version)
}

// scopeLink adapts a tektronix scope and its frozen preamble to the
// acquisition loop
type scopeLink struct {
	scope  *tektronix.Scope
	pre    tektronix.Preamble
	labels map[string]string
}

func (l scopeLink) Arm() error {
	return l.scope.Arm()
}

func (l scopeLink) WaitTriggered(ctx context.Context, window time.Duration) error {
	return l.scope.WaitTriggered(ctx, window)
}

func (l scopeLink) Waveform() (oscilloscope.Waveform, error) {
	return l.scope.AcquireWaveform(l.pre, l.labels)
}

func parsePattern(s string) (acquire.Pattern, error) {
	switch strings.ToLower(s) {
	case "alternate", "":
		return acquire.Alternate, nil
	case "open", "all-open":
		return acquire.AllOpen, nil
	case "closed", "all-closed":
		return acquire.AllClosed, nil
	}
	return acquire.Alternate, fmt.Errorf("unknown shutter pattern %q", s)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var serr *acquire.SessionError
	if !errors.As(err, &serr) {
		return 1
	}
	switch serr.Class {
	case acquire.ClassConnection:
		return 2
	case acquire.ClassTimeout:
		return 3
	case acquire.ClassProtocol:
		return 4
	case acquire.ClassStorage:
		return 5
	case acquire.ClassSettle:
		return 6
	}
	return 1
}

// notify POSTs a short json status message to url.  A failed delivery
// is logged and otherwise ignored; it never changes the exit code.
func notify(url, message string) {
	if url == "" {
		return
	}
	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		log.Println("encoding notification:", err)
		return
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Println("sending notification:", err)
		return
	}
	resp.Body.Close()
}

// wlCode is the directory name for a wavelength, hundredths of a nm
func wlCode(wl float64) string {
	return fmt.Sprintf("%d", int(math.Floor(wl*100)))
}

func serveStatus(addr, stem string, ctl *acquire.Controller) {
	mux := goji.NewMux()
	server.NewAcquisitionStatus(ctl).RT().Bind(mux)
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Mount(server.SubMuxSanitize(stem), mux)
	r.Handle("/metrics", promhttp.Handler())
	log.Println("status server listening at", addr)
	go func() {
		if err := http.ListenAndServe(addr, r); err != nil {
			log.Println("status server stopped:", err)
		}
	}()
}

func newSpinner() *yacspin.Spinner {
	cfg := yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " acquiring",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	}
	spinner, err := yacspin.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	return spinner
}

// runSession drives one acquisition session with spinner feedback
func runSession(ctx context.Context, ctl *acquire.Controller, label string) error {
	spinner := newSpinner()
	spinner.Start()
	done := make(chan struct{})
	go func() {
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				st := ctl.Status()
				spinner.Message(fmt.Sprintf("%s%s cycle %d/%d", label, st.State, st.Cycle+1, st.Target))
			}
		}
	}()
	sess, err := ctl.Run(ctx)
	close(done)
	if err != nil {
		spinner.StopFailMessage(fmt.Sprintf("%s%d/%d cycles: %v", label, len(sess.Completed), sess.Target, err))
		spinner.StopFail()
		return err
	}
	spinner.StopMessage(fmt.Sprintf("%s%d cycles complete", label, len(sess.Completed)))
	spinner.Stop()
	return nil
}

// run drives a full session and returns the process exit code, so the
// deferred device teardowns happen before the process exits
func run() int {
	cfg := config{}
	if err := k.Unmarshal("", &cfg); err != nil {
		log.Println(err)
		return 1
	}

	scopeAddr := cfg.Scope.Addr
	if scopeAddr == "" {
		scopeAddr = os.Getenv("SCOPE")
	}
	if scopeAddr == "" {
		log.Println("oscilloscope address not found; set Scope.Addr or the SCOPE environment variable")
		return 1
	}
	pattern, err := parsePattern(cfg.Acquisition.Pattern)
	if err != nil {
		log.Println(err)
		return 1
	}

	var channels []string
	for ch := range cfg.Scope.Channels {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	scope := tektronix.NewScope(scopeAddr)
	defer scope.Close()
	if err := scope.Initialize(channels); err != nil {
		log.Println("initializing scope:", err)
		return 2
	}
	pre, err := scope.Preamble(channels)
	if err != nil {
		log.Println("reading scope preamble:", err)
		return 2
	}
	log.Printf("scope ready, %d points per record, dt %g s", pre.Points, pre.DT)

	blade := shutter.New(shutter.Config{
		Addr:           cfg.Shutter.Addr,
		Serial:         cfg.Shutter.Serial,
		Readback:       cfg.Shutter.Readback,
		SettleDuration: time.Duration(cfg.Shutter.SettleMs) * time.Millisecond,
	})
	defer blade.Close()

	acqCfg := acquire.Config{
		Cycles:        cfg.Acquisition.Cycles,
		Pattern:       pattern,
		SettleWindow:  time.Duration(cfg.Acquisition.SettleWindowSec * float64(time.Second)),
		TriggerWindow: time.Duration(cfg.Acquisition.TriggerWindowSec * float64(time.Second)),
		RetryBudget:   cfg.Acquisition.RetryBudget,
		RetryInterval: time.Duration(cfg.Acquisition.RetryIntervalMs) * time.Millisecond,
	}
	link := scopeLink{scope: scope, pre: pre, labels: cfg.Scope.Channels}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var code int
	if cfg.Scan.enabled() {
		code = runScan(ctx, cfg, link, blade, acqCfg)
	} else {
		rec, err := sink.NewRecorder(cfg.Outdir)
		if err != nil {
			log.Println(err)
			return 5
		}
		ctl := acquire.New(link, blade, rec, acqCfg)
		if cfg.Addr != "" {
			serveStatus(cfg.Addr, cfg.Root, ctl)
		}
		code = exitCode(runSession(ctx, ctl, ""))
	}
	if code == 0 {
		notify(cfg.NotifyURL, "acquisition complete")
	} else {
		notify(cfg.NotifyURL, fmt.Sprintf("acquisition failed with exit code %d", code))
	}
	return code
}

// runScan sweeps the monochromator and runs a full session at each
// wavelength, each into its own subdirectory of Outdir
func runScan(ctx context.Context, cfg config, link scopeLink, blade *shutter.Controller, acqCfg acquire.Config) int {
	wls, err := monochromator.MakeScanList(monochromator.Range{
		Start: cfg.Scan.Start,
		Stop:  cfg.Scan.Stop,
		Step:  cfg.Scan.Step,
	}, cfg.Scan.Wavelengths)
	if err != nil {
		log.Println(err)
		return 1
	}
	mono := monochromator.New(monochromator.Config{
		Addr:   cfg.Mono.Addr,
		Serial: cfg.Mono.Serial,
	})
	defer mono.Close()
	if err := mono.Initialize(); err != nil {
		log.Println("initializing monochromator:", err)
		return 2
	}
	log.Println("homing monochromator")
	if err := mono.Home(ctx); err != nil {
		log.Println("homing monochromator:", err)
		return 2
	}

	for _, wl := range wls {
		if ctx.Err() != nil {
			return 1
		}
		if err := mono.MoveWavelength(ctx, wl); err != nil {
			log.Println("moving to", wl, "nm:", err)
			return 2
		}
		rec, err := sink.NewRecorder(filepath.Join(cfg.Outdir, wlCode(wl)))
		if err != nil {
			log.Println(err)
			return 5
		}
		ctl := acquire.New(link, blade, rec, acqCfg)
		if err := runSession(ctx, ctl, fmt.Sprintf("%gnm ", wl)); err != nil {
			return exitCode(err)
		}
	}
	log.Println("homing monochromator")
	if err := mono.Home(context.Background()); err != nil {
		log.Println("homing monochromator:", err)
	}
	return 0
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		os.Exit(run())
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
