package server

import (
	"net/http"

	"github.com/ns-trcd/trcdaq/acquire"
	"goji.io/pat"
)

// Monitor is the read side of an acquisition controller
type Monitor interface {
	Status() acquire.Status
	Cycles() []acquire.CycleSummary
}

// AcquisitionStatus exposes a running acquisition over HTTP.  All routes
// are read only; the loop itself is driven from the CLI, not the network.
type AcquisitionStatus struct {
	mon Monitor

	rt RouteTable
}

// NewAcquisitionStatus returns an AcquisitionStatus with a populated
// route table
func NewAcquisitionStatus(mon Monitor) *AcquisitionStatus {
	a := &AcquisitionStatus{mon: mon}
	a.rt = RouteTable{
		pat.Get("/status"): a.GetStatus,
		pat.Get("/cycles"): a.GetCycles,
	}
	return a
}

// RT satisfies HTTPer
func (a *AcquisitionStatus) RT() RouteTable {
	return a.rt
}

// GetStatus replies with the loop state, cycle counter, and target as json
func (a *AcquisitionStatus) GetStatus(w http.ResponseWriter, r *http.Request) {
	EncodeJSON(w, a.mon.Status())
}

// GetCycles replies with the summaries of every completed cycle as json
func (a *AcquisitionStatus) GetCycles(w http.ResponseWriter, r *http.Request) {
	cycles := a.mon.Cycles()
	if cycles == nil {
		cycles = []acquire.CycleSummary{}
	}
	EncodeJSON(w, cycles)
}
