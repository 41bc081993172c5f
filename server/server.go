// Package server contains the HTTP plumbing shared by the daq binaries,
// route tables bound to goji muxes and small json payload types.
package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"goji.io"
	"goji.io/pat"
)

// StrT is a strongly typed string for json {"str": value}
type StrT struct {
	Str string `json:"str"`
}

// IntT is a strongly typed int for json {"int": value}
type IntT struct {
	Int int `json:"int"`
}

// FloatT is a strongly typed float for json {"f64": value}
type FloatT struct {
	F64 float64 `json:"f64"`
}

// BoolT is a strongly typed bool for json {"bool": value}
type BoolT struct {
	Bool bool `json:"bool"`
}

// EncodeJSON writes v to w as json with the appropriate content type.
// Encoding errors are logged and turned into 500s.
func EncodeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Println("error encoding response to json", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// RouteTable maps goji patterns to handlers
type RouteTable map[goji.Pattern]http.HandlerFunc

// Endpoints lists the patterns in the table
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, patString(k))
	}
	return routes
}

// Bind attaches each route in the table to the mux, plus an
// endpoints route that returns the list of patterns as json
func (rt RouteTable) Bind(m *goji.Mux) {
	for p, h := range rt {
		m.HandleFunc(p, h)
	}
	m.HandleFunc(pat.Get("/endpoints"), func(w http.ResponseWriter, r *http.Request) {
		EncodeJSON(w, rt.Endpoints())
	})
}

// HTTPer is an object which can expose itself over HTTP through its
// route table
type HTTPer interface {
	RT() RouteTable
}

// SubMuxSanitize ensures a mount point looks like "/stem/*", which is
// what chi's Mount and goji's submux handling expect
func SubMuxSanitize(stem string) string {
	if !strings.HasPrefix(stem, "/") {
		stem = "/" + stem
	}
	stem = strings.TrimSuffix(stem, "/")
	return stem + "/*"
}

func patString(p goji.Pattern) string {
	if s, ok := p.(interface{ String() string }); ok {
		return s.String()
	}
	return "unknown"
}
