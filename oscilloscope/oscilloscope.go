// Package oscilloscope provides type definitions for waveform captures
package oscilloscope

import (
	"bufio"
	"encoding/csv"
	"io"
	"sort"
	"strconv"
)

// Waveform describes a waveform recording from a scope
type Waveform struct {
	// DT is the temporal sample spacing in seconds
	DT float64 `json:"dt"`

	// Channels holds named data streams
	Channels map[string]Channel
}

// ChannelNames returns the channel labels in deterministic (sorted) order
func (wav Waveform) ChannelNames() []string {
	names := make([]string, 0, len(wav.Channels))
	for k := range wav.Channels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Channel represents a stream of data from an ADC.  To convert to physical
// units, compute (data-reference)*scale + offset
type Channel struct {
	// Data is the raw digitizer record
	Data []int16

	// Scale is the size of a single digitizer increment in volts
	Scale float64

	// Offset is the vertical zero point in volts
	Offset float64

	// Reference is the reference value for the given channel in DN
	Reference float64
}

// Physical computes the data scaled to volts
func (c Channel) Physical() []float64 {
	ret := make([]float64, len(c.Data))
	for i := 0; i < len(c.Data); i++ {
		ret[i] = ((float64(c.Data[i]) - c.Reference) * c.Scale) + c.Offset
	}
	return ret
}

// EncodeCSV converts the waveform data to physical units
// and writes it to a CSV in streaming fashion
func (wav Waveform) EncodeCSV(w io.Writer) error {
	labels := wav.ChannelNames()
	data := make([][]float64, len(labels))
	for j := 0; j < len(labels); j++ {
		data[j] = wav.Channels[labels[j]].Physical()
	}
	row := append([]string{"time"}, labels...)
	w2 := bufio.NewWriter(w)
	w3 := csv.NewWriter(w2)
	err := w3.Write(row)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		w3.Flush()
		return w2.Flush()
	}
	for i := 0; i < len(data[0]); i++ {
		row[0] = strconv.FormatFloat(float64(i)*wav.DT, 'G', -1, 64)
		for j := 0; j < len(data); j++ {
			row[j+1] = strconv.FormatFloat(data[j][i], 'G', -1, 64)
		}
		err := w3.Write(row)
		if err != nil {
			return err
		}
	}
	w3.Flush()
	return w2.Flush()
}
