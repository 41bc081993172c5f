/*Package sink persists measurement cycles to disk.

One FITS file is written per cycle, named cycle-%04d.fits so a directory
listing sorts in acquisition order.  The header carries everything a
downstream analysis needs to interpret the record without other context:
cycle index, shutter state, capture timestamp, sample spacing, and the
scale/offset/reference of every channel.  Files are written to a temporary
name and renamed into place, so a partially written capture can never be
mistaken for a complete one.
*/
package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/ns-trcd/trcdaq/oscilloscope"
	"github.com/ns-trcd/trcdaq/shutter"
)

// Record is one completed measurement cycle, immutable once populated
type Record struct {
	// Index is the 0-based cycle number
	Index int

	// Shutter is the blade state the capture was taken with
	Shutter shutter.State

	// Timestamp is when the waveform was retrieved
	Timestamp time.Time

	// Waveform is the fixed-length capture
	Waveform oscilloscope.Waveform
}

// Filename returns the artifact name for a cycle index
func Filename(index int) string {
	return fmt.Sprintf("cycle-%04d.fits", index)
}

// Recorder writes cycle records under a root directory.  It is not thread
// safe; the acquisition loop is the only writer.
type Recorder struct {
	// Root is the output directory
	Root string
}

// NewRecorder creates Root if needed and refuses to reuse a directory that
// already has files in it, so two sessions can never interleave artifacts
func NewRecorder(root string) (*Recorder, error) {
	if err := os.MkdirAll(root, 0777); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	if len(entries) != 0 {
		return nil, fmt.Errorf("sink: output directory %s is not empty", root)
	}
	return &Recorder{Root: root}, nil
}

// Write persists one record and returns the final path.  The write is
// atomic: data lands in a .tmp file which is renamed only after a
// successful encode and close.
func (r *Recorder) Write(rec Record) (string, error) {
	final := filepath.Join(r.Root, Filename(rec.Index))
	tmp := final + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	err = encodeFits(f, rec)
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return final, nil
}

func encodeFits(f *os.File, rec Record) error {
	names := rec.Waveform.ChannelNames()
	points := 0
	if len(names) > 0 {
		points = len(rec.Waveform.Channels[names[0]].Data)
	}
	cards := []fitsio.Card{
		{Name: "CYCLE", Value: rec.Index, Comment: "0-based cycle index"},
		{Name: "SHUTTER", Value: rec.Shutter.String(), Comment: "blade state during capture"},
		{Name: "DATE-OBS", Value: rec.Timestamp.UTC().Format(time.RFC3339Nano), Comment: "capture timestamp, UTC"},
		{Name: "XINCR", Value: rec.Waveform.DT, Comment: "sample spacing, seconds"},
		{Name: "NCHAN", Value: len(names), Comment: "number of channels"},
	}
	for i, name := range names {
		ch := rec.Waveform.Channels[name]
		cards = append(cards,
			fitsio.Card{Name: fmt.Sprintf("CHNAME%d", i+1), Value: name},
			fitsio.Card{Name: fmt.Sprintf("SCALE%d", i+1), Value: ch.Scale, Comment: "volts per DN"},
			fitsio.Card{Name: fmt.Sprintf("OFFSET%d", i+1), Value: ch.Offset, Comment: "vertical zero, volts"},
			fitsio.Card{Name: fmt.Sprintf("REF%d", i+1), Value: ch.Reference, Comment: "reference level, DN"},
		)
	}

	fits, err := fitsio.Create(f)
	if err != nil {
		return err
	}
	defer fits.Close()
	dims := []int{points, len(names)}
	im := fitsio.NewImage(16, dims)
	defer im.Close()
	if err := im.Header().Append(cards...); err != nil {
		return err
	}
	data := make([]int16, 0, points*len(names))
	for _, name := range names {
		data = append(data, rec.Waveform.Channels[name].Data...)
	}
	if err := im.Write(&data); err != nil {
		return err
	}
	return fits.Write(im)
}

// Read parses an artifact back into a Record.  It is the inverse of Write
// and exists so downstream tooling and the test suite share one parser.
func Read(path string) (Record, error) {
	var rec Record
	f, err := os.Open(path)
	if err != nil {
		return rec, err
	}
	defer f.Close()
	fits, err := fitsio.Open(f)
	if err != nil {
		return rec, err
	}
	defer fits.Close()
	hdu := fits.HDU(0)
	hdr := hdu.Header()

	card := hdr.Get("CYCLE")
	if card == nil {
		return rec, fmt.Errorf("sink: %s has no CYCLE card", path)
	}
	rec.Index = card.Value.(int)

	card = hdr.Get("SHUTTER")
	if card == nil {
		return rec, fmt.Errorf("sink: %s has no SHUTTER card", path)
	}
	rec.Shutter, err = shutter.ParseState(card.Value.(string))
	if err != nil {
		return rec, err
	}

	card = hdr.Get("DATE-OBS")
	if card == nil {
		return rec, fmt.Errorf("sink: %s has no DATE-OBS card", path)
	}
	rec.Timestamp, err = time.Parse(time.RFC3339Nano, card.Value.(string))
	if err != nil {
		return rec, err
	}

	rec.Waveform.Channels = map[string]oscilloscope.Channel{}
	if card = hdr.Get("XINCR"); card != nil {
		rec.Waveform.DT = card.Value.(float64)
	}
	nchan := 0
	if card = hdr.Get("NCHAN"); card != nil {
		nchan = card.Value.(int)
	}

	img, ok := hdu.(fitsio.Image)
	if !ok {
		return rec, fmt.Errorf("sink: %s primary HDU is not an image", path)
	}
	// the decoder fills a caller-supplied buffer; size it from the axes
	npix := 0
	if axes := hdr.Axes(); len(axes) > 0 {
		npix = 1
		for _, ax := range axes {
			npix *= ax
		}
	}
	data := make([]int16, npix)
	if npix > 0 {
		if err := img.Read(&data); err != nil {
			return rec, err
		}
	}
	if nchan == 0 {
		return rec, nil
	}
	points := len(data) / nchan
	for i := 0; i < nchan; i++ {
		var (
			name               string
			scale, offset, ref float64
		)
		if card = hdr.Get(fmt.Sprintf("CHNAME%d", i+1)); card != nil {
			name = card.Value.(string)
		}
		if card = hdr.Get(fmt.Sprintf("SCALE%d", i+1)); card != nil {
			scale = card.Value.(float64)
		}
		if card = hdr.Get(fmt.Sprintf("OFFSET%d", i+1)); card != nil {
			offset = card.Value.(float64)
		}
		if card = hdr.Get(fmt.Sprintf("REF%d", i+1)); card != nil {
			ref = card.Value.(float64)
		}
		rec.Waveform.Channels[name] = oscilloscope.Channel{
			Data:      data[i*points : (i+1)*points],
			Scale:     scale,
			Offset:    offset,
			Reference: ref,
		}
	}
	return rec, nil
}
