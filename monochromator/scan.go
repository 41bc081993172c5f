package monochromator

import "errors"

// Calibrated wavelength limits of the grating, in nanometers
const (
	MinWavelength = 780
	MaxWavelength = 850
)

// Range is an inclusive wavelength sweep
type Range struct {
	Start float64
	Stop  float64
	Step  float64
}

func (r Range) zero() bool {
	return r.Start == 0 && r.Stop == 0 && r.Step == 0
}

// MakeScanList turns either a range or an explicit wavelength list into
// the sequence of wavelengths to measure at.  Exactly one of the two must
// be given.  A range is validated against the calibrated limits; an
// explicit list is taken as is.
func MakeScanList(r Range, list []float64) ([]float64, error) {
	if !r.zero() && len(list) != 0 {
		return nil, errors.New("monochromator: cannot specify both a wavelength range and individual wavelengths")
	}
	if r.zero() && len(list) == 0 {
		return nil, errors.New("monochromator: no wavelengths specified")
	}
	if len(list) != 0 {
		return list, nil
	}
	if err := validateRange(r); err != nil {
		return nil, err
	}
	var wls []float64
	for w := r.Start; w <= r.Stop; w += r.Step {
		wls = append(wls, w)
	}
	return wls, nil
}

func validateRange(r Range) error {
	if r.Start < MinWavelength || r.Start > MaxWavelength ||
		r.Stop < MinWavelength || r.Stop > MaxWavelength {
		return errors.New("monochromator: wavelengths must be in the range [780, 850]nm")
	}
	if r.Start >= r.Stop {
		return errors.New("monochromator: final wavelength must be greater than initial wavelength")
	}
	if r.Step <= 0 {
		return errors.New("monochromator: wavelength step must be > 0")
	}
	return nil
}
