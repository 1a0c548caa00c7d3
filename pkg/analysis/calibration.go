package analysis

import (
	perr "lungctanalyzer/internal/errors"
	"lungctanalyzer/internal/models"
)

// Reference HU values of the calibration tissues
const (
	AirHU = -1000.0
	FatHU = -100.0
)

// Calibration rescales a volume whose intensities are off the HU scale.
// The operator measures the mean intensity of air (outside the body) and of
// subcutaneous fat; the volume is then mapped linearly so that those map to
// -1000 and -100 HU.
type Calibration struct {
	// Enabled turns the rescale on
	Enabled bool `yaml:"enabled"`

	// MeasuredAir is the intensity measured in air
	MeasuredAir float64 `yaml:"measuredAir"`

	// MeasuredFat is the intensity measured in fat, must exceed MeasuredAir
	MeasuredFat float64 `yaml:"measuredFat"`
}

// Validate checks the measured values of an enabled calibration
func (c Calibration) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !(c.MeasuredFat > c.MeasuredAir) {
		return perr.WithField(
			perr.Validationf("measured fat (%g) must exceed measured air (%g)", c.MeasuredFat, c.MeasuredAir),
			"huCalibration.measuredFat")
	}
	return nil
}

// Apply returns a rescaled copy of vol. The input volume is not modified.
func (c Calibration) Apply(vol *models.Volume) (*models.Volume, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	scale := (FatHU - AirHU) / (c.MeasuredFat - c.MeasuredAir)
	offset := AirHU - c.MeasuredAir*scale

	out := models.NewVolume(vol.Geometry)
	for i, v := range vol.Data {
		out.Data[i] = v*scale + offset
	}
	return out, nil
}
