package signalproc

import (
	"fmt"
	"math"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
)

// ConverterKind selects the unit conversion applied to raw values.
type ConverterKind string

const (
	ConvertIdentity ConverterKind = "identity"
	ConvertLinear   ConverterKind = "linear"
	// ConvertResistanceToConductance turns ohms into microsiemens.
	ConvertResistanceToConductance ConverterKind = "resistance_to_conductance"
)

// ConverterConfig configures unit conversion.
type ConverterConfig struct {
	Kind   ConverterKind `json:"kind" yaml:"kind"`
	Scale  float64       `json:"scale,omitempty" yaml:"scale,omitempty"`
	Offset float64       `json:"offset,omitempty" yaml:"offset,omitempty"`
}

// Validate checks the converter.
func (c ConverterConfig) Validate() error {
	switch c.Kind {
	case "", ConvertIdentity, ConvertResistanceToConductance:
		return nil
	case ConvertLinear:
		if c.Scale == 0 {
			return invalid("linear converter needs a non-zero scale")
		}
		return nil
	default:
		return invalid(fmt.Sprintf("unknown converter %q", c.Kind))
	}
}

// Convert applies the conversion. Non-finite input and non-positive
// resistance are invalid data.
func (c ConverterConfig) Convert(raw float64) (float64, error) {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return 0, badSample(fmt.Sprintf("non-finite value %v", raw))
	}
	switch c.Kind {
	case ConvertLinear:
		return c.Scale*raw + c.Offset, nil
	case ConvertResistanceToConductance:
		if raw <= 0 {
			return 0, badSample(fmt.Sprintf("resistance must be positive, got %v", raw))
		}
		return 1e6 / raw, nil
	default:
		return raw, nil
	}
}

func badSample(msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidData, msg), "Pipeline", "Process", "convert sample")
}
