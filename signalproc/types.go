package signalproc

import "fmt"

// Severity grades one artifact detection.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"none", "low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return "unknown"
	}
	return severityNames[s]
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	for i, n := range severityNames {
		if n == string(b) {
			*s = Severity(i)
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", b)
}

// Weight maps the severity onto [0,1] for scoring.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityLow:
		return 0.25
	case SeverityMedium:
		return 0.5
	case SeverityHigh:
		return 0.75
	case SeverityCritical:
		return 1.0
	default:
		return 0
	}
}

// severityFromRatio grades how far a measure exceeds its limit.
func severityFromRatio(ratio float64) Severity {
	switch {
	case ratio <= 1:
		return SeverityNone
	case ratio < 1.5:
		return SeverityLow
	case ratio < 2:
		return SeverityMedium
	case ratio < 4:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Detector names an artifact detector.
type Detector string

const (
	DetectorRateOfChange  Detector = "rate_of_change"
	DetectorHFEnergy      Detector = "hf_energy"
	DetectorMotion        Detector = "motion"
	DetectorBaselineDrift Detector = "baseline_drift"
)

var detectors = []Detector{DetectorRateOfChange, DetectorHFEnergy, DetectorMotion, DetectorBaselineDrift}

// ArtifactRecord is a run of consecutive samples flagged by one detector.
// Start and End are corrected times in Unix ns.
type ArtifactRecord struct {
	DeviceID string   `json:"device_id"`
	Channel  string   `json:"channel"`
	Start    int64    `json:"start_ns"`
	End      int64    `json:"end_ns"`
	Severity Severity `json:"severity"`
	Detector Detector `json:"detector"`
	Samples  int      `json:"samples"`
}

// Grade is the quality grade of a channel score.
type Grade int

const (
	GradeExcellent Grade = iota
	GradeGood
	GradeFair
	GradePoor
	GradeUnusable
)

var gradeNames = [...]string{"excellent", "good", "fair", "poor", "unusable"}

func (g Grade) String() string {
	if g < 0 || int(g) >= len(gradeNames) {
		return "unknown"
	}
	return gradeNames[g]
}

// MarshalText encodes the grade by name.
func (g Grade) MarshalText() ([]byte, error) { return []byte(g.String()), nil }

// UnmarshalText decodes a grade name.
func (g *Grade) UnmarshalText(b []byte) error {
	for i, n := range gradeNames {
		if n == string(b) {
			*g = Grade(i)
			return nil
		}
	}
	return fmt.Errorf("unknown grade %q", b)
}

// GradeOf maps an artifact score in [0,1] to a grade.
func GradeOf(score float64) Grade {
	switch {
	case score < 0.1:
		return GradeExcellent
	case score < 0.25:
		return GradeGood
	case score < 0.5:
		return GradeFair
	case score < 0.75:
		return GradePoor
	default:
		return GradeUnusable
	}
}

// Features are window statistics of the conditioned signal.
type Features struct {
	Mean      float64 `json:"mean"`
	Std       float64 `json:"std"`
	Slope     float64 `json:"slope_per_s"`
	BandPower float64 `json:"band_power"`
	Samples   int     `json:"samples"`
	// At is the corrected time (Unix ns) of the newest sample in the window.
	At int64 `json:"at_ns"`
}

// Result is the outcome of processing one sample.
type Result struct {
	Time        int64    `json:"t_ns"`
	Raw         float64  `json:"raw"`
	Value       float64  `json:"value"`
	SampleScore float64  `json:"sample_score"`
	Score       float64  `json:"score"`
	Grade       Grade    `json:"grade"`
	Artifact    bool     `json:"artifact"`
	Severity    Severity `json:"severity"`
	// Closed lists artifact records that ended with this sample.
	Closed []ArtifactRecord `json:"closed,omitempty"`
}

// Summary is a snapshot of one channel.
type Summary struct {
	DeviceID    string    `json:"device_id"`
	Channel     string    `json:"channel"`
	Kind        string    `json:"kind"`
	Unit        string    `json:"unit,omitempty"`
	Score       float64   `json:"score"`
	Grade       Grade     `json:"grade"`
	Baseline    float64   `json:"baseline"`
	HasBaseline bool      `json:"has_baseline"`
	Features    *Features `json:"features,omitempty"`
	LastValue   float64   `json:"last_value"`
	LastTime    int64     `json:"last_t_ns"`
	Samples     uint64    `json:"samples"`
	Artifacts   uint64    `json:"artifact_samples"`
}
