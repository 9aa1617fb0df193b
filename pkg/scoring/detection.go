package scoring

import (
	"fmt"
	"math"
	"time"
)

// Category is a CME severity class, ordered from mildest to most severe.
type Category int

const (
	SolarWindEnhancement Category = iota
	ICMESheath
	PartialHaloCME
	HaloCME
)

var categoryNames = map[Category]string{
	SolarWindEnhancement: "Solar Wind Enhancement",
	ICMESheath:           "ICME Sheath",
	PartialHaloCME:       "Partial Halo CME",
	HaloCME:              "Halo CME",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// MarshalText implements encoding.TextMarshaler.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Category) UnmarshalText(text []byte) error {
	for cat, name := range categoryNames {
		if name == string(text) {
			*c = cat
			return nil
		}
	}
	return fmt.Errorf("unknown category %q", text)
}

// Classify maps a score to a category using strict greater-than thresholds.
func Classify(score float64) Category {
	switch {
	case score > 0.8:
		return HaloCME
	case score > 0.7:
		return PartialHaloCME
	case score > 0.6:
		return ICMESheath
	default:
		return SolarWindEnhancement
	}
}

// Status is the review state of a detection.
type Status string

const (
	StatusConfirmed   Status = "confirmed"
	StatusUnderReview Status = "under review"
)

// ConfirmedConfidence is the confidence above which a detection is confirmed.
const ConfirmedConfidence = 80

// Detection is a record whose score exceeded the alert threshold.
type Detection struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"timestamp"`
	Category   Category  `json:"type"`
	Score      float64   `json:"score"`
	Confidence int       `json:"confidence"`
	Status     Status    `json:"status"`
	Reasons    []string  `json:"features"`
	// Contributors lists the feature names behind the detection.
	Contributors []string `json:"contributors"`
}

// NewDetection builds a detection from a score.
func NewDetection(id string, s AnomalyScore) Detection {
	confidence := int(math.Round(s.Value * 100))
	status := StatusUnderReview
	if confidence > ConfirmedConfidence {
		status = StatusConfirmed
	}
	return Detection{
		ID:           id,
		Time:         s.Time,
		Category:     s.Category,
		Score:        s.Value,
		Confidence:   confidence,
		Status:       status,
		Reasons:      s.Reasons,
		Contributors: s.Contributors,
	}
}

// Summary aggregates a set of detections.
type Summary struct {
	Total          int     `json:"total_detections"`
	TruePositives  int     `json:"true_positives"`
	FalsePositives int     `json:"false_positives"`
	Precision      float64 `json:"precision"`
}

// Summarize counts confirmed detections as true positives and the rest as
// false positives. Precision is a percentage.
func Summarize(detections []Detection) Summary {
	s := Summary{Total: len(detections)}
	for _, d := range detections {
		if d.Confidence > ConfirmedConfidence {
			s.TruePositives++
		}
	}
	s.FalsePositives = s.Total - s.TruePositives
	if s.Total > 0 {
		s.Precision = float64(s.TruePositives) / float64(s.Total) * 100
	}
	return s
}
