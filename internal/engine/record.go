package engine

import (
	"encoding/json"
	"fmt"
	"math"
)

// Enumerated values accepted for the strict schema's categorical fields.
var (
	DocTypes = []string{
		"Policy",
		"Law",
		"National Health Strategy",
		"National Control Plan",
		"Action Plan",
		"Health Guideline",
	}
	HealthTopics = []string{
		"Cancer",
		"Non-Communicable Disease",
		"Cardiovascular Health",
	}
	Creators = []string{
		"Parliament",
		"Ministry",
		"Agency",
		"Foundation",
		"Association",
		"Society",
	}
	GovernanceLevels = []string{
		"National",
		"Regional",
		"Global",
	}
)

// Field is one confidence-scored metadata field.
type Field[T any] struct {
	Value        *T       `json:"value"`
	Confidence   float64  `json:"confidence"`
	Evidence     string   `json:"evidence,omitempty"`
	SourcePage   *int     `json:"source_page,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// Record is the structured analysis result for one document.
type Record struct {
	DocType     Field[string] `json:"doc_type"`
	HealthTopic Field[string] `json:"health_topic"`
	Creator     Field[string] `json:"creator"`
	Level       Field[string] `json:"level"`
	Title       Field[string] `json:"title"`
	Country     Field[string] `json:"country"`
	Language    Field[string] `json:"language"`
	Year        Field[int]    `json:"year"`

	OverallConfidence float64 `json:"overall_confidence"`
	Completeness      float64 `json:"metadata_completeness"`
}

// confidenceWeights ranks fields by how much they matter to the overall score.
var confidenceWeights = []struct {
	name   string
	weight float64
}{
	{"title", 0.25},
	{"creator", 0.20},
	{"year", 0.15},
	{"doc_type", 0.15},
	{"country", 0.10},
	{"health_topic", 0.10},
	{"language", 0.05},
}

func (r *Record) weightedField(name string) (set bool, confidence float64) {
	switch name {
	case "title":
		return r.Title.Value != nil, r.Title.Confidence
	case "creator":
		return r.Creator.Value != nil, r.Creator.Confidence
	case "year":
		return r.Year.Value != nil, r.Year.Confidence
	case "doc_type":
		return r.DocType.Value != nil, r.DocType.Confidence
	case "country":
		return r.Country.Value != nil, r.Country.Confidence
	case "health_topic":
		return r.HealthTopic.Value != nil, r.HealthTopic.Confidence
	case "language":
		return r.Language.Value != nil, r.Language.Confidence
	default:
		return false, 0
	}
}

// Score fills OverallConfidence and Completeness from the per-field values.
// The overall confidence is the weighted average of populated fields, damped
// by how many of the weighted fields were found at all.
func (r *Record) Score() {
	var weightedSum, totalWeight float64
	found := 0
	for _, fw := range confidenceWeights {
		set, conf := r.weightedField(fw.name)
		if set {
			weightedSum += conf * fw.weight
			totalWeight += fw.weight
			found++
		}
	}
	completeness := float64(found) / float64(len(confidenceWeights))

	if totalWeight > 0 {
		r.OverallConfidence = round3((weightedSum / totalWeight) * (0.7 + 0.3*completeness))
	} else {
		r.OverallConfidence = 0
	}

	allFields := found
	if r.Level.Value != nil {
		allFields++
	}
	r.Completeness = round3(float64(allFields) / float64(len(confidenceWeights)+1))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// Validate enforces enum membership and confidence bounds on a strict-schema
// record. Out-of-vocabulary categorical values are rejected rather than kept.
func (r *Record) Validate() error {
	if err := checkEnum("doc_type", r.DocType.Value, DocTypes); err != nil {
		return err
	}
	if err := checkEnum("health_topic", r.HealthTopic.Value, HealthTopics); err != nil {
		return err
	}
	if err := checkEnum("creator", r.Creator.Value, Creators); err != nil {
		return err
	}
	if err := checkEnum("level", r.Level.Value, GovernanceLevels); err != nil {
		return err
	}
	for _, c := range []float64{
		r.DocType.Confidence, r.HealthTopic.Confidence, r.Creator.Confidence,
		r.Level.Confidence, r.Title.Confidence, r.Country.Confidence,
		r.Language.Confidence, r.Year.Confidence,
	} {
		if c < 0 || c > 1 {
			return fmt.Errorf("confidence %v outside [0,1]", c)
		}
	}
	return nil
}

func checkEnum(name string, value *string, allowed []string) error {
	if value == nil {
		return nil
	}
	for _, a := range allowed {
		if *value == a {
			return nil
		}
	}
	return fmt.Errorf("field %s: %q is not an allowed value", name, *value)
}

// simplifiedRecord is the permissive fallback schema: flat values, no
// per-field confidence. Used for the final reissue attempt.
type simplifiedRecord struct {
	DocType     *string `json:"doc_type"`
	HealthTopic *string `json:"health_topic"`
	Creator     *string `json:"creator"`
	Level       *string `json:"level"`
	Title       *string `json:"title"`
	Country     *string `json:"country"`
	Language    *string `json:"language"`
	Year        *int    `json:"year"`
}

// fallbackConfidence is assigned to fields recovered through the simplified
// schema, which carries no per-field scores of its own.
const fallbackConfidence = 0.5

// ParseRecord decodes raw analyzer output under the given schema mode,
// validates it, and computes the aggregate scores.
func ParseRecord(data []byte, mode SchemaMode) (*Record, error) {
	switch mode {
	case SchemaSimplified:
		var s simplifiedRecord
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode simplified record: %w", err)
		}
		rec := &Record{
			DocType:     fallbackField(s.DocType),
			HealthTopic: fallbackField(s.HealthTopic),
			Creator:     fallbackField(s.Creator),
			Level:       fallbackField(s.Level),
			Title:       fallbackField(s.Title),
			Country:     fallbackField(s.Country),
			Language:    fallbackField(s.Language),
			Year:        Field[int]{Value: s.Year, Confidence: pickConfidence(s.Year)},
		}
		if err := rec.Validate(); err != nil {
			return nil, err
		}
		rec.Score()
		return rec, nil
	default:
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		if err := rec.Validate(); err != nil {
			return nil, err
		}
		rec.Score()
		return &rec, nil
	}
}

func fallbackField(v *string) Field[string] {
	return Field[string]{Value: v, Confidence: pickConfidence(v)}
}

func pickConfidence[T any](v *T) float64 {
	if v == nil {
		return 0
	}
	return fallbackConfidence
}
