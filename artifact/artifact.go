// Package artifact defines the extraction result schema: a tagged union
// over the reporting indicators, with tolerant JSON parsing for LLM output
// and a validator enforcing the schema invariants.
package artifact

import (
	"encoding/json"
	"fmt"
	"strings"

	harvest "github.com/fieldlabs/harvest"
)

// Indicator tags a result with its reporting indicator.
type Indicator string

const (
	IndicatorCapacitySharing Indicator = "Capacity Sharing for Development"
	IndicatorPolicyChange    Indicator = "Policy Change"
	IndicatorInnovationDev   Indicator = "Innovation Development"
)

// Indicators lists every valid indicator tag.
var Indicators = []Indicator{
	IndicatorCapacitySharing,
	IndicatorPolicyChange,
	IndicatorInnovationDev,
}

// GeoscopeLevel is the geographic scope of a result.
type GeoscopeLevel string

const (
	GeoscopeGlobal       GeoscopeLevel = "Global"
	GeoscopeRegional     GeoscopeLevel = "Regional"
	GeoscopeNational     GeoscopeLevel = "National"
	GeoscopeSubNational  GeoscopeLevel = "Sub-national"
	GeoscopeUndetermined GeoscopeLevel = "Undetermined"
)

// Country is a geoscope country entry. The canonical wire form is
// {"code": "KE"}; the alternative {"country_code": "KE", "areas": [...]}
// is accepted on input only.
type Country struct {
	Code  string   `json:"code"`
	Areas []string `json:"areas,omitempty"`
}

// UnmarshalJSON accepts both country encodings.
func (c *Country) UnmarshalJSON(data []byte) error {
	var raw struct {
		Code        string   `json:"code"`
		CountryCode string   `json:"country_code"`
		Areas       []string `json:"areas"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Code = raw.Code
	if c.Code == "" {
		c.Code = raw.CountryCode
	}
	c.Areas = raw.Areas
	return nil
}

// Person is a named individual subject to staff mapping enrichment.
type Person struct {
	Name     string   `json:"name"`
	MappedID *int64   `json:"mapped_id,omitempty"`
	Score    *float64 `json:"score,omitempty"`
}

// Institution is a partner organisation subject to institution mapping
// enrichment.
type Institution struct {
	Name          string   `json:"name"`
	MappedID      *int64   `json:"mapped_id,omitempty"`
	MappedName    *string  `json:"mapped_name,omitempty"`
	MappedAcronym *string  `json:"mapped_acronym,omitempty"`
	Score         *float64 `json:"score,omitempty"`
}

// Result is one extraction artifact. The Indicator tag selects which of
// the optional field groups is meaningful; unused fields stay nil and are
// omitted on the wire.
type Result struct {
	Indicator     Indicator     `json:"indicator"`
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	Keywords      []string      `json:"keywords"`
	GeoscopeLevel GeoscopeLevel `json:"geoscope_level"`
	Regions       []string      `json:"regions,omitempty"`
	Countries     []Country     `json:"countries,omitempty"`

	// Enrichment targets shared by all indicators.
	Contacts []Person      `json:"contacts,omitempty"`
	Partners []Institution `json:"partners,omitempty"`

	// Capacity Sharing for Development.
	TrainingType          *string `json:"training_type,omitempty"`
	TotalParticipants     *int    `json:"total_participants,omitempty"`
	MaleParticipants      *int    `json:"male_participants,omitempty"`
	FemaleParticipants    *int    `json:"female_participants,omitempty"`
	NonBinaryParticipants *int    `json:"non_binary_participants,omitempty"`
	DeliveryModality      *string `json:"delivery_modality,omitempty"`
	StartDate             *string `json:"start_date,omitempty"`
	EndDate               *string `json:"end_date,omitempty"`
	Length                *string `json:"length,omitempty"`
	Degree                *string `json:"degree,omitempty"`

	// Policy Change.
	PolicyType           *string `json:"policy_type,omitempty"`
	StageInPolicyProcess *string `json:"stage_in_policy_process,omitempty"`
	EvidenceForStage     *string `json:"evidence_for_stage,omitempty"`

	// Innovation Development.
	ShortTitle       *string `json:"short_title,omitempty"`
	InnovationNature *string `json:"innovation_nature,omitempty"`
	InnovationType   *string `json:"innovation_type,omitempty"`
	AssessReadiness  *int    `json:"assess_readiness,omitempty"`
	AnticipatedUsers *string `json:"anticipated_users,omitempty"`

	// ParsingError marks a result that failed schema validation in a
	// batch; the raw fields are retained as parsed.
	ParsingError bool `json:"parsing_error,omitempty"`

	// BatchNumber orders partial results from the batch worker pool.
	// Assigned by the pipeline; serialised without omitempty so batch 0
	// stays visible to callers.
	BatchNumber int `json:"batch_number"`
}

// Batch is the artifact returned for tabular bulk uploads.
type Batch struct {
	Results []*Result `json:"results"`
}

// stripCodeFences removes a leading/trailing markdown code fence so LLM
// output wrapped in ```json ... ``` still parses.
func stripCodeFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop the language tag line ("json").
		if lang := strings.TrimSpace(s[:nl]); lang == "json" || lang == "" {
			s = s[nl+1:]
		}
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

// extractJSON finds the outermost JSON value inside free text, so prose
// around the object ("Here is the result: {...}") does not break parsing.
func extractJSON(s string) string {
	objStart := strings.IndexByte(s, '{')
	arrStart := strings.IndexByte(s, '[')
	start := objStart
	open, close := byte('{'), byte('}')
	if arrStart >= 0 && (objStart < 0 || arrStart < objStart) {
		start = arrStart
		open, close = '[', ']'
	}
	if start < 0 {
		return s
	}

	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch ch {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

// ParseOne decodes a single result from raw LLM output, tolerating code
// fences and surrounding prose.
func ParseOne(raw string) (*Result, error) {
	payload := extractJSON(stripCodeFences(raw))
	var r Result
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("%w: decoding extraction result: %v", harvest.ErrInvalidInput, err)
	}
	return &r, nil
}

// ParseBatch decodes a list of results from raw LLM output. Accepts
// either a bare array or a {"results": [...]} wrapper.
func ParseBatch(raw string) ([]*Result, error) {
	payload := extractJSON(stripCodeFences(raw))

	if strings.HasPrefix(payload, "[") {
		var results []*Result
		if err := json.Unmarshal([]byte(payload), &results); err != nil {
			return nil, fmt.Errorf("%w: decoding extraction batch: %v", harvest.ErrInvalidInput, err)
		}
		return results, nil
	}

	var wrapper Batch
	if err := json.Unmarshal([]byte(payload), &wrapper); err != nil {
		return nil, fmt.Errorf("%w: decoding extraction batch: %v", harvest.ErrInvalidInput, err)
	}
	if wrapper.Results == nil {
		// A single object without the wrapper is a one-element batch.
		r, err := ParseOne(payload)
		if err != nil {
			return nil, err
		}
		return []*Result{r}, nil
	}
	return wrapper.Results, nil
}
