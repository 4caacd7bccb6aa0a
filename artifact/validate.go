package artifact

import (
	"fmt"

	harvest "github.com/fieldlabs/harvest"
)

// Validate normalises a result in place and checks it against the schema
// invariants. It returns the first violation found; callers in batch mode
// flag the result instead of propagating the error.
func Validate(r *Result) error {
	if r == nil {
		return fmt.Errorf("%w: nil result", harvest.ErrInvalidInput)
	}

	if !validIndicator(r.Indicator) {
		return fmt.Errorf("%w: unknown indicator %q", harvest.ErrInvalidInput, r.Indicator)
	}
	if r.Title == "" {
		return fmt.Errorf("%w: title is required", harvest.ErrInvalidInput)
	}
	if r.Description == "" {
		return fmt.Errorf("%w: description is required", harvest.ErrInvalidInput)
	}
	if len(r.Keywords) == 0 {
		return fmt.Errorf("%w: keywords are required", harvest.ErrInvalidInput)
	}

	if err := validateGeoscope(r); err != nil {
		return err
	}
	if err := validateCounts(r); err != nil {
		return err
	}

	if r.AssessReadiness != nil {
		if v := *r.AssessReadiness; v < 0 || v > 9 {
			return fmt.Errorf("%w: assess_readiness %d outside [0, 9]", harvest.ErrInvalidInput, v)
		}
	}
	return nil
}

func validIndicator(ind Indicator) bool {
	for _, v := range Indicators {
		if v == ind {
			return true
		}
	}
	return false
}

func validateGeoscope(r *Result) error {
	switch r.GeoscopeLevel {
	case GeoscopeRegional:
		if len(r.Regions) == 0 {
			return fmt.Errorf("%w: regional geoscope without regions", harvest.ErrInvalidInput)
		}
	case GeoscopeNational, GeoscopeSubNational:
		if len(r.Countries) == 0 {
			return fmt.Errorf("%w: %s geoscope without countries", harvest.ErrInvalidInput, r.GeoscopeLevel)
		}
		for _, c := range r.Countries {
			if c.Code == "" {
				return fmt.Errorf("%w: country entry without code", harvest.ErrInvalidInput)
			}
		}
		if r.GeoscopeLevel == GeoscopeNational {
			// Areas are sub-national detail; drop them at national scope.
			for i := range r.Countries {
				r.Countries[i].Areas = nil
			}
		}
	case GeoscopeGlobal, GeoscopeUndetermined:
		// Scope-level lists do not apply.
		r.Regions = nil
		r.Countries = nil
	default:
		return fmt.Errorf("%w: unknown geoscope level %q", harvest.ErrInvalidInput, r.GeoscopeLevel)
	}
	return nil
}

// validateCounts checks participant counts and reconciles the total with
// the per-gender sum. Generated totals adjust down to the sum, never up:
// participants are counted, not invented.
func validateCounts(r *Result) error {
	for _, c := range []struct {
		name  string
		value *int
	}{
		{"total_participants", r.TotalParticipants},
		{"male_participants", r.MaleParticipants},
		{"female_participants", r.FemaleParticipants},
		{"non_binary_participants", r.NonBinaryParticipants},
	} {
		if c.value != nil && *c.value < 0 {
			return fmt.Errorf("%w: %s is negative", harvest.ErrInvalidInput, c.name)
		}
	}

	if r.TotalParticipants == nil || r.MaleParticipants == nil ||
		r.FemaleParticipants == nil || r.NonBinaryParticipants == nil {
		return nil
	}

	sum := *r.MaleParticipants + *r.FemaleParticipants + *r.NonBinaryParticipants
	if *r.TotalParticipants != sum {
		r.TotalParticipants = &sum
	}
	return nil
}
