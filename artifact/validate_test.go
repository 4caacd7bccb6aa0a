package artifact

import (
	"errors"
	"testing"

	harvest "github.com/fieldlabs/harvest"
)

func intp(v int) *int { return &v }

func validResult() *Result {
	return &Result{
		Indicator:     IndicatorCapacitySharing,
		Title:         "Training of trainers",
		Description:   "A workshop",
		Keywords:      []string{"training"},
		GeoscopeLevel: GeoscopeGlobal,
	}
}

func TestValidateHappyPath(t *testing.T) {
	if err := Validate(validResult()); err != nil {
		t.Fatalf("valid result rejected: %v", err)
	}
}

func TestValidateRequiredFields(t *testing.T) {
	cases := map[string]func(*Result){
		"indicator":   func(r *Result) { r.Indicator = "Something Else" },
		"title":       func(r *Result) { r.Title = "" },
		"description": func(r *Result) { r.Description = "" },
		"keywords":    func(r *Result) { r.Keywords = nil },
		"geoscope":    func(r *Result) { r.GeoscopeLevel = "Continental" },
	}
	for name, mutate := range cases {
		r := validResult()
		mutate(r)
		if err := Validate(r); !errors.Is(err, harvest.ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
}

func TestValidateAdjustsTotalDown(t *testing.T) {
	r := validResult()
	r.TotalParticipants = intp(50)
	r.MaleParticipants = intp(16)
	r.FemaleParticipants = intp(24)
	r.NonBinaryParticipants = intp(2)

	if err := Validate(r); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if *r.TotalParticipants != 42 {
		t.Fatalf("total_participants = %d, want 42 (sum of gender counts)", *r.TotalParticipants)
	}
}

func TestValidateKeepsConsistentTotal(t *testing.T) {
	r := validResult()
	r.TotalParticipants = intp(42)
	r.MaleParticipants = intp(16)
	r.FemaleParticipants = intp(24)
	r.NonBinaryParticipants = intp(2)

	if err := Validate(r); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if *r.TotalParticipants != 42 {
		t.Fatalf("consistent total changed to %d", *r.TotalParticipants)
	}
}

func TestValidateTotalUntouchedWhenCountsPartial(t *testing.T) {
	r := validResult()
	r.TotalParticipants = intp(50)
	r.MaleParticipants = intp(10)
	// female and non-binary absent: no reconciliation possible.

	if err := Validate(r); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if *r.TotalParticipants != 50 {
		t.Fatalf("partial counts must not adjust total, got %d", *r.TotalParticipants)
	}
}

func TestValidateNegativeCount(t *testing.T) {
	r := validResult()
	r.MaleParticipants = intp(-1)
	if err := Validate(r); !errors.Is(err, harvest.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestValidateAssessReadinessBounds(t *testing.T) {
	for _, v := range []int{0, 9} {
		r := validResult()
		r.Indicator = IndicatorInnovationDev
		r.AssessReadiness = intp(v)
		if err := Validate(r); err != nil {
			t.Errorf("assess_readiness %d rejected: %v", v, err)
		}
	}
	for _, v := range []int{-1, 10} {
		r := validResult()
		r.Indicator = IndicatorInnovationDev
		r.AssessReadiness = intp(v)
		if err := Validate(r); !errors.Is(err, harvest.ErrInvalidInput) {
			t.Errorf("assess_readiness %d accepted", v)
		}
	}
}

func TestValidateGeoscopeCoherence(t *testing.T) {
	r := validResult()
	r.GeoscopeLevel = GeoscopeRegional
	if err := Validate(r); !errors.Is(err, harvest.ErrInvalidInput) {
		t.Fatalf("regional without regions accepted: %v", err)
	}

	r = validResult()
	r.GeoscopeLevel = GeoscopeNational
	if err := Validate(r); !errors.Is(err, harvest.ErrInvalidInput) {
		t.Fatalf("national without countries accepted: %v", err)
	}

	r = validResult()
	r.GeoscopeLevel = GeoscopeNational
	r.Countries = []Country{{Code: "KE", Areas: []string{"Nakuru"}}}
	if err := Validate(r); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if r.Countries[0].Areas != nil {
		t.Error("national scope must drop sub-national areas")
	}

	r = validResult()
	r.GeoscopeLevel = GeoscopeGlobal
	r.Regions = []string{"East Africa"}
	r.Countries = []Country{{Code: "KE"}}
	if err := Validate(r); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if r.Regions != nil || r.Countries != nil {
		t.Error("global scope must clear regions and countries")
	}
}
