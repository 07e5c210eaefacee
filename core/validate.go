package core

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// icd10Pattern matches ICD-10-shaped codes: a letter, two characters,
// and an optional dotted extension (e.g. E11.9, I10, M54.5).
var icd10Pattern = regexp.MustCompile(`^[A-TV-Z][0-9][0-9A-Z](\.[0-9A-Z]{1,4})?$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Registration only fails for empty tags or nil funcs.
	_ = v.RegisterValidation("icd10", func(fl validator.FieldLevel) bool {
		return icd10Pattern.MatchString(fl.Field().String())
	})
	return v
}

// ValidateInput checks the pipeline input shape: required identifiers,
// a non-empty list of ICD-10-shaped condition codes, a UUID correlation
// id. Validation failures are FATAL; the pipeline aborts before any
// stage runs.
func ValidateInput(in *PipelineInput) error {
	if in == nil {
		return fmt.Errorf("input is nil: %w", ErrInvalidConfiguration)
	}
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("input validation: %w", err)
	}
	return nil
}
