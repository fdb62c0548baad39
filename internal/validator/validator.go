package validator

import "github.com/garrettladley/payhook/internal/xerrors"

type Validator interface {
	// Validate validates the fields of the struct and returns a map of errors.
	// returns nil if no errors are found
	Validate() map[string]string
}

// Validate returns a 422 error listing every invalid field, or nil.
func Validate(v Validator) *xerrors.Error {
	if errs := v.Validate(); len(errs) > 0 {
		return xerrors.Validation(errs)
	}
	return nil
}
