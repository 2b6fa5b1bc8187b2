package serp

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func queryValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate normalizes q and checks every field. It returns the normalized
// query or a *ValidationError for the first offending field.
func Validate(q Query) (Query, error) {
	q = q.Normalized()
	err := queryValidator().Struct(q)
	if err == nil {
		return q, nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return q, &ValidationError{Field: fe.Field(), Reason: reason(fe)}
	}
	return q, &ValidationError{Field: "query", Reason: err.Error()}
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return fmt.Sprintf("must be greater than %s, got %v", fe.Param(), fe.Value())
	case "len":
		return fmt.Sprintf("must be %s characters, got %q", fe.Param(), fe.Value())
	case "alpha":
		return fmt.Sprintf("must be letters only, got %q", fe.Value())
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fe.Value())
	case "min", "max":
		return fmt.Sprintf("must satisfy %s=%s, got %v", fe.Tag(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("failed %s", fe.Tag())
	}
}
