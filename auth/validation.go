package auth

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateRequest checks a request before it is sent and reports the first
// offending field as an AuthenticationError.
func validateRequest(req any, fallback string) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &AuthenticationError{Message: fallback, cause: err}
	}
	return &AuthenticationError{Message: fieldMessage(fieldErrs[0]), cause: err}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required.", fe.Field())
	case "email":
		return "Please enter a valid email address."
	default:
		return fmt.Sprintf("%s is invalid.", fe.Field())
	}
}
