package dto

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

func GetValidator() *validator.Validate {
	return validate
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func FormatValidationErrors(err error) []ValidationError {
	var out []ValidationError

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return out
	}

	for _, fieldError := range validationErrors {
		var message string

		switch fieldError.Tag() {
		case "required":
			message = fieldError.Field() + " is required"
		case "max":
			message = fieldError.Field() + " must be at most " + fieldError.Param() + " characters"
		case "min":
			message = fieldError.Field() + " must be at least " + fieldError.Param() + " characters"
		case "oneof":
			message = fieldError.Field() + " must be one of: " + fieldError.Param()
		default:
			message = fieldError.Field() + " is invalid"
		}

		out = append(out, ValidationError{
			Field:   fieldError.Field(),
			Message: message,
		})
	}

	return out
}

type Validator interface {
	Validate() error
}
