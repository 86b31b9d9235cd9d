package core

import (
	"log/slog"

	"github.com/go-playground/validator/v10"

	"waypost/internal/types"
)

// Validator wraps go-playground/validator for request struct validation.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		validate: validator.New(),
		logger:   logger,
	}
}

// ValidateStruct checks the struct's validate tags and translates failures
// into a field-keyed validation AppError.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation failed", err)
	}

	fields := make(map[string]any, len(validationErrs))
	for _, fe := range validationErrs {
		fields[fe.Field()] = "failed " + fe.Tag() + " check"
	}
	return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
		"request validation failed", err, map[string]any{"fields": fields})
}
