package httpapi

import (
	"sync"

	"github.com/go-playground/validator/v10"
)

// validate is the shared struct-tag validator for request DTOs, checked
// ahead of the drivers' own business-rule validation (ValidateBatch,
// ValidateImages): it catches malformed shapes — missing jobId, an empty
// images slice — before a 202 response is ever considered.
var (
	validatorOnce sync.Once
	validatorInst *validator.Validate
)

func getValidator() *validator.Validate {
	validatorOnce.Do(func() {
		validatorInst = validator.New(validator.WithRequiredStructEnabled())
	})
	return validatorInst
}

// firstValidationError formats the first failing field off a
// validator.ValidationErrors into a short, client-safe message.
func firstValidationError(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return "Invalid request"
	}
	fe := verrs[0]
	return fe.Field() + " failed validation: " + fe.Tag()
}
