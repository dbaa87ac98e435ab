package ledger

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateRecord checks a collectible record before it is persisted or
// applied. All failures are collected into one *ValidationError.
func ValidateRecord(rec CollectibleRecord) error {
	verr := &ValidationError{}

	if err := validate.Struct(rec); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("validate record: %w", err)
		}
		for _, fe := range fieldErrs {
			verr.add(fe.Field(), DescribeTag(fe))
		}
	}

	switch {
	case !rec.Amount.IsPositive():
		verr.add("Amount", "must be greater than zero")
	case rec.Amount.ExceedsMax():
		verr.add("Amount", "must be at most "+MaxAmount.String())
	case !rec.Amount.IsIntegral():
		verr.add("Amount", "must be a whole number of the smallest denomination")
	}
	if rec.PaymentDate.IsZero() {
		verr.add("PaymentDate", "is required")
	}
	if rec.Kind == KindVarisangya && rec.Category != "" {
		verr.add("Category", "only applies to zakat")
	}
	return verr.orNil()
}

// validateTenant rejects calls without a tenant; the ledger never infers one.
func validateTenant(tenant TenantID) error {
	if tenant == "" {
		return newValidationError("TenantID", "is required")
	}
	return nil
}

func validatePayer(payer PayerKey) error {
	if !payer.Valid() {
		return newValidationError("PayerKey", "exactly one of family_id or member_id is required")
	}
	return nil
}

// DescribeTag turns a failed validator tag into a message. Transports that
// validate their own request structs use it so every field error reads the
// same way.
func DescribeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_without":
		return "is required when " + fe.Param() + " is absent"
	case "excluded_with":
		return "must be empty when " + fe.Param() + " is set"
	case "max":
		if fe.Kind() == reflect.Slice {
			return "must have at most " + fe.Param() + " items"
		}
		return "must be at most " + fe.Param() + " characters"
	case "min":
		if fe.Kind() == reflect.Slice {
			return "must have at least " + fe.Param() + " items"
		}
		return "must be at least " + fe.Param() + " characters"
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return fmt.Sprintf("failed on '%s'", fe.Tag())
	}
}
