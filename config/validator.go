package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/paramify/insurance-engine/settlement"
)

// RegisterCustomValidators registers paramify-specific rules.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("positive_price", validatePositivePrice); err != nil {
		return fmt.Errorf("failed to register positive_price validator: %w", err)
	}
	return nil
}

// validatePositivePrice accepts a decimal string above zero with at most
// eight fractional digits.
func validatePositivePrice(fl validator.FieldLevel) bool {
	p, err := settlement.ParsePrice(fl.Field().String())
	return err == nil && p.IsPositive()
}

// Validate checks struct tags, then cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if _, err := settlement.ParsePrincipal(c.Engine.Deployer); err != nil {
		return fmt.Errorf("engine.deployer: %w", err)
	}
	return nil
}

func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()

	switch e.Tag() {
	case "required", "required_with":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "positive_price":
		return fmt.Sprintf("%s must be a positive decimal with at most %d places", field, settlement.PriceDecimals)
	case "gt", "gte", "min":
		return fmt.Sprintf("%s must be %s %s", field, e.Tag(), e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
