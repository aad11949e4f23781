package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/policyshield/policyshield/internal/domain/auth"
)

// RegisterCustomValidators registers PolicyShield-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("register duration validator: %w", err)
	}
	if err := v.RegisterValidation("token_hash", validateTokenHash); err != nil {
		return fmt.Errorf("register token_hash validator: %w", err)
	}
	return nil
}

// validateDuration accepts positive Go duration strings ("10s", "5m").
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

// validateTokenHash accepts the hash formats the auth verifier understands.
func validateTokenHash(fl validator.FieldLevel) bool {
	return auth.DetectHashType(fl.Field().String()) != "unknown"
}

// Validate checks the configuration using struct tags plus cross-field
// rules, returning human-formatted messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	// Telegram credentials only work as a pair.
	if (c.Telegram.Token == "") != (c.Telegram.ChatID == "") {
		return errors.New("telegram: token and chat_id must be set together")
	}

	return nil
}

// formatValidationErrors converts validator.ValidationErrors to actionable
// messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "duration":
		return fmt.Sprintf("%s must be a positive duration like \"30s\" or \"5m\"", field)
	case "token_hash":
		return fmt.Sprintf("%s must be an argon2id PHC string, sha256:<hex>, or bare sha256 hex", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
