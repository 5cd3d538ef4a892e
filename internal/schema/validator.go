package schema

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// actionPattern defines the valid format for action strings.
// Actions must be lowercase, start with a letter, and use dots as separators.
// Examples: "file.created", "permission.granted", "app.installed"
var actionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

// Validator handles validation of activity events against the canonical schema.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    30 * 24 * time.Hour, // audit exports can lag
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("action_format", func(fl validator.FieldLevel) bool {
		return actionPattern.MatchString(fl.Field().String())
	})

	v.RegisterValidation("platform", func(fl validator.FieldLevel) bool {
		return Platform(fl.Field().String()).IsValid()
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate validates an activity event against the canonical schema.
// Returns an error if validation fails.
func (v *Validator) Validate(event *ActivityEvent) error {
	if err := v.validate.Struct(event); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now().UTC()

	if event.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	if event.Timestamp.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("timestamp too old: %v (max age: %v)", event.Timestamp, v.maxAge)
	}

	if event.Timestamp.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("timestamp in future: %v (max future: %v)", event.Timestamp, v.maxFuture)
	}

	return nil
}

// IsEmail reports whether s satisfies the same email rule applied to
// ActorEmail during struct validation.
func (v *Validator) IsEmail(s string) bool {
	return v.validate.Var(s, "email") == nil
}

// ValidateAction checks if an action string matches the required format.
func ValidateAction(action string) bool {
	return actionPattern.MatchString(action)
}
