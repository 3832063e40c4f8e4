package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var appNamePattern = regexp.MustCompile(`^[a-z][a-z0-9]*$`)

// RegisterCustomValidators registers labgate-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	if err := v.RegisterValidation("app_name", validateAppName); err != nil {
		return fmt.Errorf("failed to register app_name validator: %w", err)
	}
	return nil
}

// validateDuration accepts any positive time.ParseDuration string.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

// validateAppName accepts lowercase alphanumeric labels starting with a
// letter, matching the host-label grammar "<app>-<user>".
func validateAppName(fl validator.FieldLevel) bool {
	return appNamePattern.MatchString(fl.Field().String())
}

// Validate validates the Config using struct tags plus cross-field rules.
// Returns an error with actionable messages if validation fails.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateSessionSecret(); err != nil {
		return err
	}
	if err := c.validateUniqueApplications(); err != nil {
		return err
	}
	return nil
}

// validateSessionSecret enforces a minimum secret length outside dev mode.
// Session cookies are the whole cross-process auth mechanism, so a short
// secret is a deployment error, not a warning.
func (c *Config) validateSessionSecret() error {
	if c.DevMode {
		return nil
	}
	if len(c.Auth.SessionSecret) < 32 {
		return errors.New("auth.session_secret: must be at least 32 bytes (use a random value shared by all proxy processes)")
	}
	return nil
}

// validateUniqueApplications rejects duplicate application class names,
// which would make allow-list resolution ambiguous.
func (c *Config) validateUniqueApplications() error {
	seen := make(map[string]struct{}, len(c.Applications))
	for i, app := range c.Applications {
		if _, dup := seen[app.Name]; dup {
			return fmt.Errorf("applications[%d]: duplicate name %q", i, app.Name)
		}
		seen[app.Name] = struct{}{}
	}
	return nil
}

// formatValidationErrors converts validator errors into actionable messages.
func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	var msgs []string
	for _, ve := range verrs {
		field := strings.ToLower(strings.TrimPrefix(ve.Namespace(), "Config."))
		switch ve.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s: required", field))
		case "url":
			msgs = append(msgs, fmt.Sprintf("%s: must be a valid URL", field))
		case "cidr":
			msgs = append(msgs, fmt.Sprintf("%s: must be CIDR notation, e.g. 10.0.0.0/8", field))
		case "duration":
			msgs = append(msgs, fmt.Sprintf("%s: must be a positive duration, e.g. 30s", field))
		case "app_name":
			msgs = append(msgs, fmt.Sprintf("%s: must be lowercase alphanumeric starting with a letter", field))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s: must be one of [%s]", field, ve.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s: failed %s validation", field, ve.Tag()))
		}
	}
	return fmt.Errorf("invalid configuration:\n  %s", strings.Join(msgs, "\n  "))
}
