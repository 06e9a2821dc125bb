package http

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// Validation errors.
var (
	// ErrValidationFailed is returned when struct validation fails.
	ErrValidationFailed = errors.New("validation failed")
	// ErrFieldRequired is returned when a required field is missing.
	ErrFieldRequired = errors.New("field is required")
	// ErrFieldMaxLength is returned when a field exceeds its maximum.
	ErrFieldMaxLength = errors.New("field exceeds maximum")
	// ErrFieldMinLength is returned when a field is below its minimum.
	ErrFieldMinLength = errors.New("field below minimum")
	// ErrFieldGreaterThanOrEqual is returned when a field is below a gte bound.
	ErrFieldGreaterThanOrEqual = errors.New("field must be greater than or equal to constraint")
	// ErrFieldLessThanOrEqual is returned when a field is above an lte bound.
	ErrFieldLessThanOrEqual = errors.New("field must be less than or equal to constraint")
	// ErrFieldOneOf is returned when a field is not one of the allowed values.
	ErrFieldOneOf = errors.New("field must be one of allowed values")
	// ErrFieldSKU is returned when a field is not a valid stock keeping unit.
	ErrFieldSKU = errors.New("field must be a valid sku")
	// ErrBodyParseFailed is returned when request body parsing fails.
	ErrBodyParseFailed = errors.New("failed to parse request body")
	// ErrUnsupportedContentType is returned when the Content-Type is not application/json.
	ErrUnsupportedContentType = errors.New("Content-Type must be application/json")
	// ErrInvalidLimit is returned when ?limit= is not an integer.
	ErrInvalidLimit = errors.New("limit must be an integer")
)

// ErrValidatorInit is returned when custom validator registration fails during initialization.
var ErrValidatorInit = errors.New("validator initialization failed")

const maxSKULength = 64

var (
	validate     *validator.Validate
	validateOnce sync.Once
	errValidate  error
)

func initValidators() (*validator.Validate, error) {
	vld := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their JSON names.
	vld.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return field.Name
		}

		return name
	})

	// sku: letters, digits, '-' and '_', at most 64 characters
	if err := vld.RegisterValidation("sku", func(fl validator.FieldLevel) bool {
		return isSKU(fl.Field().String())
	}); err != nil {
		return nil, fmt.Errorf("%w: failed to register 'sku': %w", ErrValidatorInit, err)
	}

	return vld, nil
}

func isSKU(s string) bool {
	if s == "" || len(s) > maxSKULength {
		return false
	}

	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}

	return true
}

// GetValidator returns the shared validator and any error raised while
// registering the custom rules.
func GetValidator() (*validator.Validate, error) {
	validateOnce.Do(func() {
		validate, errValidate = initValidators()
	})

	return validate, errValidate
}

// ValidateStruct validates payload's `validate` tags and returns the first
// failure as a readable error.
func ValidateStruct(payload any) error {
	vld, initErr := GetValidator()
	if initErr != nil {
		return fmt.Errorf("%w: %w", ErrValidationFailed, initErr)
	}

	if err := vld.Struct(payload); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			return formatValidationError(validationErrors[0])
		}

		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	return nil
}

var validationErrorFormatters = map[string]func(field, param string) error{
	"required": func(field, _ string) error {
		return fmt.Errorf("%w: '%s'", ErrFieldRequired, field)
	},
	"max": func(field, param string) error {
		return fmt.Errorf("%w: '%s' must be at most %s", ErrFieldMaxLength, field, param)
	},
	"min": func(field, param string) error {
		return fmt.Errorf("%w: '%s' must be at least %s", ErrFieldMinLength, field, param)
	},
	"gte": func(field, param string) error {
		return fmt.Errorf("%w: '%s' must be at least %s", ErrFieldGreaterThanOrEqual, field, param)
	},
	"lte": func(field, param string) error {
		return fmt.Errorf("%w: '%s' must be at most %s", ErrFieldLessThanOrEqual, field, param)
	},
	"oneof": func(field, param string) error {
		return fmt.Errorf("%w: '%s' must be one of [%s]", ErrFieldOneOf, field, param)
	},
	"sku": func(field, _ string) error {
		return fmt.Errorf("%w: '%s'", ErrFieldSKU, field)
	},
}

func formatValidationError(fe validator.FieldError) error {
	field := toSnakeCase(fe.Field())

	if formatter, ok := validationErrorFormatters[fe.Tag()]; ok {
		return formatter(field, fe.Param())
	}

	return fmt.Errorf("%w: '%s' failed '%s' check", ErrValidationFailed, field, fe.Tag())
}

// toSnakeCase converts a PascalCase or camelCase string to snake_case.
func toSnakeCase(s string) string {
	var result strings.Builder

	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			result.WriteByte('_')
		}

		result.WriteRune(r)
	}

	return strings.ToLower(result.String())
}

// ParseBodyAndValidate decodes the JSON body into payload and validates it.
// A Content-Type other than application/json is rejected up front.
func ParseBodyAndValidate(c *fiber.Ctx, payload any) error {
	ct := c.Get(fiber.HeaderContentType)
	if ct != "" && !strings.HasPrefix(ct, fiber.MIMEApplicationJSON) {
		return ErrUnsupportedContentType
	}

	if err := c.BodyParser(payload); err != nil {
		return fmt.Errorf("%w: %w", ErrBodyParseFailed, err)
	}

	return ValidateStruct(payload)
}

// ValidateLimit clamps limit into [1, maxLimit]. Values <= 0 become
// defaultLimit.
func ValidateLimit(limit, defaultLimit, maxLimit int) int {
	if limit <= 0 {
		return defaultLimit
	}

	if limit > maxLimit {
		return maxLimit
	}

	return limit
}

// ParseLimit reads the "limit" query parameter and clamps it with
// ValidateLimit. An absent parameter yields defaultLimit.
func ParseLimit(c *fiber.Ctx, defaultLimit, maxLimit int) (int, error) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return defaultLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLimit, raw)
	}

	return ValidateLimit(limit, defaultLimit, maxLimit), nil
}
