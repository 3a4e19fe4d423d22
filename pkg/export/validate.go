package export

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/polisai/geoexport/pkg/domain"
)

var validate = validator.New()

// Limits bounds request parameters beyond their static ranges.
type Limits struct {
	// MaxRadius is the largest accepted radius in meters.
	MaxRadius float64
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxRadius: domain.DefaultMaxRadius}
}

// Validate checks req against its struct rules and the radius ceiling.
// The returned error is a *domain.Error of kind validation.
func Validate(req domain.ExportRequest, limits Limits) error {
	if limits.MaxRadius <= 0 {
		limits = DefaultLimits()
	}

	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return validationError(verrs)
		}
		return domain.NewErrorWithCause(domain.KindValidation, "invalid request", err)
	}

	if math.IsInf(req.Radius, 0) || req.Radius > limits.MaxRadius {
		return domain.NewError(domain.KindValidation,
			fmt.Sprintf("radius must not exceed %g meters", limits.MaxRadius)).
			WithContext("field", "radius")
	}

	return nil
}

// Prepare normalizes, validates and fingerprints req in one step.
func Prepare(req domain.ExportRequest, limits Limits) (domain.ExportRequest, string, error) {
	normalized := req.Normalized()
	if err := Validate(normalized, limits); err != nil {
		return domain.ExportRequest{}, "", err
	}
	return normalized, Fingerprint(normalized), nil
}

func validationError(verrs validator.ValidationErrors) *domain.Error {
	msgs := make([]string, 0, len(verrs))
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := jsonFieldName(fe)
		fields = append(fields, field)
		msgs = append(msgs, describe(field, fe))
	}
	return domain.NewError(domain.KindValidation, strings.Join(msgs, "; ")).
		WithContext("fields", strings.Join(fields, ","))
}

func jsonFieldName(fe validator.FieldError) string {
	// Namespace is "ExportRequest.Layers[2]"; report the json name.
	name := fe.StructField()
	switch {
	case strings.HasPrefix(name, "Layers"):
		return strings.Replace(name, "Layers", "layers", 1)
	default:
		return strings.ToLower(name)
	}
}

func describe(field string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
