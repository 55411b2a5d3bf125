package validation_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/ridebooking/internal/booking/domain"
	"github.com/example/ridebooking/internal/http/validation"
)

type signup struct {
	Name     string `json:"name" validate:"required,min=3"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,password"`
	Role     string `json:"role" validate:"required,oneof=customer driver"`
}

func TestValidatorAcceptsValidPayload(t *testing.T) {
	v := validation.New()
	require.NoError(t, v.Struct(signup{Name: "Asha", Email: "asha@example.com", Password: "Secret1", Role: "driver"}))
}

func TestValidatorReportsJSONFieldNames(t *testing.T) {
	v := validation.New()
	err := v.Struct(signup{Name: "Al", Email: "nope", Password: "password", Role: "admin"})
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrValidation))

	var fields validation.Errors
	require.True(t, errors.As(err, &fields))
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Field
	}
	require.Equal(t, []string{"name", "email", "password", "role"}, names)
}

func TestPasswordRule(t *testing.T) {
	v := validation.New()
	base := signup{Name: "Asha", Email: "asha@example.com", Role: "customer"}
	for password, ok := range map[string]bool{
		"Abc123":                true,
		"abc123":                false,
		"ABC123":                false,
		"Abcdef":                false,
		"Ab1":                   false,
		"Abcdefghijklmnopqrs12": false,
	} {
		base.Password = password
		if ok {
			require.NoError(t, v.Struct(base), password)
		} else {
			require.Error(t, v.Struct(base), password)
		}
	}
}
