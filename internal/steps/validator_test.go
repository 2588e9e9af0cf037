package steps

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateBasicsNormalizes(t *testing.T) {
	got, err := Validate(1, map[string]any{
		"age":    float64(35),
		"weight": "180.5",
		"height": json.Number("70"),
		"sex":    " Female ",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"age":    35,
		"weight": 180.5,
		"height": 70,
		"sex":    "female",
	}, got)
}

func TestValidateCollectsEveryError(t *testing.T) {
	_, err := Validate(1, map[string]any{
		"age":      12,
		"height":   "tall",
		"sex":      "unknown",
		"zodiac":   "leo",
		"aardvark": true,
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)

	codes := map[string]string{}
	var order []string
	for _, fe := range verr.Fields {
		codes[fe.Field] = fe.Code
		order = append(order, fe.Field)
	}
	assert.Equal(t, map[string]string{
		"age":      CodeOutOfRange,
		"weight":   CodeRequired,
		"height":   CodeInvalidType,
		"sex":      CodeInvalidChoice,
		"aardvark": CodeUnknownField,
		"zodiac":   CodeUnknownField,
	}, codes)
	assert.Equal(t, []string{"age", "weight", "height", "sex", "aardvark", "zodiac"}, order)
}

func TestValidateIsDeterministic(t *testing.T) {
	raw := map[string]any{"goal": "LOSE", "activity_level": "Very-Active", "z": 1, "a": 2}
	_, first := Validate(2, raw)
	for i := 0; i < 20; i++ {
		_, again := Validate(2, raw)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("validation result changed between calls")
		}
	}
}

func TestValidateGoalsFoldsEnums(t *testing.T) {
	got, err := Validate(2, map[string]any{"goal": "Lose", "activity_level": "very active"})
	require.NoError(t, err)
	assert.Equal(t, "lose", got["goal"])
	assert.Equal(t, "very_active", got["activity_level"])
}

func TestValidatePreferences(t *testing.T) {
	tests := []struct {
		name     string
		raw      map[string]any
		wantCode string
		field    string
	}{
		{name: "accented diet", raw: map[string]any{"diet": "Végan"}},
		{name: "meals fraction", raw: map[string]any{"meals_per_day": 2.5}, field: "meals_per_day", wantCode: CodeInvalidType},
		{name: "meals range", raw: map[string]any{"meals_per_day": 9}, field: "meals_per_day", wantCode: CodeOutOfRange},
		{name: "sleep range", raw: map[string]any{"sleep_hours": 25}, field: "sleep_hours", wantCode: CodeOutOfRange},
		{name: "bad email", raw: map[string]any{"email": "not-an-email"}, field: "email", wantCode: CodeInvalidFormat},
		{name: "long allergies", raw: map[string]any{"allergies": strings.Repeat("a", 201)}, field: "allergies", wantCode: CodeTooLong},
		{name: "null optional", raw: map[string]any{"diet": nil, "email": "A@Example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(3, tt.raw)
			if tt.wantCode == "" {
				require.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Len(t, verr.Fields, 1)
			assert.Equal(t, tt.field, verr.Fields[0].Field)
			assert.Equal(t, tt.wantCode, verr.Fields[0].Code)
		})
	}
}

func TestValidateEmailLowercased(t *testing.T) {
	got, err := Validate(3, map[string]any{"email": " A@Example.com "})
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", got["email"])
}

func TestValidateUnknownStep(t *testing.T) {
	for _, step := range []int{0, 4, -1} {
		if _, err := Validate(step, map[string]any{}); !errors.Is(err, ErrUnknownStep) {
			t.Fatalf("step %d: expected ErrUnknownStep, got %v", step, err)
		}
	}
}

func TestValidateRejectsNonStringEnum(t *testing.T) {
	_, err := Validate(2, map[string]any{"goal": 3})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeInvalidType, verr.Fields[0].Code)
}
