package reports

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"text/template"
)

// PromptVersion identifies the template set in prompts/.
const PromptVersion = "report_v1"

//go:embed prompts/report_v1.tmpl
var promptFiles embed.FS

var promptTemplates = template.Must(template.ParseFS(promptFiles, "prompts/report_v1.tmpl"))

const (
	lbToKg         = 0.45359237
	inToCm         = 2.54
	calorieFloor   = 1200
	loseAdjustment = -500
	gainAdjustment = 300
	proteinPerLb   = 0.8
	fatShare       = 0.25
)

var activityMultipliers = map[string]float64{
	"sedentary":   1.2,
	"light":       1.375,
	"moderate":    1.55,
	"active":      1.725,
	"very_active": 1.9,
}

const defaultActivity = "light"

// Prompt is the rendered system and user message for one report.
type Prompt struct {
	System  string
	User    string
	Version string
}

// PlanInputs are the form values and derived targets fed to the template.
type PlanInputs struct {
	TierName        string
	Detailed        bool
	FirstName       string
	Age             int
	Sex             string
	WeightLbs       string
	HeightIn        string
	Goal            string
	TargetWeightLbs string
	ActivityLevel   string
	Diet            string
	MealsPerDay     int
	SleepHours      string
	Allergies       string

	HasEnergy bool
	BMR       int
	TDEE      int
	Calories  int
	ProteinG  int
	FatG      int
	CarbsG    int
}

// DeriveInputs computes plan inputs from validated form data. Missing
// required values return ErrInvalidInput; the job treats that as permanent.
func DeriveInputs(form map[string]any, tierName string, detailed bool) (PlanInputs, error) {
	age, ok := number(form, "age")
	if !ok || age <= 0 {
		return PlanInputs{}, fmt.Errorf("%w: age missing", ErrInvalidInput)
	}
	weight, ok := number(form, "weight")
	if !ok || weight <= 0 {
		return PlanInputs{}, fmt.Errorf("%w: weight missing", ErrInvalidInput)
	}
	goal := text(form, "goal")
	if goal == "" {
		return PlanInputs{}, fmt.Errorf("%w: goal missing", ErrInvalidInput)
	}

	in := PlanInputs{
		TierName:      tierName,
		Detailed:      detailed,
		FirstName:     text(form, "first_name"),
		Age:           int(age),
		Sex:           text(form, "sex"),
		WeightLbs:     formatNumber(weight),
		Goal:          goal,
		ActivityLevel: text(form, "activity_level"),
		Diet:          text(form, "diet"),
		Allergies:     text(form, "allergies"),
	}
	if in.TierName == "" {
		in.TierName = "personal plan"
	}
	if in.ActivityLevel == "" {
		in.ActivityLevel = defaultActivity
	}
	if in.Diet == "none" {
		in.Diet = ""
	}
	if v, ok := number(form, "target_weight"); ok {
		in.TargetWeightLbs = formatNumber(v)
	}
	if v, ok := number(form, "meals_per_day"); ok {
		in.MealsPerDay = int(v)
	}
	if v, ok := number(form, "sleep_hours"); ok {
		in.SleepHours = formatNumber(v)
	}

	in.ProteinG = int(math.Round(weight * proteinPerLb))

	height, ok := number(form, "height")
	if !ok || height <= 0 {
		return in, nil
	}
	in.HeightIn = formatNumber(height)

	bmr := 10*weight*lbToKg + 6.25*height*inToCm - 5*age + sexOffset(in.Sex)
	multiplier, ok := activityMultipliers[in.ActivityLevel]
	if !ok {
		multiplier = activityMultipliers[defaultActivity]
	}
	tdee := bmr * multiplier
	calories := tdee
	switch goal {
	case "lose":
		calories += loseAdjustment
	case "gain":
		calories += gainAdjustment
	}
	if calories < calorieFloor {
		calories = calorieFloor
	}

	in.HasEnergy = true
	in.BMR = int(math.Round(bmr))
	in.TDEE = int(math.Round(tdee))
	in.Calories = int(math.Round(calories))
	in.FatG = int(math.Round(calories * fatShare / 9))
	carbs := (calories - float64(in.ProteinG)*4 - float64(in.FatG)*9) / 4
	if carbs < 0 {
		carbs = 0
	}
	in.CarbsG = int(math.Round(carbs))
	return in, nil
}

// sexOffset is the Mifflin-St Jeor constant; unspecified uses the midpoint.
func sexOffset(sex string) float64 {
	switch sex {
	case "male":
		return 5
	case "female":
		return -161
	}
	return -78
}

// BuildPrompt renders the report prompt.
func BuildPrompt(in PlanInputs) (Prompt, error) {
	var system, user bytes.Buffer
	if err := promptTemplates.ExecuteTemplate(&system, "system", in); err != nil {
		return Prompt{}, fmt.Errorf("render system prompt: %w", err)
	}
	if err := promptTemplates.ExecuteTemplate(&user, "user", in); err != nil {
		return Prompt{}, fmt.Errorf("render user prompt: %w", err)
	}
	return Prompt{
		System:  strings.TrimSpace(system.String()),
		User:    strings.TrimSpace(user.String()),
		Version: PromptVersion,
	}, nil
}

// number reads a numeric form value. Postgres round-trips numbers through
// JSON as float64; the memory store keeps the validator's int.
func number(form map[string]any, key string) (float64, bool) {
	switch v := form[key].(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func text(form map[string]any, key string) string {
	s, _ := form[key].(string)
	return strings.TrimSpace(s)
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%.1f", f)
}
