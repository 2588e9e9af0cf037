package steps

// Kind is the value type a field accepts.
type Kind string

const (
	KindInt    Kind = "int"
	KindNumber Kind = "number"
	KindEnum   Kind = "enum"
	KindString Kind = "string"
	KindEmail  Kind = "email"
)

// FieldSpec describes one form field. Rule is a go-playground/validator tag
// applied to the normalized value.
type FieldSpec struct {
	Name     string
	Kind     Kind
	Required bool
	Rule     string
	Choices  []string
}

// Schema is the closed set of fields accepted for one step.
type Schema struct {
	Step   int
	Name   string
	Fields []FieldSpec
}

// CheckoutStep is the last step that must be saved before checkout.
const CheckoutStep = 2

var schemas = []Schema{
	{
		Step: 1,
		Name: "basics",
		Fields: []FieldSpec{
			{Name: "age", Kind: KindInt, Required: true, Rule: "gte=13,lte=100"},
			{Name: "weight", Kind: KindNumber, Required: true, Rule: "gte=50,lte=700"},
			{Name: "height", Kind: KindNumber, Rule: "gte=36,lte=96"},
			{Name: "sex", Kind: KindEnum, Choices: []string{"male", "female", "other"}},
		},
	},
	{
		Step: 2,
		Name: "goals",
		Fields: []FieldSpec{
			{Name: "goal", Kind: KindEnum, Required: true, Choices: []string{"lose", "maintain", "gain"}},
			{Name: "target_weight", Kind: KindNumber, Rule: "gte=50,lte=700"},
			{Name: "activity_level", Kind: KindEnum, Choices: []string{"sedentary", "light", "moderate", "active", "very_active"}},
		},
	},
	{
		Step: 3,
		Name: "preferences",
		Fields: []FieldSpec{
			{Name: "diet", Kind: KindEnum, Choices: []string{"none", "vegetarian", "vegan", "keto", "paleo", "mediterranean"}},
			{Name: "meals_per_day", Kind: KindInt, Rule: "gte=1,lte=8"},
			{Name: "sleep_hours", Kind: KindNumber, Rule: "gte=0,lte=24"},
			{Name: "allergies", Kind: KindString, Rule: "max=200"},
			{Name: "first_name", Kind: KindString, Rule: "max=60"},
			{Name: "email", Kind: KindEmail, Rule: "max=254,email"},
		},
	},
}

// Count returns the number of form steps.
func Count() int { return len(schemas) }

// SchemaFor returns the schema for a step number.
func SchemaFor(step int) (Schema, bool) {
	if step < 1 || step > len(schemas) {
		return Schema{}, false
	}
	return schemas[step-1], true
}

// Schemas returns all step schemas in order.
func Schemas() []Schema {
	out := make([]Schema, len(schemas))
	copy(out, schemas)
	return out
}
