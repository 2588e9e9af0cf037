package payments

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed tiers.yaml
var defaultTiers []byte

// Tier is a purchasable product level.
type Tier struct {
	ID          string `yaml:"id" json:"tierId"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	PriceCents  int64  `yaml:"price_cents" json:"priceCents"`
	Currency    string `yaml:"currency" json:"currency"`
	MaxTokens   int    `yaml:"max_tokens" json:"-"`
	Detailed    bool   `yaml:"detailed" json:"-"`
}

// Catalog is the ordered, read-only set of tiers.
type Catalog struct {
	tiers []Tier
	byID  map[string]Tier
}

type catalogFile struct {
	Tiers []Tier `yaml:"tiers"`
}

// LoadCatalog reads tiers from path, or the embedded defaults when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultTiers
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read tiers file: %w", err)
		}
		data = raw
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML tier list.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tiers: %w", err)
	}
	if len(file.Tiers) == 0 {
		return nil, fmt.Errorf("parse tiers: no tiers defined")
	}
	c := &Catalog{byID: make(map[string]Tier, len(file.Tiers))}
	for _, t := range file.Tiers {
		t.ID = strings.TrimSpace(t.ID)
		t.Currency = strings.ToUpper(strings.TrimSpace(t.Currency))
		switch {
		case t.ID == "":
			return nil, fmt.Errorf("parse tiers: tier without id")
		case t.PriceCents <= 0:
			return nil, fmt.Errorf("parse tiers: tier %s has no price", t.ID)
		case len(t.Currency) != 3:
			return nil, fmt.Errorf("parse tiers: tier %s has invalid currency %q", t.ID, t.Currency)
		}
		if _, dup := c.byID[t.ID]; dup {
			return nil, fmt.Errorf("parse tiers: duplicate tier %s", t.ID)
		}
		if t.MaxTokens <= 0 {
			t.MaxTokens = 1200
		}
		c.byID[t.ID] = t
		c.tiers = append(c.tiers, t)
	}
	return c, nil
}

// List returns tiers in display order.
func (c *Catalog) List() []Tier {
	out := make([]Tier, len(c.tiers))
	copy(out, c.tiers)
	return out
}

// Get returns a tier by id.
func (c *Catalog) Get(id string) (Tier, bool) {
	t, ok := c.byID[strings.TrimSpace(id)]
	return t, ok
}

// MaxTokens returns the report token budget for a tier, or 0 if unknown.
func (c *Catalog) MaxTokens(tierID string) int {
	if t, ok := c.Get(tierID); ok {
		return t.MaxTokens
	}
	return 0
}

// FormatAmount renders cents as a decimal string such as "19.00".
func FormatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
