package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PricingTable holds unit prices in the smallest currency unit, keyed by material then size.
type PricingTable struct {
	Currency  string                      `yaml:"currency"`
	Materials map[string]map[string]int64 `yaml:"materials"`
	Shipping  map[string]int64            `yaml:"shipping"`
}

// DefaultPricing is used when PRICING_FILE is not set.
func DefaultPricing(currency string) *PricingTable {
	return &PricingTable{
		Currency: currency,
		Materials: map[string]map[string]int64{
			"pla": {
				"small":  590,
				"medium": 990,
				"large":  1690,
			},
			"petg": {
				"small":  690,
				"medium": 1190,
				"large":  1990,
			},
			"resin": {
				"small":  990,
				"medium": 1690,
				"large":  2890,
			},
		},
		Shipping: map[string]int64{
			"standard": 100,
			"express":  250,
		},
	}
}

// LoadPricing reads a YAML price table from path. An empty path yields the built-in table.
func LoadPricing(path, currency string) (*PricingTable, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPricing(currency), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}
	return ParsePricing(raw, currency)
}

func ParsePricing(raw []byte, currency string) (*PricingTable, error) {
	var table PricingTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file: %w", err)
	}
	if table.Currency == "" {
		table.Currency = currency
	}
	normalized := make(map[string]map[string]int64, len(table.Materials))
	for material, sizes := range table.Materials {
		m := strings.ToLower(strings.TrimSpace(material))
		normalized[m] = make(map[string]int64, len(sizes))
		for size, price := range sizes {
			if price <= 0 {
				return nil, fmt.Errorf("price for %s/%s must be positive", material, size)
			}
			normalized[m][strings.ToLower(strings.TrimSpace(size))] = price
		}
	}
	table.Materials = normalized
	if len(table.Materials) == 0 {
		return nil, fmt.Errorf("pricing file defines no materials")
	}
	if table.Shipping == nil {
		table.Shipping = DefaultPricing(currency).Shipping
	}
	return &table, nil
}

// UnitPrice looks up the price for a material and size.
func (t *PricingTable) UnitPrice(material, size string) (int64, error) {
	sizes, ok := t.Materials[strings.ToLower(material)]
	if !ok {
		return 0, fmt.Errorf("unknown material %q", material)
	}
	price, ok := sizes[strings.ToLower(size)]
	if !ok {
		return 0, fmt.Errorf("unknown size %q for material %q", size, material)
	}
	return price, nil
}

func (t *PricingTable) ShippingCost(method string) (int64, error) {
	cost, ok := t.Shipping[strings.ToLower(method)]
	if !ok {
		return 0, fmt.Errorf("unknown shipping method %q", method)
	}
	return cost, nil
}
