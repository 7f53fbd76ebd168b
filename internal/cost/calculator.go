package cost

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	CurrencyUSD = "USD"
)

// Estimate is the expected spend for one generate call.
type Estimate struct {
	PerImage float64 `json:"per_image"`
	Total    float64 `json:"total"`
	Currency string  `json:"currency"`
	// Known is false when no price is known for the model.
	Known bool `json:"known"`
}

type Calculator struct {
	overrides map[PricingKey]float64
}

func NewCalculator() *Calculator {
	return &Calculator{overrides: map[PricingKey]float64{}}
}

// Calculate prices count images of the given model, size and quality.
// Overrides win over the built-in table, which wins over the model fallback.
func (c *Calculator) Calculate(model, size, quality string, count int) Estimate {
	perImage, known := c.lookup(model, size, quality)
	return Estimate{
		PerImage: perImage,
		Total:    perImage * float64(count),
		Currency: CurrencyUSD,
		Known:    known,
	}
}

func (c *Calculator) lookup(model, size, quality string) (float64, bool) {
	key := PricingKey{Model: model, Size: size, Quality: quality}
	if price, ok := c.overrides[key]; ok {
		return price, true
	}
	if price, ok := GetOpenAIPrice(model, size, quality); ok {
		return price, true
	}
	price, ok := fallbackPricing[model]
	return price, ok
}

// SetPrice overrides the price of one model, size and quality combination.
func (c *Calculator) SetPrice(model, size, quality string, price float64) {
	c.overrides[PricingKey{Model: model, Size: size, Quality: quality}] = price
}

type pricingFile struct {
	Image map[string]map[string]float64 `yaml:"image"`
}

// LoadOverrides reads price overrides of the form
//
//	image:
//	  gpt-image-1:
//	    1024x1024/high: 0.19
func (c *Calculator) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("pricing: read %s: %w", path, err)
	}
	var f pricingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("pricing: decode %s: %w", path, err)
	}
	for model, prices := range f.Image {
		for key, price := range prices {
			size, quality, ok := strings.Cut(key, "/")
			if !ok || size == "" || quality == "" {
				return fmt.Errorf("pricing: %s: key %q is not size/quality", model, key)
			}
			if price < 0 {
				return fmt.Errorf("pricing: %s %s: negative price", model, key)
			}
			c.SetPrice(model, size, quality, price)
		}
	}
	return nil
}
