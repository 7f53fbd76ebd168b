package cost

// OpenAI image generation pricing, USD per image.
// Source: https://openai.com/api/pricing/

type PricingKey struct {
	Model   string
	Size    string
	Quality string
}

var openAIPricing = map[PricingKey]float64{
	{Model: "gpt-image-1", Size: "1024x1024", Quality: "low"}:    0.011,
	{Model: "gpt-image-1", Size: "1024x1024", Quality: "medium"}: 0.042,
	{Model: "gpt-image-1", Size: "1024x1024", Quality: "high"}:   0.167,

	{Model: "gpt-image-1", Size: "1536x1024", Quality: "low"}:    0.016,
	{Model: "gpt-image-1", Size: "1536x1024", Quality: "medium"}: 0.063,
	{Model: "gpt-image-1", Size: "1536x1024", Quality: "high"}:   0.250,

	{Model: "gpt-image-1", Size: "1024x1536", Quality: "low"}:    0.016,
	{Model: "gpt-image-1", Size: "1024x1536", Quality: "medium"}: 0.063,
	{Model: "gpt-image-1", Size: "1024x1536", Quality: "high"}:   0.250,
}

// fallbackPricing is the per-image price used when a size or quality is not
// in the table.
var fallbackPricing = map[string]float64{
	"gpt-image-1": 0.042,
}

func GetOpenAIPrice(model, size, quality string) (float64, bool) {
	price, ok := openAIPricing[PricingKey{Model: model, Size: size, Quality: quality}]
	return price, ok
}
