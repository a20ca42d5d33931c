package event

import "fmt"

const (
	UnitTokens     = "TOKENS"
	UnitCharacters = "CHARACTERS"
)

// Usage accepts both the canonical wire shape and the legacy token-count
// shape. Normalize folds the legacy fields into the canonical ones.
type Usage struct {
	Input  *int    `json:"input"`
	Output *int    `json:"output"`
	Total  *int    `json:"total"`
	Unit   *string `json:"unit"`

	PromptTokens     *int `json:"promptTokens"`
	CompletionTokens *int `json:"completionTokens"`
	TotalTokens      *int `json:"totalTokens"`
}

// NormalizedUsage is the canonical post-adapter shape processors consume.
type NormalizedUsage struct {
	Input  *int
	Output *int
	Total  *int
	Unit   string
}

func (u *Usage) validate() error {
	if u == nil {
		return nil
	}
	if u.Unit != nil {
		switch *u.Unit {
		case UnitTokens, UnitCharacters:
		default:
			return fmt.Errorf("unknown usage unit %q", *u.Unit)
		}
	}
	for _, field := range []struct {
		name  string
		value *int
	}{
		{"input", u.Input},
		{"output", u.Output},
		{"total", u.Total},
		{"promptTokens", u.PromptTokens},
		{"completionTokens", u.CompletionTokens},
		{"totalTokens", u.TotalTokens},
	} {
		if field.value != nil && *field.value < 0 {
			return fmt.Errorf("usage %s cannot be negative", field.name)
		}
	}
	return nil
}

// Normalize maps either accepted wire shape onto the canonical one. The
// legacy shape always means token units; canonical fields win when both
// shapes are present.
func (u *Usage) Normalize() *NormalizedUsage {
	if u == nil {
		return nil
	}

	normalized := &NormalizedUsage{
		Input:  u.Input,
		Output: u.Output,
		Total:  u.Total,
		Unit:   UnitTokens,
	}
	if u.Unit != nil {
		normalized.Unit = *u.Unit
	}
	if normalized.Input == nil {
		normalized.Input = u.PromptTokens
	}
	if normalized.Output == nil {
		normalized.Output = u.CompletionTokens
	}
	if normalized.Total == nil {
		normalized.Total = u.TotalTokens
	}
	return normalized
}
