// Package tokens estimates token counts for observation input/output when
// the SDK did not report usage. Estimates derive from character counts and
// per-model-family ratios, calibrated over time from reported usage.
package tokens

import (
	"encoding/json"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// defaultCharactersPerToken is conservative for English text with code.
// BPE tokenizers typically average 3.5-4.5 characters per token;
// overestimating is the safe direction for billing previews.
const defaultCharactersPerToken = 4.0

// defaultSmoothingFactor controls how quickly a family ratio adapts to
// reported usage. 0.3 means 30% weight on the new observation.
const defaultSmoothingFactor = 0.3

// perMessageOverheadTokens approximates the chat-format framing cost each
// message adds beyond its content.
const perMessageOverheadTokens = 4

type familyRatio struct {
	prefix             string
	charactersPerToken float64
	observationCount   int
}

// Estimator maps model names to character-per-token ratios by longest
// matching family prefix. Safe for concurrent use.
type Estimator struct {
	mu              sync.RWMutex
	families        []*familyRatio
	smoothingFactor float64
}

// NewEstimator seeds the registry with ratios for the common model
// families. Unknown models fall back to the default ratio.
func NewEstimator() *Estimator {
	return &Estimator{
		families: []*familyRatio{
			{prefix: "gpt-4", charactersPerToken: 4.0},
			{prefix: "gpt-3.5", charactersPerToken: 4.0},
			{prefix: "o1", charactersPerToken: 4.0},
			{prefix: "claude", charactersPerToken: 3.5},
			{prefix: "gemini", charactersPerToken: 4.0},
			{prefix: "llama", charactersPerToken: 3.6},
			{prefix: "mistral", charactersPerToken: 3.8},
			{prefix: "text-embedding", charactersPerToken: 4.0},
		},
		smoothingFactor: defaultSmoothingFactor,
	}
}

func (e *Estimator) lookup(model string) *familyRatio {
	model = strings.ToLower(strings.TrimSpace(model))
	var best *familyRatio
	for _, family := range e.families {
		if !strings.HasPrefix(model, family.prefix) {
			continue
		}
		if best == nil || len(family.prefix) > len(best.prefix) {
			best = family
		}
	}
	return best
}

func (e *Estimator) ratioFor(model string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if family := e.lookup(model); family != nil {
		return family.charactersPerToken
	}
	return defaultCharactersPerToken
}

// EstimateText returns the estimated token count for plain text. Always
// rounds up; overestimating beats underestimating.
func (e *Estimator) EstimateText(model, text string) int {
	return e.estimateCharacters(model, len(text))
}

func (e *Estimator) estimateCharacters(model string, characters int) int {
	if characters <= 0 {
		return 0
	}
	ratio := e.ratioFor(model)
	return int(float64(characters)/ratio) + 1
}

// EstimateContent estimates tokens for an observation input or output
// payload. Payloads shaped like OpenAI chat message arrays are costed
// message by message with framing overhead; bare JSON strings are costed
// as text; anything else is costed by its serialized length.
func (e *Estimator) EstimateContent(model string, raw json.RawMessage) int {
	if len(raw) == 0 || string(raw) == "null" {
		return 0
	}

	var messages []openai.ChatCompletionMessage
	if err := json.Unmarshal(raw, &messages); err == nil && len(messages) > 0 {
		total := 0
		for _, message := range messages {
			characters := len(message.Role) + len(message.Content) + len(message.Name)
			for _, part := range message.MultiContent {
				characters += len(part.Text)
			}
			if message.FunctionCall != nil {
				characters += len(message.FunctionCall.Name) + len(message.FunctionCall.Arguments)
			}
			for _, call := range message.ToolCalls {
				characters += len(call.Function.Name) + len(call.Function.Arguments)
			}
			total += e.estimateCharacters(model, characters) + perMessageOverheadTokens
		}
		return total
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return e.EstimateText(model, text)
	}

	return e.EstimateText(model, string(raw))
}

// ContentCharacters measures the characters EstimateContent would cost
// for a payload, using the same shape detection. Callers pair the result
// with a reported token count to calibrate ratios via RecordUsage.
func ContentCharacters(raw json.RawMessage) int {
	if len(raw) == 0 || string(raw) == "null" {
		return 0
	}

	var messages []openai.ChatCompletionMessage
	if err := json.Unmarshal(raw, &messages); err == nil && len(messages) > 0 {
		total := 0
		for _, message := range messages {
			total += len(message.Role) + len(message.Content) + len(message.Name)
			for _, part := range message.MultiContent {
				total += len(part.Text)
			}
			if message.FunctionCall != nil {
				total += len(message.FunctionCall.Name) + len(message.FunctionCall.Arguments)
			}
			for _, call := range message.ToolCalls {
				total += len(call.Function.Name) + len(call.Function.Arguments)
			}
		}
		return total
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return len(text)
	}

	return len(raw)
}

// RecordUsage calibrates the model's family ratio from reported usage.
// The first observation replaces the seeded ratio outright; later ones
// blend via exponential moving average.
func (e *Estimator) RecordUsage(model string, characters, actualTokens int) {
	if characters <= 0 || actualTokens <= 0 {
		return
	}
	observedRatio := float64(characters) / float64(actualTokens)

	e.mu.Lock()
	defer e.mu.Unlock()
	family := e.lookup(model)
	if family == nil {
		return
	}
	family.observationCount++
	if family.observationCount == 1 {
		family.charactersPerToken = observedRatio
		return
	}
	family.charactersPerToken = e.smoothingFactor*observedRatio +
		(1.0-e.smoothingFactor)*family.charactersPerToken
}
