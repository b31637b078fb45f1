package turns

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// systemPrompt instructs the auxiliary model to classify one caller turn.
// The response contract mirrors Classification so parsing stays trivial.
const systemPrompt = `You classify one caller utterance from a taxi-booking phone call relative to the assistant's last question.

Relationships:
- direct_answer: the utterance answers the question asked
- correction: the caller is fixing something said earlier
- confirmation_yes / confirmation_no: the caller accepts or rejects a read-back
- irrelevant: small talk or unrelated speech
- unclear: cannot tell

Slots: pickup, destination, passengers, pickup_time.

Respond with ONLY a JSON object (no markdown, no prose):
{"relationship": "<one of the above>", "slot": "<slot or empty>", "value": "<value or empty>", "confidence": <0.0-1.0>}`

// llmVerdict is the expected JSON shape of the model reply.
type llmVerdict struct {
	Relationship string  `json:"relationship"`
	Slot         string  `json:"slot"`
	Value        string  `json:"value"`
	Confidence   float64 `json:"confidence"`
}

// Compile-time assertion that LLMAnalyzer satisfies Analyzer.
var _ Analyzer = (*LLMAnalyzer)(nil)

// LLMAnalyzer classifies turns with a small chat model. Any failure — network,
// timeout, unparseable reply — degrades to the rule-based classifier so the
// call never stalls on the auxiliary model.
type LLMAnalyzer struct {
	client   oai.Client
	model    string
	fallback *RuleAnalyzer
}

// NewLLMAnalyzer constructs an analyzer backed by the given model.
func NewLLMAnalyzer(apiKey, model string, opts ...option.RequestOption) (*LLMAnalyzer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("turns: apiKey must not be empty")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &LLMAnalyzer{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		fallback: NewRuleAnalyzer(),
	}, nil
}

// Analyze implements Analyzer.
func (a *LLMAnalyzer) Analyze(ctx context.Context, question string, kind ExpectedKind, utterance string) Classification {
	user := fmt.Sprintf("Assistant asked: %q\nExpected answer kind: %s\nCaller said: %q",
		question, kindName(kind), utterance)

	resp, err := a.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:       shared.ChatModel(a.model),
		Temperature: param.NewOpt(0.0),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
			oai.UserMessage(user),
		},
	})
	if err != nil {
		slog.Warn("turn analyzer LLM call failed, using rules", "err", err)
		return a.fallback.Analyze(ctx, question, kind, utterance)
	}
	if len(resp.Choices) == 0 {
		return a.fallback.Analyze(ctx, question, kind, utterance)
	}

	verdict, err := parseVerdict(resp.Choices[0].Message.Content)
	if err != nil {
		slog.Warn("turn analyzer reply unparseable, using rules", "err", err)
		return a.fallback.Analyze(ctx, question, kind, utterance)
	}
	return verdict
}

func parseVerdict(content string) (Classification, error) {
	content = strings.TrimSpace(content)
	// Tolerate models that wrap the JSON in a code fence anyway.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var v llmVerdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &v); err != nil {
		return Classification{}, fmt.Errorf("turns: decode verdict: %w", err)
	}

	rel := Unclear
	for k, name := range relationshipNames {
		if name == v.Relationship {
			rel = k
			break
		}
	}
	conf := v.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return Classification{Relationship: rel, Slot: v.Slot, Value: v.Value, Confidence: conf}, nil
}

func kindName(kind ExpectedKind) string {
	switch kind {
	case ExpectPickup:
		return "pickup address"
	case ExpectDestination:
		return "destination address"
	case ExpectPassengers:
		return "passenger count"
	case ExpectPickupTime:
		return "pickup time"
	case ExpectConfirmation:
		return "yes/no confirmation"
	default:
		return "none"
	}
}
