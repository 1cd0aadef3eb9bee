package llm

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tariffdesk/rates-cli/internal/adapter"
	"github.com/tariffdesk/rates-cli/internal/model"
)

const extractSystem = `You extract tariff and VAT rate facts from official publications.
Respond with only a JSON array. Each element must have these string fields:
destination (ISO country code), partner (ISO country code or empty),
product_key (HS6 code or empty), rule_kind (e.g. "mfn", "standard_vat"),
value (decimal number as a string), currency (ISO 4217 or empty),
effective_from (YYYY-MM-DD), effective_to (YYYY-MM-DD or empty).
Omit rates the document does not state explicitly. No prose, no markdown.`

// Extractor turns an unstructured document into observations by asking
// the model for the adapter's JSON wire format and then running the
// result through the same validation as any other JSON feed.
type Extractor struct {
	client    Client
	model     string
	maxTokens int64
	log       *zap.Logger
}

// NewExtractor creates an Extractor using the given client and model.
func NewExtractor(client Client, modelID string, maxTokens int64) *Extractor {
	if maxTokens == 0 {
		maxTokens = 4096
	}
	return &Extractor{
		client:    client,
		model:     modelID,
		maxTokens: maxTokens,
		log:       zap.L().With(zap.String("component", "llm.extractor")),
	}
}

// Extract parses document text into observations attributed to
// sourceRef. Malformed elements in the model's output are skipped the
// same way malformed feed rows are.
func (e *Extractor) Extract(ctx context.Context, document, sourceRef string) ([]model.Observation, error) {
	completion, err := e.client.Complete(ctx, CompletionRequest{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		System:    extractSystem,
		Prompt:    document,
	})
	if err != nil {
		return nil, eris.Wrap(err, "llm: extract rates")
	}
	completion.Usage.LogUsage(e.model, "extract")

	payload := stripFences(completion.Text)
	res, err := adapter.ParseJSON(ctx, strings.NewReader(payload), adapter.Mapping{}, sourceRef)
	if err != nil {
		return nil, eris.Wrap(err, "llm: parse extracted rates")
	}
	if res.Skipped > 0 {
		e.log.Warn("model produced malformed elements",
			zap.String("source", sourceRef),
			zap.Int("skipped", res.Skipped),
		)
	}
	return res.Observations, nil
}

// stripFences removes a markdown code fence if the model added one
// despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
