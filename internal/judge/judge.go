package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docdex/internal/config"
	"github.com/sells-group/docdex/internal/model"
	"github.com/sells-group/docdex/pkg/anthropic"
)

// maxContentChars is the truncation limit for the page content sent to Claude.
const maxContentChars = 16000 // ~4K tokens

// systemPrompt is the scoring rubric. It is sent as a cached system block,
// so its wording changes cost a cache rebuild.
const systemPrompt = `You are validating whether a web page is the authoritative reference document for a specific piece of equipment, software, or part.

You will receive the entity being looked up, the wanted document type, and one candidate page (URL, title, search snippet, and fetched content).

Score how confident you are that this page IS the wanted reference document:
- 0.9-1.0: the official document itself (manufacturer datasheet, vendor service manual, maintainer-published spec)
- 0.7-0.9: authoritative but indirect (official product page hosting the document, mirrored copy on a reputable archive)
- 0.4-0.7: relevant but secondary (forum thread quoting the document, reseller page with partial specifications)
- 0.0-0.4: wrong entity, wrong document type, paywalled stub, or content farm

Respond with ONLY valid JSON, no other text:
{"confidence": 0.0, "document_type": "spec|procedure|tip|part_reference", "reasoning": "brief explanation"}`

type judgeResponse struct {
	Confidence   float64 `json:"confidence"`
	DocumentType string  `json:"document_type"`
	Reasoning    string  `json:"reasoning"`
}

// EntityContext describes what the requester is looking for.
type EntityContext struct {
	EntityKey    string
	Hint         string // the requester's raw phrasing, when it differs from the key
	DocumentType model.DocumentType
}

// CandidatePage pairs a search hit with its fetched page content.
type CandidatePage struct {
	model.Candidate
	Content string
}

// Judgment is the verdict on one candidate. A low confidence is a valid
// terminal answer, not a failure.
type Judgment struct {
	Confidence   float64
	DocumentType model.DocumentType
	Reasoning    string
}

// Judge scores how well a candidate page answers an entity lookup.
type Judge interface {
	Validate(ctx context.Context, ec EntityContext, page CandidatePage) (*Judgment, error)
}

// AnthropicJudge validates candidates with one scored Claude call each.
type AnthropicJudge struct {
	ai        anthropic.Client
	model     string
	maxTokens int64
	system    []anthropic.SystemBlock
}

// NewAnthropicJudge builds a Judge backed by the configured Claude model.
func NewAnthropicJudge(ai anthropic.Client, cfg config.AnthropicConfig) *AnthropicJudge {
	return &AnthropicJudge{
		ai:        ai,
		model:     cfg.JudgeModel,
		maxTokens: int64(cfg.MaxTokens),
		system:    anthropic.BuildCachedSystemBlocks(systemPrompt),
	}
}

// Validate sends one candidate to Claude and parses the verdict. Provider
// errors bubble up unchanged for the caller to classify; they are never
// folded into a low score.
func (j *AnthropicJudge) Validate(ctx context.Context, ec EntityContext, page CandidatePage) (*Judgment, error) {
	temp := 0.0
	resp, err := j.ai.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       j.model,
		MaxTokens:   j.maxTokens,
		System:      j.system,
		Messages:    []anthropic.Message{{Role: "user", Content: buildUserMessage(ec, page)}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrap(err, "judge: claude request")
	}

	resp.Usage.LogCost(j.model, "validation")

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, eris.New("judge: empty claude response")
	}

	judgment, err := parseJudgment(text)
	if err != nil {
		return nil, err
	}
	if !model.ValidDocumentType(judgment.DocumentType) {
		// The model sometimes echoes the enum list or invents a type.
		judgment.DocumentType = ec.DocumentType
	}
	return judgment, nil
}

// buildUserMessage renders the lookup and one candidate into the judge's input.
func buildUserMessage(ec EntityContext, page CandidatePage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Entity: %s\n", ec.EntityKey)
	if ec.Hint != "" && ec.Hint != ec.EntityKey {
		fmt.Fprintf(&b, "As phrased by the requester: %s\n", ec.Hint)
	}
	fmt.Fprintf(&b, "Wanted document type: %s\n\n", ec.DocumentType)
	fmt.Fprintf(&b, "Candidate URL: %s\n", page.URL)
	fmt.Fprintf(&b, "Candidate title: %s\n", page.Title)
	if page.Snippet != "" {
		fmt.Fprintf(&b, "Search snippet: %s\n", page.Snippet)
	}

	content := page.Content
	if len(content) > maxContentChars {
		content = content[:maxContentChars]
	}
	if content != "" {
		fmt.Fprintf(&b, "\nPage content:\n%s", content)
	}
	return b.String()
}

// parseJudgment extracts the JSON verdict from the model's reply, which may
// carry stray prose around the JSON object.
func parseJudgment(text string) (*Judgment, error) {
	jsonStart := strings.Index(text, "{")
	jsonEnd := strings.LastIndex(text, "}")
	if jsonStart < 0 || jsonEnd < 0 || jsonEnd <= jsonStart {
		return nil, eris.Errorf("judge: no JSON in response: %s", text)
	}

	var result judgeResponse
	if err := json.Unmarshal([]byte(text[jsonStart:jsonEnd+1]), &result); err != nil {
		return nil, eris.Wrap(err, "judge: parse response JSON")
	}

	// Clamp confidence to [0, 1].
	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}

	return &Judgment{
		Confidence:   result.Confidence,
		DocumentType: model.DocumentType(result.DocumentType),
		Reasoning:    result.Reasoning,
	}, nil
}
