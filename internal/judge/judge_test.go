package judge

import (
	"context"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docdex/internal/config"
	"github.com/sells-group/docdex/internal/model"
	"github.com/sells-group/docdex/pkg/anthropic"
)

// mockAnthropicClient implements anthropic.Client for testing.
type mockAnthropicClient struct {
	resp *anthropic.MessageResponse
	err  error
	reqs []anthropic.MessageRequest
}

func (m *mockAnthropicClient) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	m.reqs = append(m.reqs, req)
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		ID:         "msg_test",
		Content:    []anthropic.ContentBlock{{Type: "text", Text: text}},
		StopReason: "end_turn",
		Usage:      anthropic.TokenUsage{InputTokens: 100, OutputTokens: 20},
	}
}

func newTestJudge(mc *mockAnthropicClient) *AnthropicJudge {
	return NewAnthropicJudge(mc, config.AnthropicConfig{
		JudgeModel: "claude-haiku-4-5-20251001",
		MaxTokens:  512,
	})
}

func testContext() EntityContext {
	return EntityContext{
		EntityKey:    "wartsila w31",
		Hint:         "Wärtsilä W31 engine",
		DocumentType: model.DocTypeSpec,
	}
}

func testPage() CandidatePage {
	return CandidatePage{
		Candidate: model.Candidate{
			URL:     "https://docs.example.com/w31-datasheet",
			Title:   "Wartsila 31 Product Guide",
			Snippet: "Technical data for the W31 engine family",
		},
		Content: "Bore 310 mm, stroke 430 mm, cylinder output 610 kW...",
	}
}

func TestValidate_ParsesVerdict(t *testing.T) {
	mc := &mockAnthropicClient{
		resp: textResponse(`{"confidence": 0.92, "document_type": "spec", "reasoning": "official product guide"}`),
	}
	j := newTestJudge(mc)

	verdict, err := j.Validate(context.Background(), testContext(), testPage())
	require.NoError(t, err)
	require.NotNil(t, verdict)
	assert.InDelta(t, 0.92, verdict.Confidence, 0.0001)
	assert.Equal(t, model.DocTypeSpec, verdict.DocumentType)
	assert.Equal(t, "official product guide", verdict.Reasoning)
}

func TestValidate_RequestShape(t *testing.T) {
	mc := &mockAnthropicClient{
		resp: textResponse(`{"confidence": 0.5, "document_type": "spec", "reasoning": "partial"}`),
	}
	j := newTestJudge(mc)

	_, err := j.Validate(context.Background(), testContext(), testPage())
	require.NoError(t, err)
	require.Len(t, mc.reqs, 1)

	req := mc.reqs[0]
	assert.Equal(t, "claude-haiku-4-5-20251001", req.Model)
	assert.Equal(t, int64(512), req.MaxTokens)

	// Deterministic judging.
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.0, *req.Temperature)

	// Rubric goes out as a cached system block.
	require.Len(t, req.System, 1)
	require.NotNil(t, req.System[0].CacheControl)
	assert.Equal(t, "1h", req.System[0].CacheControl.TTL)

	// The user message carries the lookup and the candidate.
	require.Len(t, req.Messages, 1)
	msg := req.Messages[0].Content
	assert.Contains(t, msg, "wartsila w31")
	assert.Contains(t, msg, "Wärtsilä W31 engine")
	assert.Contains(t, msg, "https://docs.example.com/w31-datasheet")
	assert.Contains(t, msg, "Bore 310 mm")
}

func TestValidate_HintOmittedWhenSameAsKey(t *testing.T) {
	mc := &mockAnthropicClient{
		resp: textResponse(`{"confidence": 0.5, "document_type": "spec", "reasoning": "x"}`),
	}
	j := newTestJudge(mc)

	ec := testContext()
	ec.Hint = ec.EntityKey
	_, err := j.Validate(context.Background(), ec, testPage())
	require.NoError(t, err)

	msg := mc.reqs[0].Messages[0].Content
	assert.NotContains(t, msg, "As phrased by the requester")
}

func TestValidate_TruncatesLongContent(t *testing.T) {
	mc := &mockAnthropicClient{
		resp: textResponse(`{"confidence": 0.5, "document_type": "spec", "reasoning": "x"}`),
	}
	j := newTestJudge(mc)

	page := testPage()
	page.Content = strings.Repeat("a", maxContentChars+5000)
	_, err := j.Validate(context.Background(), testContext(), page)
	require.NoError(t, err)

	msg := mc.reqs[0].Messages[0].Content
	assert.Less(t, len(msg), maxContentChars+1000)
}

func TestValidate_SurroundingProse(t *testing.T) {
	mc := &mockAnthropicClient{
		resp: textResponse("Here is my verdict:\n" +
			`{"confidence": 0.75, "document_type": "procedure", "reasoning": "service manual"}` +
			"\nLet me know if you need anything else."),
	}
	j := newTestJudge(mc)

	verdict, err := j.Validate(context.Background(), testContext(), testPage())
	require.NoError(t, err)
	assert.InDelta(t, 0.75, verdict.Confidence, 0.0001)
	assert.Equal(t, model.DocTypeProcedure, verdict.DocumentType)
}

func TestValidate_ClampsConfidence(t *testing.T) {
	mc := &mockAnthropicClient{
		resp: textResponse(`{"confidence": 1.7, "document_type": "spec", "reasoning": "x"}`),
	}
	j := newTestJudge(mc)

	verdict, err := j.Validate(context.Background(), testContext(), testPage())
	require.NoError(t, err)
	assert.Equal(t, 1.0, verdict.Confidence)

	mc.resp = textResponse(`{"confidence": -0.3, "document_type": "spec", "reasoning": "x"}`)
	verdict, err = j.Validate(context.Background(), testContext(), testPage())
	require.NoError(t, err)
	assert.Equal(t, 0.0, verdict.Confidence)
}

func TestValidate_InvalidDocumentTypeFallsBack(t *testing.T) {
	mc := &mockAnthropicClient{
		resp: textResponse(`{"confidence": 0.8, "document_type": "manual", "reasoning": "x"}`),
	}
	j := newTestJudge(mc)

	verdict, err := j.Validate(context.Background(), testContext(), testPage())
	require.NoError(t, err)

	// Falls back to the type the requester asked for.
	assert.Equal(t, model.DocTypeSpec, verdict.DocumentType)
}

func TestValidate_ProviderErrorBubbles(t *testing.T) {
	mc := &mockAnthropicClient{err: eris.New("anthropic: create message: rate limited")}
	j := newTestJudge(mc)

	verdict, err := j.Validate(context.Background(), testContext(), testPage())
	require.Error(t, err)
	assert.Nil(t, verdict)
	assert.Contains(t, err.Error(), "judge: claude request")
}

func TestValidate_EmptyResponse(t *testing.T) {
	mc := &mockAnthropicClient{
		resp: &anthropic.MessageResponse{ID: "msg_empty", StopReason: "end_turn"},
	}
	j := newTestJudge(mc)

	_, err := j.Validate(context.Background(), testContext(), testPage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty claude response")
}

func TestValidate_NoJSONInResponse(t *testing.T) {
	mc := &mockAnthropicClient{
		resp: textResponse("I cannot evaluate this page."),
	}
	j := newTestJudge(mc)

	_, err := j.Validate(context.Background(), testContext(), testPage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no JSON in response")
}

func TestValidate_MalformedJSON(t *testing.T) {
	mc := &mockAnthropicClient{
		resp: textResponse(`{"confidence": "very high"}`),
	}
	j := newTestJudge(mc)

	_, err := j.Validate(context.Background(), testContext(), testPage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse response JSON")
}
