// Package notify delivers acquisition lifecycle events to the front-end
// over a webhook. Delivery is best-effort: a failed notification is logged
// and dropped, never propagated into the pipeline that raised it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docdex/internal/config"
	"github.com/sells-group/docdex/internal/model"
)

// EventType identifies the kind of notification.
type EventType string

const (
	EventVerificationPrompt   EventType = "verification_prompt"
	EventAcquisitionResolved  EventType = "acquisition_resolved"
	EventAcquisitionExhausted EventType = "acquisition_exhausted"
)

// Event is the webhook payload.
type Event struct {
	Type         EventType      `json:"type"`
	RequestID    string         `json:"request_id"`
	EntityKey    string         `json:"entity_key"`
	DocumentType string         `json:"document_type"`
	RequesterRef string         `json:"requester_ref,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Notifier announces acquisition outcomes out-of-band.
type Notifier interface {
	// VerificationPrompt asks a human to accept or reject the best candidate.
	VerificationPrompt(ctx context.Context, req *model.AcquisitionRequest, cand *model.Candidate)
	// AcquisitionResolved announces a completed acquisition to its requester.
	AcquisitionResolved(ctx context.Context, req *model.AcquisitionRequest, atom *model.KnowledgeAtom)
	// AcquisitionExhausted announces that the retry ladder ran out.
	AcquisitionExhausted(ctx context.Context, req *model.AcquisitionRequest)
}

// WebhookNotifier posts events to a configured URL. An empty URL turns
// every send into a no-op, so callers never need a nil check.
type WebhookNotifier struct {
	cfg    config.NotifyConfig
	client *http.Client
}

// NewWebhookNotifier creates a notifier from config.
func NewWebhookNotifier(cfg config.NotifyConfig) *WebhookNotifier {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (n *WebhookNotifier) VerificationPrompt(ctx context.Context, req *model.AcquisitionRequest, cand *model.Candidate) {
	ev := eventFor(EventVerificationPrompt, req)
	if cand != nil {
		ev.Details = map[string]any{
			"candidate_title": cand.Title,
			"candidate_url":   cand.URL,
			"confidence":      cand.Confidence,
		}
	}
	n.send(ctx, ev)
}

func (n *WebhookNotifier) AcquisitionResolved(ctx context.Context, req *model.AcquisitionRequest, atom *model.KnowledgeAtom) {
	// Resolutions only matter to whoever is waiting on them.
	if req.RequesterRef == "" {
		return
	}
	ev := eventFor(EventAcquisitionResolved, req)
	if atom != nil {
		ev.Details = map[string]any{
			"atom_id":    atom.ID,
			"title":      atom.Title,
			"source_url": atom.SourceURL,
			"confidence": atom.Confidence,
		}
	}
	n.send(ctx, ev)
}

func (n *WebhookNotifier) AcquisitionExhausted(ctx context.Context, req *model.AcquisitionRequest) {
	if req.RequesterRef == "" {
		return
	}
	ev := eventFor(EventAcquisitionExhausted, req)
	ev.Details = map[string]any{
		"retry_count": req.RetryCount,
		"reason":      req.RetryReason,
	}
	n.send(ctx, ev)
}

func eventFor(t EventType, req *model.AcquisitionRequest) Event {
	return Event{
		Type:         t,
		RequestID:    req.ID,
		EntityKey:    req.EntityKey,
		DocumentType: string(req.DocumentType),
		RequesterRef: req.RequesterRef,
		Timestamp:    time.Now().UTC(),
	}
}

// send posts one event, logging instead of failing.
func (n *WebhookNotifier) send(ctx context.Context, ev Event) {
	if n.cfg.WebhookURL == "" {
		return
	}

	if err := n.post(ctx, ev); err != nil {
		zap.L().Error("notify: send failed",
			zap.String("type", string(ev.Type)),
			zap.String("request_id", ev.RequestID),
			zap.Error(err),
		)
		return
	}
	zap.L().Info("notify: event sent",
		zap.String("type", string(ev.Type)),
		zap.String("request_id", ev.RequestID),
		zap.String("entity_key", ev.EntityKey),
	)
}

func (n *WebhookNotifier) post(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "notify: marshal event")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.Secret != "" {
		req.Header.Set("X-Docdex-Secret", n.cfg.Secret)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
