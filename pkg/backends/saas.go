package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hostpanel/hostpanel/pkg/config"
	"github.com/hostpanel/hostpanel/pkg/engine"
	"github.com/hostpanel/hostpanel/pkg/resources"
)

// ProvisionRequest is the body posted to the provisioning webhook.
type ProvisionRequest struct {
	Action  engine.Action `json:"action"`
	Service string        `json:"service"`
	Name    string        `json:"name"`
	Account string        `json:"account"`
	Site    string        `json:"site,omitempty"`
}

// SaaSWebhook provisions hosted applications by calling a webhook.
type SaaSWebhook struct {
	base
	settings config.SaaSSettings
	client   *http.Client
}

// NewSaaSWebhook creates the saas-webhook backend.
func NewSaaSWebhook(s config.SaaSSettings) *SaaSWebhook {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SaaSWebhook{
		base:     base{name: "saas-webhook", kind: resources.KindSaaS},
		settings: s,
		client:   &http.Client{Timeout: timeout},
	}
}

// BuildContext exposes the hosted application and the webhook endpoint.
func (w *SaaSWebhook) BuildContext(r engine.Resource) (engine.Context, error) {
	svc, ok := r.(*resources.SaaS)
	if !ok {
		return nil, typeError(w.name, r)
	}
	return engine.Context{
		"service":  svc.Service,
		"name":     svc.Name,
		"account":  svc.Account,
		"site":     svc.Site,
		"endpoint": w.settings.Endpoint,
	}, nil
}

// Prepare is a no-op; the webhook keeps no shared host state.
func (w *SaaSWebhook) Prepare(context.Context, *engine.Batch, *engine.Script) error { return nil }

// Commit is a no-op; each request is applied by the remote service.
func (w *SaaSWebhook) Commit(context.Context, *engine.Batch, *engine.Script) error { return nil }

// Save queues a provisioning request that creates or updates the application.
func (w *SaaSWebhook) Save(_ context.Context, _ *engine.Batch, r engine.Resource, s *engine.Script) error {
	return w.call(r, engine.ActionSave, s)
}

// Delete queues a provisioning request that removes the application.
func (w *SaaSWebhook) Delete(_ context.Context, _ *engine.Batch, r engine.Resource, s *engine.Script) error {
	return w.call(r, engine.ActionDelete, s)
}

func (w *SaaSWebhook) call(r engine.Resource, action engine.Action, s *engine.Script) error {
	ctx, err := w.BuildContext(r)
	if err != nil {
		return err
	}
	if w.settings.Endpoint == "" {
		return engine.NewConfigurationError("saas endpoint is not configured", nil).
			WithBackend(w.name).WithResource(r.Key())
	}
	req := ProvisionRequest{
		Action:  action,
		Service: ctx.String("service"),
		Name:    ctx.String("name"),
		Account: ctx.String("account"),
		Site:    ctx.String("site"),
	}
	s.AppendCall(fmt.Sprintf("%s %s %s", w.name, action, r.Key()), w.post, req)
	return nil
}

func (w *SaaSWebhook) post(ctx context.Context, args ...any) error {
	if len(args) != 1 {
		return fmt.Errorf("expected one provisioning request, got %d arguments", len(args))
	}
	body, err := json.Marshal(args[0])
	if err != nil {
		return fmt.Errorf("failed to encode provisioning request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.settings.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build provisioning request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.settings.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.settings.Token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("provisioning request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provisioning endpoint returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	log.Debug().Str("endpoint", w.settings.Endpoint).Int("status", resp.StatusCode).Msg("Provisioning request accepted")
	return nil
}

var _ engine.Backend = (*SaaSWebhook)(nil)
