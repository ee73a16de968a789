package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"grantflow/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook posts messages as JSON to one configured endpoint.
type Webhook struct {
	hook    config.WebhookConfig
	filter  eventFilter
	client  *http.Client
	limiter *rate.Limiter
}

func NewWebhook(hook config.WebhookConfig) *Webhook {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	w := &Webhook{
		hook:   hook,
		filter: newEventFilter(hook.Events),
		client: &http.Client{Timeout: timeout},
	}
	if hook.RatePerSecond > 0 {
		burst := int(hook.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(hook.RatePerSecond), burst)
	}
	return w
}

// Webhooks builds a notifier per active hook.
func Webhooks(hooks []config.WebhookConfig) []Notifier {
	var out []Notifier
	for _, h := range hooks {
		if h.Active() {
			out = append(out, NewWebhook(h))
		}
	}
	return out
}

type webhookBody struct {
	ID         string   `json:"id"`
	Event      string   `json:"event"`
	Step       string   `json:"step,omitempty"`
	Subject    string   `json:"subject"`
	From       string   `json:"from,omitempty"`
	Recipients []string `json:"recipients"`
	Message    Message  `json:"message"`
}

func (w *Webhook) Notify(ctx context.Context, msg Message) error {
	if !w.filter.match(msg.Event) {
		return nil
	}
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("webhook %s: %w", w.hook.URL, err)
		}
	}
	data, err := json.Marshal(webhookBody{
		ID:         msg.ID,
		Event:      msg.Event,
		Step:       msg.Step,
		Subject:    msg.Subject,
		From:       msg.From,
		Recipients: msg.Addresses(),
		Message:    msg,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Grantflow-Event", msg.Event)
	req.Header.Set("X-Grantflow-Delivery", msg.ID)
	req.Header.Set("X-Grantflow-Proposal", msg.Proposal.ID)
	if strings.TrimSpace(w.hook.Secret) != "" {
		req.Header.Set("X-Grantflow-Secret", w.hook.Secret)
	}
	res, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.hook.URL, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", w.hook.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
