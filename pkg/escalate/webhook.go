package escalate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/teslamotors/vehicle-opener/internal/log"
	"github.com/teslamotors/vehicle-opener/internal/retry"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	maxFailures           = 3
)

var (
	ErrWebhookStatus = errors.New("webhook returned error status")
	ErrCircuitOpen   = errors.New("webhook circuit open")
)

type WebhookConfig struct {
	URL      string        `yaml:"url"`
	Token    string        `yaml:"-"`
	Timeout  time.Duration `yaml:"timeout"`
	Retry    retry.Policy  `yaml:"retry"`
	Cooldown time.Duration `yaml:"cooldown"` // how long the breaker stays open before trying again
}

// Webhook POSTs incidents as JSON. Repeated failures open a circuit breaker so a dead endpoint
// is not hammered from every escalation.
type Webhook struct {
	config  WebhookConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
}

func NewWebhook(cfg WebhookConfig, client *http.Client) *Webhook {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warning("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})
	return &Webhook{config: cfg, client: client, breaker: breaker}
}

func (w *Webhook) Escalate(ctx context.Context, incident Incident) error {
	body, err := json.Marshal(incident)
	if err != nil {
		return err
	}
	retryable := func(err error) bool {
		return !errors.Is(err, ErrCircuitOpen)
	}
	return retry.Do(ctx, w.config.Retry, retryable, func(ctx context.Context) error {
		_, err := w.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, w.post(ctx, body)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %w", ErrCircuitOpen, err)
		}
		return err
	})
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.config.Token)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s", ErrWebhookStatus, resp.Status)
	}
	return nil
}

// State returns the breaker state for status output.
func (w *Webhook) State() gobreaker.State {
	return w.breaker.State()
}
