package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/kumonrecept/turnpipe/pkg/errs"
)

// HTTPGateway sends messages to the WhatsApp provider over HTTP, wrapped
// in a circuit breaker so a struggling provider fails fast instead of
// piling up blocked delivery workers.
type HTTPGateway struct {
	baseURL   string
	authToken string
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker
	log       *zap.Logger
}

// Options tunes the circuit breaker. MaxFail and Cooldown default to a
// fast-fail, quick-recovery profile (3 consecutive failures trips, ~15s
// before a half-open probe) matching typical provider-outage behavior.
type Options struct {
	Timeout  time.Duration
	MaxFail  uint32
	Cooldown time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.MaxFail == 0 {
		o.MaxFail = 3
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 15 * time.Second
	}
	return o
}

// NewHTTPGateway builds a gateway client targeting baseURL, authenticating
// with a bearer token.
func NewHTTPGateway(baseURL, authToken string, opts Options, log *zap.Logger) *HTTPGateway {
	opts = opts.withDefaults()

	breakerSettings := gobreaker.Settings{
		Name:        "whatsapp-gateway",
		MaxRequests: 1,
		Timeout:     opts.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFail
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("gateway circuit breaker state change",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	return &HTTPGateway{
		baseURL:   baseURL,
		authToken: authToken,
		client:    &http.Client{Timeout: opts.Timeout},
		breaker:   gobreaker.NewCircuitBreaker(breakerSettings),
		log:       log,
	}
}

type sendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (g *HTTPGateway) Send(ctx context.Context, payload OutboundPayload) (ProviderResult, error) {
	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.send(ctx, payload)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return ProviderResult{}, errs.New(errs.KindGatewayTransient, "gateway.Send", err)
		}
		return ProviderResult{}, err
	}
	return result.(ProviderResult), nil
}

func (g *HTTPGateway) send(ctx context.Context, payload OutboundPayload) (ProviderResult, error) {
	reqBody := sendRequest{
		MessagingProduct: "whatsapp",
		To:               payload.To,
		Type:             "text",
	}
	reqBody.Text.Body = payload.Text

	data, err := json.Marshal(reqBody)
	if err != nil {
		return ProviderResult{}, errs.New(errs.KindInternalBug, "gateway.send", fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return ProviderResult{}, errs.New(errs.KindInternalBug, "gateway.send", fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.authToken)

	resp, err := g.client.Do(req)
	if err != nil {
		return ProviderResult{}, errs.New(errs.KindGatewayTransient, "gateway.send", fmt.Errorf("request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ProviderResult{}, errs.New(errs.KindGatewayTransient, "gateway.send", fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 500 {
		return ProviderResult{}, errs.New(errs.KindGatewayTransient, "gateway.send",
			fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body)))
	}
	if resp.StatusCode >= 400 {
		return ProviderResult{}, errs.New(errs.KindGatewayPermanent, "gateway.send",
			fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body)))
	}

	var result sendResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return ProviderResult{}, errs.New(errs.KindGatewayPermanent, "gateway.send", fmt.Errorf("unmarshal response: %w", err))
	}
	if result.Error != nil {
		return ProviderResult{}, errs.New(errs.KindGatewayPermanent, "gateway.send", fmt.Errorf("provider error: %s", result.Error.Message))
	}
	if len(result.Messages) == 0 {
		return ProviderResult{}, errs.New(errs.KindGatewayPermanent, "gateway.send", fmt.Errorf("provider returned no message id"))
	}

	g.log.Debug("gateway send succeeded", zap.String("to", payload.To), zap.String("provider_message_id", result.Messages[0].ID))

	return ProviderResult{ProviderMessageID: result.Messages[0].ID, Status: "sent"}, nil
}
