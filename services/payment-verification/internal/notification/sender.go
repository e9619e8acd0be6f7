// services/payment-verification/internal/notification/sender.go
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Sivazam/pHLynk-sub002/shared/pkg/logger"
)

type TemplateType string

const (
	TemplateRetailer   TemplateType = "retailer"
	TemplateWholesaler TemplateType = "wholesaler"
)

// Sender dispatches SMS messages. Callers treat failures as non-fatal.
type Sender interface {
	SendPaymentConfirmationSMS(ctx context.Context, phone string, template TemplateType, vars map[string]string) error
	SendSecurityAlertSMS(ctx context.Context, phone string, vars map[string]string) error
}

type Config struct {
	GatewayURL    string        `mapstructure:"gateway_url"`
	GatewayAPIKey string        `mapstructure:"gateway_api_key"`
	CallableURL   string        `mapstructure:"callable_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// NewSender picks the transport from cfg: the cloud callable backed by the
// direct gateway (or the log sender), the gateway alone, or the log sender
// when nothing is configured.
func NewSender(cfg Config, log *zap.Logger) Sender {
	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.Timeout <= 0 {
		client.Timeout = 10 * time.Second
	}

	var direct Sender = NewLogSender(log)
	if cfg.GatewayURL != "" {
		direct = NewGatewaySender(cfg.GatewayURL, cfg.GatewayAPIKey, client)
	}
	if cfg.CallableURL != "" {
		return NewFallbackSender(NewCallableSender(cfg.CallableURL, client), direct, log)
	}
	return direct
}

// LogSender is the development mode sender: it logs and reports success.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(log *zap.Logger) *LogSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSender{logger: log}
}

func (s *LogSender) SendPaymentConfirmationSMS(ctx context.Context, phone string, template TemplateType, vars map[string]string) error {
	s.logger.Info("sms not configured, confirmation logged in development mode",
		logger.Phone("phone", phone),
		zap.String("template", string(template)),
		zap.Any("variables", vars))
	return nil
}

func (s *LogSender) SendSecurityAlertSMS(ctx context.Context, phone string, vars map[string]string) error {
	s.logger.Info("sms not configured, security alert logged in development mode",
		logger.Phone("phone", phone),
		zap.Any("variables", vars))
	return nil
}

type smsMessage struct {
	To        string            `json:"to"`
	Template  string            `json:"template"`
	Variables map[string]string `json:"variables"`
}

// GatewaySender posts messages to an SMS gateway.
type GatewaySender struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewGatewaySender(endpoint, apiKey string, client *http.Client) *GatewaySender {
	if client == nil {
		client = http.DefaultClient
	}
	return &GatewaySender{endpoint: endpoint, apiKey: apiKey, client: client}
}

func (s *GatewaySender) SendPaymentConfirmationSMS(ctx context.Context, phone string, template TemplateType, vars map[string]string) error {
	return s.send(ctx, smsMessage{To: phone, Template: "payment_confirmation_" + string(template), Variables: vars})
}

func (s *GatewaySender) SendSecurityAlertSMS(ctx context.Context, phone string, vars map[string]string) error {
	return s.send(ctx, smsMessage{To: phone, Template: "security_alert", Variables: vars})
}

func (s *GatewaySender) send(ctx context.Context, msg smsMessage) error {
	headers := map[string]string{}
	if s.apiKey != "" {
		headers["Authorization"] = "Bearer " + s.apiKey
	}
	_, err := postJSON(ctx, s.client, s.endpoint, headers, msg)
	if err != nil {
		return fmt.Errorf("sms gateway: %w", err)
	}
	return nil
}

// CallableSender invokes a cloud function using the callable protocol: the
// request body is {"data": ...} and failures come back as {"error": ...}.
type CallableSender struct {
	url    string
	client *http.Client
}

func NewCallableSender(url string, client *http.Client) *CallableSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &CallableSender{url: url, client: client}
}

type callableRequest struct {
	Data interface{} `json:"data"`
}

type callableResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

type callablePayload struct {
	Kind         string            `json:"kind"`
	Phone        string            `json:"phone"`
	TemplateType string            `json:"templateType,omitempty"`
	Variables    map[string]string `json:"variables"`
}

func (s *CallableSender) SendPaymentConfirmationSMS(ctx context.Context, phone string, template TemplateType, vars map[string]string) error {
	return s.call(ctx, callablePayload{Kind: "payment_confirmation", Phone: phone, TemplateType: string(template), Variables: vars})
}

func (s *CallableSender) SendSecurityAlertSMS(ctx context.Context, phone string, vars map[string]string) error {
	return s.call(ctx, callablePayload{Kind: "security_alert", Phone: phone, Variables: vars})
}

func (s *CallableSender) call(ctx context.Context, payload callablePayload) error {
	body, err := postJSON(ctx, s.client, s.url, nil, callableRequest{Data: payload})
	if err != nil {
		return fmt.Errorf("callable: %w", err)
	}

	var resp callableResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("callable: decode response: %w", err)
		}
	}
	if resp.Error != nil {
		return fmt.Errorf("callable: %s: %s", resp.Error.Status, resp.Error.Message)
	}
	return nil
}

// FallbackSender tries primary and, on any error, fallback.
type FallbackSender struct {
	primary  Sender
	fallback Sender
	logger   *zap.Logger
}

func NewFallbackSender(primary, fallback Sender, log *zap.Logger) *FallbackSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &FallbackSender{primary: primary, fallback: fallback, logger: log}
}

func (s *FallbackSender) SendPaymentConfirmationSMS(ctx context.Context, phone string, template TemplateType, vars map[string]string) error {
	err := s.primary.SendPaymentConfirmationSMS(ctx, phone, template, vars)
	if err == nil {
		return nil
	}
	s.logger.Warn("primary sms path failed, falling back", zap.Error(err))
	return s.fallback.SendPaymentConfirmationSMS(ctx, phone, template, vars)
}

func (s *FallbackSender) SendSecurityAlertSMS(ctx context.Context, phone string, vars map[string]string) error {
	err := s.primary.SendSecurityAlertSMS(ctx, phone, vars)
	if err == nil {
		return nil
	}
	s.logger.Warn("primary sms path failed, falling back", zap.Error(err))
	return s.fallback.SendSecurityAlertSMS(ctx, phone, vars)
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return body, nil
}
