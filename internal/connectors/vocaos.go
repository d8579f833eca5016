package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/voca-engine/internal/domain"
)

// VocaOSClient - клиент разговорного бэкенда (хостинг персон агентов) поверх JSON/HTTP.
type VocaOSClient struct {
	baseURL string
	http    *http.Client
}

func NewVocaOSClient(baseURL string, client *http.Client) *VocaOSClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &VocaOSClient{baseURL: strings.TrimRight(baseURL, "/"), http: client}
}

func (c *VocaOSClient) CreateAgent(ctx context.Context, spec ChannelSpec) (string, error) {
	body := map[string]any{
		"name":          spec.AgentName,
		"description":   spec.Description,
		"business_type": spec.BusinessType,
		"languages":     spec.Languages,
		"character":     spec.CharacterConfig,
		"vendor_id":     spec.VendorID,
		"external_ref":  spec.AgentID,
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "CreateAgent", http.MethodPost, "/agents", body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &ProvisionError{Backend: "vocaos", Op: "CreateAgent", StatusCode: http.StatusOK, Cause: errors.New("empty agent id")}
	}
	return out.ID, nil
}

func (c *VocaOSClient) ConfigurePlatform(ctx context.Context, externalAgentID string, channel domain.ChannelType, webhookURL string) error {
	body := map[string]any{"platform": string(channel), "webhook_url": webhookURL}
	return c.do(ctx, "ConfigurePlatform", http.MethodPost, "/agents/"+url.PathEscape(externalAgentID)+"/platforms", body, nil)
}

func (c *VocaOSClient) StopAgent(ctx context.Context, externalAgentID string) error {
	err := c.do(ctx, "StopAgent", http.MethodPost, "/agents/"+url.PathEscape(externalAgentID)+"/stop", nil, nil)
	// Агента уже нет - освобождать нечего
	if UpstreamStatus(err) == http.StatusNotFound {
		return nil
	}
	return err
}

// Handle реализует MessageHandler для социальных платформ.
func (c *VocaOSClient) Handle(ctx context.Context, d Dispatch) (string, error) {
	body := map[string]any{
		"user_id":  d.UserID,
		"platform": string(d.Channel),
		"text":     d.Text,
		"metadata": d.Metadata,
		"trace_id": d.TraceID,
	}
	var out struct {
		Response string `json:"response"`
	}
	if err := c.do(ctx, "Message", http.MethodPost, "/agents/"+url.PathEscape(d.ExternalRef)+"/message", body, &out); err != nil {
		return "", err
	}
	return out.Response, nil
}

func (c *VocaOSClient) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encode %s request: %v", domain.ErrValidation, op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return Classify("vocaos", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Classify("vocaos", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		wait, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return &ThrottleError{RetryAfter: time.Duration(wait) * time.Second, Cause: fmt.Errorf("vocaos %s: 429", op)}
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ProvisionError{Backend: "vocaos", Op: op, StatusCode: resp.StatusCode, Cause: errors.New(strings.TrimSpace(string(msg)))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &ProvisionError{Backend: "vocaos", Op: op, StatusCode: resp.StatusCode, Cause: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
