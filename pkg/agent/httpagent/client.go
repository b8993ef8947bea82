package httpagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	agenttypes "tgbridge/pkg/agent/types"
	"tgbridge/pkg/config"
)

// Endpoint paths relative to the agent base URL.
const (
	PathRegisterMsg        = "/register_msg"
	PathDropActiveDialog   = "/drop_active_dialog"
	PathSetRatingUtterance = "/set_rating_utterance"
	PathSetRatingDialog    = "/set_rating_dialog"

	errorBodyLimit = 512
)

// Client calls a remote agent over JSON HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	log        *slog.Logger
}

type registerResponse struct {
	Dialog agenttypes.Dialog `json:"dialog"`
}

type dropRequest struct {
	UserExternalID string `json:"user_external_id"`
}

type dropResponse struct {
	DialogID string `json:"dialog_id"`
}

type utteranceRatingRequest struct {
	UserExternalID string `json:"user_external_id"`
	UtteranceID    string `json:"utterance_id"`
	Rating         string `json:"rating"`
}

type dialogRatingRequest struct {
	UserExternalID string `json:"user_external_id"`
	DialogID       string `json:"dialog_id"`
	Rating         string `json:"rating"`
}

// New builds an agent client. A nil httpClient uses http.DefaultClient.
func New(cfg config.AgentConfig, httpClient *http.Client, log *slog.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("agent.base_url is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		timeout:    cfg.Timeout(),
		log:        log.With("component", "agent.http"),
	}, nil
}

func (c *Client) RegisterMsg(ctx context.Context, msg agenttypes.Message) (agenttypes.Dialog, error) {
	if msg.MessageAttrs == nil {
		msg.MessageAttrs = map[string]any{}
	}

	var out registerResponse
	if err := c.call(ctx, PathRegisterMsg, msg, &out); err != nil {
		return agenttypes.Dialog{}, fmt.Errorf("register message: %w", err)
	}
	if len(out.Dialog.Utterances) == 0 && msg.RequireResponse {
		return agenttypes.Dialog{}, agenttypes.ErrNoUtterances
	}

	return out.Dialog, nil
}

func (c *Client) DropActiveDialog(ctx context.Context, userID string) (string, error) {
	var out dropResponse
	if err := c.call(ctx, PathDropActiveDialog, dropRequest{UserExternalID: userID}, &out); err != nil {
		return "", fmt.Errorf("drop active dialog: %w", err)
	}

	return strings.TrimSpace(out.DialogID), nil
}

func (c *Client) SetRatingUtterance(ctx context.Context, userID, utteranceID, rating string) error {
	req := utteranceRatingRequest{UserExternalID: userID, UtteranceID: utteranceID, Rating: rating}
	if err := c.call(ctx, PathSetRatingUtterance, req, nil); err != nil {
		return fmt.Errorf("set utterance rating: %w", err)
	}

	return nil
}

func (c *Client) SetRatingDialog(ctx context.Context, userID, dialogID, rating string) error {
	req := dialogRatingRequest{UserExternalID: userID, DialogID: dialogID, Rating: rating}
	if err := c.call(ctx, PathSetRatingDialog, req, nil); err != nil {
		return fmt.Errorf("set dialog rating: %w", err)
	}

	return nil
}

func (c *Client) call(ctx context.Context, path string, in any, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	log := c.log.With("operation", strings.TrimPrefix(path, "/"))
	startedAt := time.Now()

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	log.Debug("agent request started", "request_bytes", len(payload))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Debug("agent request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		log.Debug("agent request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "status", resp.StatusCode)
		return fmt.Errorf("agent returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	log.Debug("agent request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "status", resp.StatusCode)

	return nil
}
