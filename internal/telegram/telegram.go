// Package telegram is the Bot API transport behind the channel and
// notification workers.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.telegram.org"

// Messenger is the delivery surface consumed by the channel and alert
// workers.
type Messenger interface {
	SendMediaGroup(ctx context.Context, chat string, images []string, caption string) (messageID int64, err error)
	SendMessage(ctx context.Context, chat string, text string) (messageID int64, err error)
	EditMessageCaption(ctx context.Context, chat string, messageID int64, caption string) error
}

// maxMediaGroup is the Bot API's media group size limit.
const maxMediaGroup = 5

// RateLimitedError carries the server's retry_after hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("telegram: rate limited, retry after %s", e.RetryAfter)
}

// InvalidRecipientError means the chat is gone or the bot is blocked;
// delivery will never succeed.
type InvalidRecipientError struct {
	Chat string
}

func (e *InvalidRecipientError) Error() string {
	return fmt.Sprintf("telegram: invalid recipient %s", e.Chat)
}

// PermanentError is a 4xx the caller must not retry.
type PermanentError struct {
	Code        int
	Description string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("telegram: %d %s", e.Code, e.Description)
}

// TransientError is a server or network failure worth retrying.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return "telegram: " + e.Cause.Error() }
func (e *TransientError) Unwrap() error { return e.Cause }

// Client is a Bot API client with bounded concurrency.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
	sem     chan struct{}
}

// NewClient builds a client for the given bot token.
func NewClient(token string) *Client {
	return &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: defaultBaseURL,
		token:   token,
		sem:     make(chan struct{}, 10),
	}
}

// NewClientWithBaseURL is for tests against a local server.
func NewClientWithBaseURL(token, baseURL string) *Client {
	c := NewClient(token)
	c.baseURL = baseURL
	return c
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type inputMedia struct {
	Type    string `json:"type"`
	Media   string `json:"media"`
	Caption string `json:"caption,omitempty"`
}

type message struct {
	MessageID int64 `json:"message_id"`
}

// SendMediaGroup posts up to five photos with the caption on the first one
// and returns the id of the first message. With no images it falls back to a
// plain text message.
func (c *Client) SendMediaGroup(ctx context.Context, chat string, images []string, caption string) (int64, error) {
	if len(images) == 0 {
		return c.SendMessage(ctx, chat, caption)
	}
	if len(images) > maxMediaGroup {
		images = images[:maxMediaGroup]
	}
	media := make([]inputMedia, len(images))
	for i, url := range images {
		media[i] = inputMedia{Type: "photo", Media: url}
	}
	media[0].Caption = caption

	var msgs []message
	err := c.call(ctx, "sendMediaGroup", map[string]any{
		"chat_id": chat,
		"media":   media,
	}, &msgs)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, &TransientError{Cause: errors.New("empty sendMediaGroup result")}
	}
	return msgs[0].MessageID, nil
}

// SendMessage posts a plain text message.
func (c *Client) SendMessage(ctx context.Context, chat string, text string) (int64, error) {
	var msg message
	err := c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chat,
		"text":    text,
	}, &msg)
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// EditMessageCaption rewrites the caption of an existing media post.
func (c *Client) EditMessageCaption(ctx context.Context, chat string, messageID int64, caption string) error {
	return c.call(ctx, "editMessageCaption", map[string]any{
		"chat_id":    chat,
		"message_id": messageID,
		"caption":    caption,
	}, nil)
}

func (c *Client) call(ctx context.Context, method string, params map[string]any, dst any) error {
	c.sem <- struct{}{}
	defer func() { <-c.sem }()

	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "carscout/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransientError{Cause: err}
	}

	var api apiResponse
	if err := json.Unmarshal(raw, &api); err != nil {
		if resp.StatusCode >= 500 {
			return &TransientError{Cause: fmt.Errorf("status %d", resp.StatusCode)}
		}
		return &TransientError{Cause: fmt.Errorf("decode %s: %w", method, err)}
	}
	if !api.OK {
		return c.apiError(&api, params)
	}
	if dst != nil {
		if err := json.Unmarshal(api.Result, dst); err != nil {
			return &TransientError{Cause: fmt.Errorf("decode %s result: %w", method, err)}
		}
	}
	return nil
}

// apiError maps Bot API failures onto the typed errors the workers dispatch
// on.
func (c *Client) apiError(api *apiResponse, params map[string]any) error {
	switch {
	case api.ErrorCode == 429:
		retry := time.Duration(api.Parameters.RetryAfter) * time.Second
		if retry == 0 {
			retry = time.Second
		}
		return &RateLimitedError{RetryAfter: retry}
	case api.ErrorCode == 403, api.ErrorCode == 400 && isRecipientError(api.Description):
		chat, _ := params["chat_id"].(string)
		return &InvalidRecipientError{Chat: chat}
	case api.ErrorCode >= 500:
		return &TransientError{Cause: fmt.Errorf("status %d: %s", api.ErrorCode, api.Description)}
	default:
		return &PermanentError{Code: api.ErrorCode, Description: api.Description}
	}
}

func isRecipientError(desc string) bool {
	d := strings.ToLower(desc)
	for _, s := range []string{"chat not found", "user is deactivated", "bot was blocked"} {
		if strings.Contains(d, s) {
			return true
		}
	}
	return false
}
