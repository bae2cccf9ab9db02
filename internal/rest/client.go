// Package rest talks to the chat backend's HTTP API. It serves the initial
// history load, the verification fallback, media sends, and the direct
// edit/delete/reaction commands that do not ride the socket.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-client/internal/auth"
	"github.com/vovakirdan/wirechat-client/internal/config"
	"github.com/vovakirdan/wirechat-client/internal/proto"
)

// Client is the chat backend REST client.
type Client struct {
	base       string
	http       *http.Client
	log        *zerolog.Logger
	tokens     *auth.Manager
	expiry     *auth.ExpiryNotifier
	maxRetries int
	retryDelay time.Duration
}

// New builds a REST client. The expiry notifier is raised on any 401 so the
// rest of the process can tear down its session state.
func New(cfg config.Config, tokens *auth.Manager, expiry *auth.ExpiryNotifier, logger *zerolog.Logger) *Client {
	return &Client{
		base:       strings.TrimRight(cfg.APIBaseURL, "/"),
		http:       &http.Client{Timeout: cfg.RequestTimeout},
		log:        logger,
		tokens:     tokens,
		expiry:     expiry,
		maxRetries: 1,
		retryDelay: time.Second,
	}
}

// HistoryOptions controls a channel history fetch.
type HistoryOptions struct {
	Limit int
	Sort  string // "asc" or "desc"
}

// historyBody tolerates the shapes the backend has used over time:
// {data:{messages:[...]}}, {messages:[...]}, or a bare array.
type historyBody struct {
	Data *struct {
		Messages []proto.MessagePayload `json:"messages"`
	} `json:"data"`
	Messages []proto.MessagePayload `json:"messages"`
}

// ChannelMessages fetches recent messages for a channel, newest ordering
// controlled by opts.Sort.
func (c *Client) ChannelMessages(ctx context.Context, channelID string, opts HistoryOptions) ([]proto.MessagePayload, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Sort != "" {
		q.Set("sort", opts.Sort)
	}
	path := "/messages/" + url.PathEscape(channelID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var body historyBody
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Data != nil {
			return body.Data.Messages, nil
		}
		if body.Messages != nil {
			return body.Messages, nil
		}
	}
	var list []proto.MessagePayload
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return list, nil
}

// RecentMessages implements the verification fallback's history source.
func (c *Client) RecentMessages(ctx context.Context, channelID string, limit int) ([]proto.MessagePayload, error) {
	return c.ChannelMessages(ctx, channelID, HistoryOptions{Limit: limit, Sort: "desc"})
}

// SendOptions carries the optional fields of a REST send.
type SendOptions struct {
	TempID  string
	ReplyTo proto.ID
	Type    string
}

type messageBody struct {
	Data *struct {
		Message *proto.MessagePayload `json:"message"`
	} `json:"data"`
	Message *proto.MessagePayload `json:"message"`
}

func (b messageBody) payload() *proto.MessagePayload {
	if b.Data != nil && b.Data.Message != nil {
		return b.Data.Message
	}
	return b.Message
}

// SendMessage posts a text message and returns the authoritative record.
// Socket sends are the primary path; this exists for attachment uploads and
// environments without a live socket.
func (c *Client) SendMessage(ctx context.Context, channelID, content string, opts SendOptions) (*proto.MessagePayload, error) {
	req := map[string]any{"content": content}
	if opts.TempID != "" {
		req["tempId"] = opts.TempID
	}
	if opts.ReplyTo != "" {
		req["replyTo"] = opts.ReplyTo
	}
	if opts.Type != "" {
		req["type"] = opts.Type
	}

	raw, err := c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(channelID)+"/messages", req)
	if err != nil {
		return nil, err
	}
	var body messageBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode send response: %w", err)
	}
	return body.payload(), nil
}

// Upload is one file attached to a multipart send.
type Upload struct {
	FileName string
	MimeType string
	Reader   io.Reader
}

// SendMessageWithAttachment posts a multipart message carrying one file.
func (c *Client) SendMessageWithAttachment(ctx context.Context, channelID, content string, upload Upload, opts SendOptions) (*proto.MessagePayload, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", upload.FileName)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, upload.Reader); err != nil {
		return nil, fmt.Errorf("copy upload: %w", err)
	}
	fields := map[string]string{
		"content":  content,
		"tempId":   opts.TempID,
		"mimeType": upload.MimeType,
	}
	if opts.ReplyTo != "" {
		fields["replyTo"] = opts.ReplyTo.String()
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	raw, err := c.doRaw(ctx, http.MethodPost, "/messages/"+url.PathEscape(channelID)+"/messages", &buf, w.FormDataContentType())
	if err != nil {
		return nil, err
	}
	var body messageBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return body.payload(), nil
}

// EditMessage replaces a message's content and returns the updated record.
func (c *Client) EditMessage(ctx context.Context, messageID proto.ID, content string) (*proto.MessagePayload, error) {
	raw, err := c.do(ctx, http.MethodPut, "/messages/"+url.PathEscape(messageID.String()), map[string]any{"content": content})
	if err != nil {
		return nil, err
	}
	var body messageBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode edit response: %w", err)
	}
	return body.payload(), nil
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID proto.ID) error {
	_, err := c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID.String()), nil)
	return err
}

// ToggleReaction adds or removes the caller's emoji reaction on a message.
// The server decides which; a second identical toggle undoes the first.
func (c *Client) ToggleReaction(ctx context.Context, messageID proto.ID, emoji string) (*proto.MessagePayload, error) {
	raw, err := c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID.String())+"/reactions", map[string]any{"emoji": emoji})
	if err != nil {
		return nil, err
	}
	var body messageBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode reaction response: %w", err)
	}
	return body.payload(), nil
}

type currentUserBody struct {
	Data *struct {
		User *proto.UserRef `json:"user"`
	} `json:"data"`
	User *proto.UserRef `json:"user"`
}

// CurrentUser fetches the authenticated chat user. Doubles as a token
// validity probe: a 401 here raises the expiry signal.
func (c *Client) CurrentUser(ctx context.Context) (*proto.UserRef, error) {
	raw, err := c.do(ctx, http.MethodGet, "/users/me", nil)
	if err != nil {
		return nil, err
	}
	var body currentUserBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode current user: %w", err)
	}
	if body.Data != nil && body.Data.User != nil {
		return body.Data.User, nil
	}
	if body.User != nil {
		return body.User, nil
	}
	// Some deployments return the user object bare.
	var user proto.UserRef
	if err := json.Unmarshal(raw, &user); err != nil || user.ID == "" {
		return nil, fmt.Errorf("decode current user: empty payload")
	}
	return &user, nil
}

// RefreshTokens exchanges the stored refresh token for a new pair and
// persists the result.
func (c *Client) RefreshTokens(ctx context.Context) (auth.Tokens, error) {
	refresh, err := c.tokens.RefreshToken(ctx)
	if err != nil {
		return auth.Tokens{}, err
	}

	raw, err := c.do(ctx, http.MethodPost, "/auth/refresh", map[string]any{"refreshToken": refresh})
	if err != nil {
		return auth.Tokens{}, err
	}

	var body struct {
		Tokens struct {
			Chat        string `json:"chat"`
			ChatRefresh string `json:"chatRefresh"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return auth.Tokens{}, fmt.Errorf("decode refresh response: %w", err)
	}

	t := auth.Tokens{Chat: body.Tokens.Chat, ChatRefresh: body.Tokens.ChatRefresh}
	if err := c.tokens.Store(ctx, t); err != nil {
		return auth.Tokens{}, err
	}
	return t, nil
}

// do sends a JSON request and returns the raw response body. Transport
// failures and 5xx responses get one bounded retry.
func (c *Client) do(ctx context.Context, method, path string, reqBody any) (json.RawMessage, error) {
	var payload []byte
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		payload = data
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.log.Warn().Str("path", path).Int("attempt", attempt).Msg("retrying request")
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var body io.Reader
		contentType := ""
		if payload != nil {
			body = bytes.NewReader(payload)
			contentType = "application/json"
		}
		raw, err := c.doRaw(ctx, method, path, body, contentType)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// doRaw performs a single HTTP round trip with auth and tracing headers.
func (c *Client) doRaw(ctx context.Context, method, path string, body io.Reader, contentType string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if token, tokenErr := c.tokens.ChatToken(ctx); tokenErr == nil {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	if resp.StatusCode >= 400 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		apiErr := errorFromStatus(resp.StatusCode, eb)

		// A stale token invalidates every in-flight operation: clear it and
		// raise the process-wide signal no matter which call saw the 401.
		if resp.StatusCode == http.StatusUnauthorized {
			if clearErr := c.tokens.ClearChatTokens(ctx); clearErr != nil {
				c.log.Warn().Err(clearErr).Msg("failed to clear chat tokens")
			}
			c.expiry.Raise()
		}

		c.log.Debug().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("api error")
		return nil, apiErr
	}

	return raw, nil
}
