package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

var ErrGatewayURLRequired = errors.New("platform: gateway url required")

// StatusError is a non-2xx gateway response.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("platform: %s %s status=%d body=%q", e.Method, e.Path, e.Status, e.Body)
}

// HTTPClient talks to a chat-platform gateway that owns the authenticated
// session and exposes thread mutations over REST.
type HTTPClient struct {
	base  *url.URL
	token string
	hc    *http.Client
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(baseURL, token string, hc *http.Client) (*HTTPClient, error) {
	raw := strings.TrimSpace(baseURL)
	if raw == "" {
		return nil, ErrGatewayURLRequired
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("platform: parse gateway url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("platform: unsupported gateway scheme %q", u.Scheme)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPClient{base: u, token: strings.TrimSpace(token), hc: hc}, nil
}

type titleRequest struct {
	Title string `json:"title"`
}

type nicknameRequest struct {
	Nickname string `json:"nickname"`
}

type messageRequest struct {
	Body string `json:"body"`
}

type rosterResponse struct {
	ParticipantIDs []string `json:"participant_ids"`
}

func (c *HTTPClient) SetTitle(ctx context.Context, threadID, title string) error {
	path := "/threads/" + url.PathEscape(threadID) + "/title"
	return c.do(ctx, http.MethodPost, path, titleRequest{Title: title}, nil)
}

func (c *HTTPClient) SetNickname(ctx context.Context, threadID, participantID, nickname string) error {
	path := "/threads/" + url.PathEscape(threadID) + "/participants/" + url.PathEscape(participantID) + "/nickname"
	return c.do(ctx, http.MethodPut, path, nicknameRequest{Nickname: nickname}, nil)
}

func (c *HTTPClient) GetRoster(ctx context.Context, threadID string) ([]string, error) {
	var out rosterResponse
	path := "/threads/" + url.PathEscape(threadID) + "/participants"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.ParticipantIDs, nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, threadID, text string) error {
	path := "/threads/" + url.PathEscape(threadID) + "/messages"
	return c.do(ctx, http.MethodPost, path, messageRequest{Body: text}, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("platform: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("platform: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("platform: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			Method: method,
			Path:   path,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(snippet)),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("platform: decode %s %s: %w", method, path, err)
	}
	return nil
}
