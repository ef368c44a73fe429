// Package strand is the Go client SDK for the Strand chat service.
//
// It keeps a local projection of chats, messages, and friend relationships
// consistent with the server across three sources of churn: REST snapshot
// loads, push frames on two long-lived WebSocket channels, and local user
// actions.
//
// Example:
//
//	client := strand.NewClient("https://strand.example.com", token)
//	engine := strand.NewEngine(client, strand.WithNotifier(notifier))
//	if err := engine.Start(ctx); err != nil { ... }
//	engine.OpenChat(ctx, chatID)
//	engine.Send(ctx, "hello")
package strand

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const DefaultTimeout = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client is the REST snapshot client. It is safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// NewClient creates a client for the given origin. token is the session
// cookie issued by the login collaborator; the SDK only carries it.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the session token, e.g. after a re-login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured origin.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.AddCookie(&http.Cookie{Name: "token", Value: c.token})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Snapshot endpoints
// ============================================================================

type verifyResponse struct {
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
	User    *Identity `json:"user,omitempty"`
}

// Verify resolves the authenticated identity for the current token.
func (c *Client) Verify(ctx context.Context) (*Identity, error) {
	data, err := c.doRequest(ctx, "GET", "/verify", nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[verifyResponse](data)
	if err != nil {
		return nil, err
	}
	if resp.Status != "success" || resp.User == nil {
		if resp.Message != "" {
			return nil, fmt.Errorf("verify: %s", resp.Message)
		}
		return nil, fmt.Errorf("verify: not authenticated")
	}
	return resp.User, nil
}

// Chats fetches the authoritative chat list for the current user.
func (c *Client) Chats(ctx context.Context) ([]Chat, error) {
	data, err := c.doRequest(ctx, "GET", "/chats", nil, "")
	if err != nil {
		return nil, err
	}
	chats, err := decodeJSON[[]Chat](data)
	if err != nil {
		return nil, err
	}
	return *chats, nil
}

// Messages fetches the full message history of one chat, oldest first.
func (c *Client) Messages(ctx context.Context, chatID int) ([]Message, error) {
	data, err := c.doRequest(ctx, "GET", "/messages/"+strconv.Itoa(chatID), nil, "")
	if err != nil {
		return nil, err
	}
	msgs, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	return *msgs, nil
}

// FriendRequests fetches all friendship edges involving the current user,
// pending and accepted.
func (c *Client) FriendRequests(ctx context.Context) ([]FriendRequest, error) {
	data, err := c.doRequest(ctx, "GET", "/friend_req", nil, "")
	if err != nil {
		return nil, err
	}
	reqs, err := decodeJSON[[]FriendRequest](data)
	if err != nil {
		return nil, err
	}
	return *reqs, nil
}

// Profile fetches another user's public profile.
func (c *Client) Profile(ctx context.Context, username string) (*Profile, error) {
	data, err := c.doRequest(ctx, "GET", "/users/"+username, nil, "")
	if err != nil {
		return nil, err
	}
	return decodeJSON[Profile](data)
}

// ============================================================================
// Avatar upload
// ============================================================================

type uploadResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Path    string `json:"path,omitempty"`
}

// UploadAvatar uploads a new display photo via multipart form. Returns the
// stored avatar path.
func (c *Client) UploadAvatar(ctx context.Context, fileName string, data []byte) (string, error) {
	if fileName == "" {
		return "", fmt.Errorf("fileName is required")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="avatar"; filename="%s"`, filepath.Base(fileName)))
	hdr.Set("Content-Type", guessMimeType(fileName))
	part, err := w.CreatePart(hdr)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	respData, err := c.doRequest(ctx, "POST", "/upload_avatar", &buf, w.FormDataContentType())
	if err != nil {
		return "", err
	}
	resp, err := decodeJSON[uploadResponse](respData)
	if err != nil {
		return "", err
	}
	if resp.Status != "success" {
		msg := resp.Message
		if msg == "" {
			msg = "upload failed"
		}
		return "", fmt.Errorf("upload_avatar: %s", msg)
	}
	return resp.Path, nil
}

// guessMimeType returns a MIME type from a file extension.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".webp": "image/webp",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
