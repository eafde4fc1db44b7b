// Package remote speaks the agent server's HTTP protocol. It owns no state:
// every method is a pure request/response mapping with typed failures.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/haven-chat/haven-go/internal/logger"
)

// Placeholder replies used when the agent's turn sequence carries no
// extractable text. Returning a placeholder instead of failing keeps the
// transcript coherent for the user.
const (
	NoResponsePlaceholder = "No response received"
	NoTextPlaceholder     = "No text response found"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	AppName string
	Timeout time.Duration
}

// Client issues session-lifecycle and message-send calls against the agent
// server.
type Client struct {
	baseURL string
	appName string
	http    *http.Client
}

// New builds a Client for the given agent server.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		appName: cfg.AppName,
		http:    &http.Client{Timeout: timeout},
	}
}

// Turn is one exchange unit in the agent's response sequence. Parts may carry
// text, tool invocations, or both; only text is of interest here.
type Turn struct {
	Content TurnContent `json:"content"`
}

// TurnContent holds a turn's content parts.
type TurnContent struct {
	Parts []Part `json:"parts"`
}

// Part is a single content fragment. Non-text fragments decode to an empty
// Text and are skipped during extraction.
type Part struct {
	Text string `json:"text,omitempty"`
}

// Reply is the assistant's answer to one user message.
type Reply struct {
	Content   string
	Timestamp time.Time
}

// RemoteMessage is one history record as reported by the agent server.
type RemoteMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSessionID produces a collision-resistant random session identifier,
// 26 base-36 characters behind an "s_" prefix. Uniqueness is the goal,
// not secrecy, so math/rand is sufficient.
func NewSessionID() string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	var b [26]byte
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return "s_" + string(b[:])
}

func (c *Client) sessionURL(userID, sessionID string) string {
	return fmt.Sprintf("%s/apps/%s/users/%s/sessions/%s",
		c.baseURL, url.PathEscape(c.appName), url.PathEscape(userID), url.PathEscape(sessionID))
}

// CreateSession registers a new session with the agent server and returns its
// id. When sessionID is empty a random one is generated locally.
func (c *Client) CreateSession(ctx context.Context, userID, sessionID string, state map[string]any) (string, error) {
	if sessionID == "" {
		sessionID = NewSessionID()
	}
	if state == nil {
		state = map[string]any{}
	}
	body := map[string]any{"state": state}
	if err := c.do(ctx, http.MethodPost, c.sessionURL(userID, sessionID), body, nil); err != nil {
		return "", err
	}
	logger.L.Debug("remote session created", "session", sessionID, "user", userID)
	return sessionID, nil
}

// Run submits one user message and blocks until the agent's reply arrives.
// The reply text is the last turn with any non-empty text part; turns are
// scanned back to front because recent turns may be tool-call scaffolding.
func (c *Client) Run(ctx context.Context, sessionID, userID, text string) (Reply, error) {
	body := map[string]any{
		"appName":   c.appName,
		"userId":    userID,
		"sessionId": sessionID,
		"newMessage": map[string]any{
			"role":  "user",
			"parts": []map[string]any{{"text": text}},
		},
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/run", body, &raw); err != nil {
		return Reply{}, err
	}
	return Reply{Content: ExtractText(decodeTurns(raw)), Timestamp: time.Now()}, nil
}

// State fetches the session's opaque server-side state blob.
func (c *Client) State(ctx context.Context, sessionID, userID string) (map[string]any, error) {
	var detail struct {
		State map[string]any `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, c.sessionURL(userID, sessionID), nil, &detail); err != nil {
		return nil, err
	}
	if detail.State == nil {
		detail.State = map[string]any{}
	}
	return detail.State, nil
}

// SetState replaces the session's opaque server-side state blob.
func (c *Client) SetState(ctx context.Context, sessionID, userID string, state map[string]any) error {
	return c.do(ctx, http.MethodPut, c.sessionURL(userID, sessionID), map[string]any{"state": state}, nil)
}

// Messages fetches the remote message history. Used for reconciliation and
// recovery only; the hot send path never calls it.
func (c *Client) Messages(ctx context.Context, sessionID, userID string) ([]RemoteMessage, error) {
	var out struct {
		Messages []RemoteMessage `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, c.sessionURL(userID, sessionID)+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// ServerInfo fetches best-effort server metadata. Any failure is swallowed
// and reported as nil, never as an error.
func (c *Client) ServerInfo(ctx context.Context) map[string]any {
	var info map[string]any
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/info", nil, &info); err != nil {
		logger.L.Warn("server info unavailable", "error", err)
		return nil
	}
	return info
}

func (c *Client) do(ctx context.Context, method, reqURL string, body, out any) error {
	op := method + " " + reqURL

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return &UnavailableError{Op: op, Err: err}
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return &UnavailableError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &UnavailableError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &RejectedError{Op: op, Status: resp.StatusCode, Body: string(detail)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &UnavailableError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// decodeTurns parses the /run response leniently: a non-array body yields no
// turns, and a malformed element yields an empty turn rather than an error.
func decodeTurns(raw json.RawMessage) []Turn {
	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil
	}
	turns := make([]Turn, len(elements))
	for i, el := range elements {
		// Decode failures leave a zero turn with no parts.
		_ = json.Unmarshal(el, &turns[i])
	}
	return turns
}

// ExtractText walks the turn sequence from the end toward the start and
// returns the first non-empty text part found. The last turn carrying text is
// authoritative; tool-only turns are skipped.
func ExtractText(turns []Turn) string {
	if len(turns) == 0 {
		return NoResponsePlaceholder
	}
	for i := len(turns) - 1; i >= 0; i-- {
		for _, part := range turns[i].Content.Parts {
			if part.Text != "" {
				return part.Text
			}
		}
	}
	return NoTextPlaceholder
}
