// ABOUTME: Chatbot service port and its HTTP client
// ABOUTME: Sends visitor text to the conversational engine and decodes the rc/data result envelope

package chatbot

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
	"time"
)

var (
	// ErrChatbotUnavailable indicates a transport failure or timeout talking to the chatbot.
	ErrChatbotUnavailable = errors.New("chatbot unavailable")

	// ErrUnexpectedResponse indicates a reply with a non-zero code or no data.
	ErrUnexpectedResponse = errors.New("chatbot returned unexpected response")
)

// CodeSuccess is the response code of a successful chatbot reply.
const CodeSuccess = 0

// Request is one visitor turn sent to the chatbot.
type Request struct {
	OrgID     string
	VisitorID string
	Text      string
}

// ReplyData is the payload of a successful reply.
type ReplyData struct {
	Text   string          `json:"string"`
	Params json.RawMessage `json:"params,omitempty"`
	// Unexpected flags a reply produced by the bot's fallback logic.
	// It is a business outcome counted per conversation, not an error.
	Unexpected bool `json:"logic_is_unexpected"`
}

// Result is the chatbot response envelope.
type Result struct {
	Code  int        `json:"rc"`
	Data  *ReplyData `json:"data,omitempty"`
	Error string     `json:"error,omitempty"`
}

// Service is the external conversational engine.
type Service interface {
	Converse(ctx context.Context, req Request) (*Result, error)
}

// HTTPClient talks to the chatbot service over JSON/HTTP.
type HTTPClient struct {
	baseURL    string
	clientID   string
	secret     string
	httpClient *http.Client
}

// Ensure interface compliance at compile time
var _ Service = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the chatbot identified by clientID.
func NewHTTPClient(baseURL, clientID, secret string) *HTTPClient {
	return &HTTPClient{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		clientID: clientID,
		secret:   secret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type conversationQuery struct {
	FromUserID  string `json:"fromUserId"`
	TextMessage string `json:"textMessage"`
	OrgID       string `json:"orgId,omitempty"`
}

// Converse sends one visitor message. Transport failures and 5xx responses
// wrap ErrChatbotUnavailable, undecodable bodies wrap ErrUnexpectedResponse.
// A decoded envelope is returned whatever its code.
func (c *HTTPClient) Converse(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(conversationQuery{
		FromUserID:  req.VisitorID,
		TextMessage: req.Text,
		OrgID:       req.OrgID,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	endpoint := c.baseURL + "/api/v1/chatbot/" + url.PathEscape(c.clientID) + "/conversation/query"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.clientID, c.secret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChatbotUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrChatbotUnavailable, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: status %d", ErrChatbotUnavailable, resp.StatusCode)
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: decoding body: %v", ErrUnexpectedResponse, err)
	}
	return &result, nil
}
