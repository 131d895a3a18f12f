// Package fixfinder is the client-side conversation engine for the FixFinder
// marketplace: a REST API client, a realtime push channel, and a per
// conversation engine that keeps messages, presence, live location sharing,
// and the attached job lifecycle locally consistent under duplicated,
// unordered, and partial delivery.
//
// Example:
//
//	client := fixfinder.NewClient("ff-token-...", fixfinder.WithBaseURL("https://api.fixfinder.example"))
//	channel := fixfinder.NewRealtimeChannel(client.BaseURL(), "ff-token-...", nil)
//
//	conv, _ := fixfinder.NewConversation(fixfinder.ConversationConfig{
//		ConversationID: "conv-123",
//		SelfID:         "user-1",
//		Client:         client,
//		Channel:        channel,
//	})
//	_ = conv.Open(ctx)
//	defer conv.Close()
//
//	conv.SendText(ctx, "Hello", "")
package fixfinder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBaseURL = "https://api.fixfinder.example"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the request/response API collaborator. It owns no conversation
// state; the engine calls it and reconciles the results.
type Client struct {
	token      string
	baseURL    string
	userAgent  string
	httpClient *http.Client
	log        logrus.FieldLogger

	Conversations *ConversationsClient
	Messages      *MessagesClient
	Location      *LocationClient
	Jobs          *JobsClient
	Reviews       *ReviewsClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(agent string) ClientOption {
	return func(c *Client) { c.userAgent = agent }
}

func WithLogger(log logrus.FieldLogger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new FixFinder API client.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: logrus.StandardLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Conversations = &ConversationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Location = &LocationClient{c: c}
	c.Jobs = &JobsClient{c: c}
	c.Reviews = &ReviewsClient{c: c}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*APIResult, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[APIResult](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// decodeInto runs a request and decodes the result envelope's Data field.
func decodeInto[T any](r *APIResult, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	var out T
	if err := r.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response data: %w", err)
	}
	return &out, nil
}

// ============================================================================
// Sub-Clients
// ============================================================================

// ConversationsClient reads conversation records and history.
type ConversationsClient struct{ c *Client }

func (cv *ConversationsClient) Get(ctx context.Context, conversationID string) (*ConversationInfo, error) {
	return decodeInto[ConversationInfo](cv.c.do(ctx, "GET", "/api/conversations/"+conversationID, nil, nil))
}

// Messages fetches conversation history, newest last.
func (cv *ConversationsClient) Messages(ctx context.Context, conversationID string, opts *HistoryOptions) ([]Message, error) {
	var query map[string]string
	if opts != nil {
		query = map[string]string{}
		if opts.Limit > 0 {
			query["limit"] = fmt.Sprintf("%d", opts.Limit)
		}
		if opts.Before != "" {
			query["before"] = opts.Before
		}
		if len(query) == 0 {
			query = nil
		}
	}
	msgs, err := decodeInto[[]Message](cv.c.do(ctx, "GET", "/api/conversations/"+conversationID+"/messages", nil, query))
	if err != nil {
		return nil, err
	}
	return *msgs, nil
}

// MessagesClient handles message mutations.
type MessagesClient struct{ c *Client }

func (m *MessagesClient) Send(ctx context.Context, conversationID string, req *SendMessageRequest) (*Message, error) {
	return decodeInto[Message](m.c.do(ctx, "POST", "/api/conversations/"+conversationID+"/messages", req, nil))
}

func (m *MessagesClient) Edit(ctx context.Context, messageID, newText string) (*Message, error) {
	return decodeInto[Message](m.c.do(ctx, "PATCH", "/api/messages/"+messageID, map[string]string{"text": newText}, nil))
}

func (m *MessagesClient) Delete(ctx context.Context, messageID string) error {
	r, err := m.c.do(ctx, "DELETE", "/api/messages/"+messageID, nil, nil)
	if err != nil {
		return err
	}
	return r.Err()
}

// DeleteMine bulk soft-deletes all of the caller's own messages in a
// conversation, server side.
func (m *MessagesClient) DeleteMine(ctx context.Context, conversationID string) error {
	r, err := m.c.do(ctx, "DELETE", "/api/conversations/"+conversationID+"/messages/mine", nil, nil)
	if err != nil {
		return err
	}
	return r.Err()
}

// MarkRead marks the conversation read up to now for the caller.
func (m *MessagesClient) MarkRead(ctx context.Context, conversationID string) error {
	r, err := m.c.do(ctx, "POST", "/api/conversations/"+conversationID+"/read", nil, nil)
	if err != nil {
		return err
	}
	return r.Err()
}

// LocationClient persists location-share state.
type LocationClient struct{ c *Client }

// Share records the start of a live share (or a position update) and returns
// the location message created for it.
func (l *LocationClient) Share(ctx context.Context, conversationID string, pos Position) (*Message, error) {
	return decodeInto[Message](l.c.do(ctx, "POST", "/api/conversations/"+conversationID+"/location", pos, nil))
}

// Stop ends the caller's live share in the conversation.
func (l *LocationClient) Stop(ctx context.Context, conversationID string) error {
	r, err := l.c.do(ctx, "DELETE", "/api/conversations/"+conversationID+"/location", nil, nil)
	if err != nil {
		return err
	}
	return r.Err()
}

// JobsClient drives the job lifecycle. Every call returns the full updated
// job record so callers can merge it wholesale.
type JobsClient struct{ c *Client }

func (j *JobsClient) Request(ctx context.Context, conversationID string, req *JobRequest) (*Job, error) {
	return decodeInto[Job](j.c.do(ctx, "POST", "/api/conversations/"+conversationID+"/jobs", req, nil))
}

func (j *JobsClient) Accept(ctx context.Context, jobID string) (*Job, error) {
	return decodeInto[Job](j.c.do(ctx, "POST", "/api/jobs/"+jobID+"/accept", nil, nil))
}

func (j *JobsClient) Cancel(ctx context.Context, jobID, reason string) (*Job, error) {
	return decodeInto[Job](j.c.do(ctx, "POST", "/api/jobs/"+jobID+"/cancel", map[string]string{"reason": reason}, nil))
}

func (j *JobsClient) MarkCompleted(ctx context.Context, jobID string) (*Job, error) {
	return decodeInto[Job](j.c.do(ctx, "POST", "/api/jobs/"+jobID+"/complete", nil, nil))
}

func (j *JobsClient) ConfirmCompletion(ctx context.Context, jobID string) (*Job, error) {
	return decodeInto[Job](j.c.do(ctx, "POST", "/api/jobs/"+jobID+"/confirm", nil, nil))
}

// ReviewsClient submits and checks reviews.
type ReviewsClient struct{ c *Client }

func (rv *ReviewsClient) Create(ctx context.Context, req *CreateReviewRequest) error {
	r, err := rv.c.do(ctx, "POST", "/api/reviews", req, nil)
	if err != nil {
		return err
	}
	return r.Err()
}

// ForJob returns the caller's review for the job, or nil when none exists.
func (rv *ReviewsClient) ForJob(ctx context.Context, jobID string) (*Review, error) {
	r, err := rv.c.do(ctx, "GET", "/api/jobs/"+jobID+"/review", nil, nil)
	if err != nil {
		return nil, err
	}
	if !r.OK || r.Data == nil {
		return nil, nil
	}
	var review Review
	if err := r.Decode(&review); err != nil {
		return nil, fmt.Errorf("failed to decode review: %w", err)
	}
	if review.ID == "" {
		return nil, nil
	}
	return &review, nil
}
