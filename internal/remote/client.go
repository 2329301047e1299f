package remote

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

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
)

const defaultCallTimeout = 10 * time.Second

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL string
	Token   string
	// CallTimeout bounds every one-shot write.
	CallTimeout time.Duration
	HTTPClient  *http.Client
	Dialer      *websocket.Dialer
	// NewBackOff builds the reconnect policy of a subscription.
	NewBackOff func() backoff.BackOff
}

// Client talks to the chat backend: websocket streams for subscriptions and
// JSON over HTTP for one-shot writes.
type Client struct {
	baseURL     string
	token       string
	callTimeout time.Duration
	httpClient  *http.Client
	dialer      *websocket.Dialer
	newBackOff  func() backoff.BackOff
}

// NewClient constructs a Client.
func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: timeout}
	}
	newBackOff := opts.NewBackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	return &Client{
		baseURL:     baseURL,
		token:       strings.TrimSpace(opts.Token),
		callTimeout: timeout,
		httpClient:  httpClient,
		dialer:      dialer,
		newBackOff:  newBackOff,
	}
}

type createConversationRequest struct {
	Conversation models.Conversation `json:"conversation"`
	UserID       string              `json:"user_id"`
}

type watermarkRequest struct {
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}

func (c *Client) CreateConversation(ctx context.Context, conversation models.Conversation, userID string) error {
	err := c.doJSON(ctx, http.MethodPost, "/v1/conversations", createConversationRequest{Conversation: conversation, UserID: userID})
	observability.ObserveRemoteCall("create_conversation", err)
	return err
}

func (c *Client) DeleteConversation(ctx context.Context, conversationID, userID string, at time.Time) error {
	path := fmt.Sprintf("/v1/conversations/%s/delete", url.PathEscape(conversationID))
	err := c.doJSON(ctx, http.MethodPost, path, watermarkRequest{UserID: userID, At: at})
	observability.ObserveRemoteCall("delete_conversation", err)
	return err
}

func (c *Client) UpdateWatermark(ctx context.Context, conversationID, userID string, at time.Time) error {
	path := fmt.Sprintf("/v1/conversations/%s/watermark", url.PathEscape(conversationID))
	err := c.doJSON(ctx, http.MethodPut, path, watermarkRequest{UserID: userID, At: at})
	observability.ObserveRemoteCall("update_watermark", err)
	return err
}

func (c *Client) CreateMessage(ctx context.Context, message models.Message) error {
	path := fmt.Sprintf("/v1/conversations/%s/messages", url.PathEscape(message.ConversationID))
	err := c.doJSON(ctx, http.MethodPost, path, message)
	observability.ObserveRemoteCall("create_message", err)
	return err
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	c.setHeaders(req.Header)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errorForTransport(err)
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return errorForTransport(readErr)
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}

	var errPayload struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(respBody, &errPayload)
	if errPayload.Message == "" {
		errPayload.Message = http.StatusText(resp.StatusCode)
	}
	return errorForStatus(resp.StatusCode, errPayload.Message)
}

func (c *Client) setHeaders(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	h.Set("X-Correlation-Id", uuid.NewString())
}

// SubscribeConversations streams the conversations of userID.
func (c *Client) SubscribeConversations(ctx context.Context, userID string) (<-chan models.Conversation, error) {
	if userID == "" {
		return nil, errors.New("subscribe conversations: empty user id")
	}
	endpoint := func() (string, error) {
		return c.streamURL(fmt.Sprintf("/v1/users/%s/conversations/stream", url.PathEscape(userID)), nil)
	}
	return subscribe[models.Conversation](ctx, c, "conversations", endpoint, nil), nil
}

// SubscribeMessages streams the messages of conversationID dated after since.
// After a reconnect the stream resumes after the newest delivered message.
func (c *Client) SubscribeMessages(ctx context.Context, conversationID string, since *time.Time) (<-chan models.Message, error) {
	if conversationID == "" {
		return nil, errors.New("subscribe messages: empty conversation id")
	}
	var resume *time.Time
	if since != nil {
		ts := *since
		resume = &ts
	}
	endpoint := func() (string, error) {
		q := url.Values{}
		if resume != nil {
			q.Set("since", resume.UTC().Format(time.RFC3339Nano))
		}
		return c.streamURL(fmt.Sprintf("/v1/conversations/%s/messages/stream", url.PathEscape(conversationID)), q)
	}
	delivered := func(msg models.Message) {
		if resume == nil || msg.Date.After(*resume) {
			ts := msg.Date
			resume = &ts
		}
	}
	return subscribe[models.Message](ctx, c, "messages", endpoint, delivered), nil
}

func (c *Client) streamURL(path string, q url.Values) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", errors.Wrap(err, "parse stream url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

var _ Feed = (*Client)(nil)
