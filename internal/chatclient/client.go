package chatclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/floegence/redeven-chat/internal/frame"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const DefaultMaxAttempts = 3

// ErrSendInFlight rejects a send on a conversation that is still streaming.
var ErrSendInFlight = errors.New("a send is already in progress for this conversation")

// HTTPError is a non-200 answer to a send, before any frame was written.
type HTTPError struct {
	Status  int
	Message string
	Details string
}

func (e *HTTPError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("chat request failed (%d): %s: %s", e.Status, e.Message, e.Details)
	}
	return fmt.Sprintf("chat request failed (%d): %s", e.Status, e.Message)
}

// Retryable reports whether the same send may succeed later. A conflict
// means the server is still finalizing an earlier attempt on the thread.
func (e *HTTPError) Retryable() bool {
	switch e.Status {
	case http.StatusConflict, http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

type Options struct {
	Logger  *slog.Logger
	BaseURL string
	Token   string
	Store   *Store

	HTTPClient *http.Client

	// MaxAttempts caps the attempts of one send, counting the first.
	//
	// When zero, it defaults to 3.
	MaxAttempts int
	Backoff     func(attempt int) time.Duration

	// OnThreadStarted fires once per durable thread id this client learns
	// through a send.
	OnThreadStarted func(threadID string)
}

type Client struct {
	log         *slog.Logger
	base        string
	token       string
	store       *Store
	http        *http.Client
	maxAttempts int
	backoff     func(int) time.Duration
	onStarted   func(string)

	mu       sync.Mutex
	inflight map[*ThreadRef]struct{}
	started  map[string]struct{}
}

func New(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("missing server url")
	}
	store := opts.Store
	if store == nil {
		store = NewStore(StoreOptions{})
	}
	hc := opts.HTTPClient
	if hc == nil {
		// No client timeout: replies stream for as long as the server allows.
		hc = &http.Client{}
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	backoff := opts.Backoff
	if backoff == nil {
		backoff = func(attempt int) time.Duration { return time.Duration(attempt) * 500 * time.Millisecond }
	}
	return &Client{
		log:         logger,
		base:        base,
		token:       strings.TrimSpace(opts.Token),
		store:       store,
		http:        hc,
		maxAttempts: attempts,
		backoff:     backoff,
		onStarted:   opts.OnThreadStarted,
		inflight:    map[*ThreadRef]struct{}{},
		started:     map[string]struct{}{},
	}, nil
}

func (c *Client) Store() *Store { return c.store }

type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

type SendOptions struct {
	Model       string
	WebSearch   bool
	Attachments []Attachment
	// OnFrame observes every frame of every attempt.
	OnFrame func(f frame.Frame)
}

type sendRequest struct {
	Message            string       `json:"message"`
	ConversationID     string       `json:"conversationId,omitempty"`
	IsWebSearchEnabled bool         `json:"isWebSearchEnabled,omitempty"`
	ModelID            string       `json:"modelId,omitempty"`
	FileAttachments    []Attachment `json:"fileAttachments,omitempty"`
	MessageID          string       `json:"messageId,omitempty"`
}

func (c *Client) acquire(ref *ThreadRef) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[ref]; busy {
		return false
	}
	c.inflight[ref] = struct{}{}
	return true
}

func (c *Client) release(ref *ThreadRef) {
	c.mu.Lock()
	delete(c.inflight, ref)
	c.mu.Unlock()
}

// Send posts text on the conversation behind ref and renders the reply into
// the store. Transport failures and retryable statuses are retried up to the
// attempt cap; an in-band error frame is reported in Outcome.Failure.
//
// Every attempt carries the same user message id, so the server stores the
// message once however many attempts it sees. When the send fails for good,
// the user message is finalized if the server accepted it and removed if not.
func (c *Client) Send(ctx context.Context, ref *ThreadRef, text string, opts SendOptions) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ref == nil {
		return Outcome{}, ErrUnknownThread
	}
	if !c.acquire(ref) {
		return Outcome{}, ErrSendInFlight
	}
	defer c.release(ref)

	user, err := c.store.AddOptimistic(ref, "user", text)
	if err != nil {
		return Outcome{}, err
	}
	userMsgID := uuid.Must(uuid.NewV7()).String()
	if err := c.store.Patch(ref, user.ID, Patch{DurableID: userMsgID}); err != nil {
		return Outcome{}, err
	}

	accepted := false
	settle := func() {
		if accepted {
			_, _ = c.store.Finalize(ref, user.ID)
			return
		}
		_ = c.store.Remove(ref, user.ID)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			wait := c.backoff(attempt - 1)
			c.log.Warn("chat send failed, retrying", "thread_id", ref.ID(), "attempt", attempt, "backoff", wait.String(), "error", lastErr)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				settle()
				return Outcome{}, ctx.Err()
			case <-t.C:
			}
		}
		out, ok, err := c.attempt(ctx, ref, text, userMsgID, opts)
		accepted = accepted || ok
		if err == nil {
			_, _ = c.store.Finalize(ref, user.ID)
			return out, nil
		}
		lastErr = err
		if !retryable(ctx, err) {
			settle()
			return out, err
		}
	}
	settle()
	return Outcome{}, fmt.Errorf("giving up after %d attempts: %w", c.maxAttempts, lastErr)
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Retryable()
	}
	var te *TransportError
	return errors.As(err, &te)
}

// attempt runs one request. accepted reports whether the server answered
// 200, after which it holds the user message.
func (c *Client) attempt(ctx context.Context, ref *ThreadRef, text, userMsgID string, opts SendOptions) (out Outcome, accepted bool, err error) {
	placeholder, err := c.store.AddOptimistic(ref, "assistant", "")
	if err != nil {
		return Outcome{}, false, err
	}

	body := sendRequest{
		Message:            text,
		IsWebSearchEnabled: opts.WebSearch,
		ModelID:            strings.TrimSpace(opts.Model),
		FileAttachments:    opts.Attachments,
		MessageID:          userMsgID,
	}
	// Read at request time: an earlier attempt may have migrated the thread.
	if !ref.Temporary() {
		body.ConversationID = ref.ID()
	}
	b, err := json.Marshal(body)
	if err != nil {
		_ = c.store.Remove(ref, placeholder.ID)
		return Outcome{}, false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/chat/stream", bytes.NewReader(b))
	if err != nil {
		_ = c.store.Remove(ref, placeholder.ID)
		return Outcome{}, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		_ = c.store.Remove(ref, placeholder.ID)
		return Outcome{}, false, &TransportError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = c.store.Remove(ref, placeholder.ID)
		return Outcome{}, false, decodeHTTPError(resp)
	}

	cons := NewConsumer(c.store, ref, placeholder.ID)
	cons.OnFrame = opts.OnFrame
	cons.OnConversation = func(id string) error { return c.adopt(ref, id) }
	out, err = cons.Run(ctx, resp.Body)
	return out, true, err
}

// adopt moves a temp conversation onto its durable id.
func (c *Client) adopt(ref *ThreadRef, threadID string) error {
	if ref.Temporary() {
		if err := c.store.MigrateThread(ref.ID(), threadID); err != nil {
			return err
		}
	}
	c.mu.Lock()
	_, seen := c.started[threadID]
	c.started[threadID] = struct{}{}
	c.mu.Unlock()
	if !seen && c.onStarted != nil {
		c.onStarted(threadID)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func decodeHTTPError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	_ = json.Unmarshal(raw, &body)
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return &HTTPError{Status: resp.StatusCode, Message: body.Error, Details: body.Details}
}

type apiResp struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	var env apiResp
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("invalid response from %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK || !env.OK {
		return &HTTPError{Status: resp.StatusCode, Message: env.Error}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

type threadWire struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

type messageWire struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Model     string `json:"model"`
	CreatedAt int64  `json:"createdAt"`
}

// Threads fetches one page of the user's threads into the store.
func (c *Client) Threads(ctx context.Context, limit int, cursor string) ([]Thread, string, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var page struct {
		Threads    []threadWire `json:"threads"`
		NextCursor string       `json:"nextCursor"`
	}
	if err := c.getJSON(ctx, "/api/threads", q, &page); err != nil {
		return nil, "", err
	}
	out := make([]Thread, 0, len(page.Threads))
	for _, t := range page.Threads {
		th := Thread{ID: t.ID, Title: t.Title, CreatedAt: time.UnixMilli(t.CreatedAt), UpdatedAt: time.UnixMilli(t.UpdatedAt)}
		c.store.PutThread(th)
		out = append(out, th)
	}
	return out, page.NextCursor, nil
}

// Load hydrates a thread from the server and returns the store's view of it.
func (c *Client) Load(ctx context.Context, threadID string) ([]Message, error) {
	threadID = strings.TrimSpace(threadID)
	var page struct {
		Messages []messageWire `json:"messages"`
	}
	if err := c.getJSON(ctx, "/api/threads/"+url.PathEscape(threadID)+"/messages", url.Values{"limit": {"200"}}, &page); err != nil {
		return nil, err
	}
	server := make([]Message, 0, len(page.Messages))
	for _, m := range page.Messages {
		server = append(server, Message{
			ID:        m.ID,
			ThreadID:  threadID,
			Role:      m.Role,
			Content:   m.Content,
			Model:     m.Model,
			CreatedAt: time.UnixMilli(m.CreatedAt),
		})
	}
	c.store.Hydrate(threadID, server)
	return c.store.Messages(threadID), nil
}
