// Package chat runs one conversation turn end to end: it authenticates the
// caller, gathers context, persists the turn, relays the model stream and
// finalizes the stored reply exactly once.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alphadose/haxmap"
	"github.com/floegence/redeven-chat/internal/identity"
	"github.com/floegence/redeven-chat/internal/intent"
	"github.com/floegence/redeven-chat/internal/memory"
	"github.com/floegence/redeven-chat/internal/notify"
	"github.com/floegence/redeven-chat/internal/provider"
	"github.com/floegence/redeven-chat/internal/tasks"
	"github.com/floegence/redeven-chat/internal/threadstore"
	"github.com/floegence/redeven-chat/internal/websearch"
	"github.com/google/uuid"
)

// Persistence is the subset of the thread store a turn needs.
type Persistence interface {
	GetThread(ctx context.Context, userID string, threadID string) (*threadstore.Thread, error)
	CreateThread(ctx context.Context, t threadstore.Thread) error
	CreateMessage(ctx context.Context, m threadstore.Message) (int64, error)
	UpdateMessageContent(ctx context.Context, threadID string, messageID string, text string, status string, modelID string) error
	TouchThread(ctx context.Context, threadID string, preview string) error
	RecentMessages(ctx context.Context, threadID string, n int) ([]threadstore.Message, error)
	GetMessage(ctx context.Context, threadID string, messageID string) (*threadstore.Message, error)
	ReplyTo(ctx context.Context, threadID string, messageID string) (*threadstore.Message, error)
}

// Gateway opens committed model streams.
type Gateway interface {
	Resolve(modelID string) (provider.ModelRef, error)
	Call(ctx context.Context, in provider.Input) (*provider.Session, error)
}

// WebSearcher serves news queries without a model call.
type WebSearcher interface {
	Search(ctx context.Context, req websearch.SearchRequest) (websearch.SearchResult, error)
}

const (
	defaultHistoryLimit    = 20
	defaultMemoryLimit     = 5
	defaultMaxMessageRunes = 32_000
	defaultAttachmentRunes = 20_000
	finalizeTimeout        = 10 * time.Second
)

type Options struct {
	Logger   *slog.Logger
	Identity identity.Resolver
	Store    Persistence
	Gateway  Gateway

	// Optional collaborators.
	Memory   memory.Searcher
	Web      WebSearcher
	Intent   *intent.Classifier
	Tasks    tasks.Store
	Notifier notify.Notifier

	SystemPrompt string

	HistoryLimit    int
	MemoryLimit     int
	MaxMessageRunes int
	AttachmentRunes int
	MaxOutputTokens int

	// NewID generates durable thread and message ids. Defaults to UUIDv7.
	NewID func() string
}

type Controller struct {
	log      *slog.Logger
	identity identity.Resolver
	store    Persistence
	gateway  Gateway
	memory   memory.Searcher
	web      WebSearcher
	intent   *intent.Classifier
	tasks    tasks.Store
	notifier notify.Notifier

	systemPrompt    string
	historyLimit    int
	memoryLimit     int
	maxMessageRunes int
	attachmentRunes int
	maxOutputTokens int
	newID           func() string

	// thread id -> owning turn id
	active *haxmap.Map[string, string]
}

func NewController(opts Options) (*Controller, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if opts.Identity == nil {
		return nil, errors.New("chat: missing identity resolver")
	}
	if opts.Store == nil {
		return nil, errors.New("chat: missing store")
	}
	if opts.Gateway == nil {
		return nil, errors.New("chat: missing gateway")
	}
	c := &Controller{
		log:             logger,
		identity:        opts.Identity,
		store:           opts.Store,
		gateway:         opts.Gateway,
		memory:          opts.Memory,
		web:             opts.Web,
		intent:          opts.Intent,
		tasks:           opts.Tasks,
		notifier:        opts.Notifier,
		systemPrompt:    strings.TrimSpace(opts.SystemPrompt),
		historyLimit:    opts.HistoryLimit,
		memoryLimit:     opts.MemoryLimit,
		maxMessageRunes: opts.MaxMessageRunes,
		attachmentRunes: opts.AttachmentRunes,
		maxOutputTokens: opts.MaxOutputTokens,
		newID:           opts.NewID,
		active:          haxmap.New[string, string](),
	}
	if c.memory == nil {
		c.memory = memory.Noop{}
	}
	if c.intent == nil {
		ic, err := intent.NewClassifier()
		if err != nil {
			return nil, fmt.Errorf("chat: intent classifier: %w", err)
		}
		c.intent = ic
	}
	if c.tasks == nil {
		c.tasks = tasks.NewMemory(tasks.DefaultTTL)
	}
	if c.historyLimit <= 0 {
		c.historyLimit = defaultHistoryLimit
	}
	if c.memoryLimit <= 0 {
		c.memoryLimit = defaultMemoryLimit
	}
	if c.maxMessageRunes <= 0 {
		c.maxMessageRunes = defaultMaxMessageRunes
	}
	if c.attachmentRunes <= 0 {
		c.attachmentRunes = defaultAttachmentRunes
	}
	if c.newID == nil {
		c.newID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	return c, nil
}

// Request is the body of a chat send.
type Request struct {
	Message            string       `json:"message"`
	ConversationID     string       `json:"conversationId,omitempty"`
	IsWebSearchEnabled bool         `json:"isWebSearchEnabled,omitempty"`
	ModelID            string       `json:"modelId,omitempty"`
	FileAttachments    []Attachment `json:"fileAttachments,omitempty"`

	// MessageID is the client's id for the user message. A retry of the same
	// send repeats it, and the turn then reuses the rows of the first attempt.
	MessageID string `json:"messageId,omitempty"`
}

const maxMessageIDLen = 64

// Authenticate resolves the caller of r.
func (c *Controller) Authenticate(r *http.Request) (string, error) {
	userID, err := c.identity.ResolveUserID(r)
	if err != nil || strings.TrimSpace(userID) == "" {
		return "", ErrUnauthenticated
	}
	return strings.TrimSpace(userID), nil
}

// Begin authenticates and validates a send and claims its thread. Nothing is
// written to the response before Begin succeeds, so its errors map to plain
// HTTP statuses. A returned Turn must be streamed, completed or released.
func (c *Controller) Begin(ctx context.Context, r *http.Request, req Request) (*Turn, error) {
	userID, err := c.Authenticate(r)
	if err != nil {
		return nil, err
	}
	return c.BeginAs(ctx, userID, req)
}

// BeginAs is Begin for a caller already authenticated as userID.
func (c *Controller) BeginAs(ctx context.Context, userID string, req Request) (*Turn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	startedAt := time.Now()
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUnauthenticated
	}

	clientMsgID := strings.TrimSpace(req.MessageID)
	if clientMsgID != "" && !validMessageID(clientMsgID) {
		return nil, invalid("messageId", "must be 1-64 letters, digits, '-' or '_'")
	}
	message := strings.TrimSpace(req.Message)
	if message == "" && !hasText(req.FileAttachments) {
		return nil, invalid("message", "is required")
	}
	if utf8.RuneCountInString(message) > c.maxMessageRunes {
		return nil, invalid("message", fmt.Sprintf("exceeds %d characters", c.maxMessageRunes))
	}
	ref, err := c.gateway.Resolve(req.ModelID)
	if err != nil {
		return nil, invalid("modelId", err.Error())
	}

	t := &Turn{
		c:         c,
		userID:    userID,
		ref:       ref,
		message:   message,
		webSearch: req.IsWebSearchEnabled,
		startedAt: startedAt,
		token:     c.newID(),
		userMsgID: clientMsgID,
	}
	t.prompt, _ = buildPrompt(message, req.FileAttachments, c.attachmentRunes)

	threadID := strings.TrimSpace(req.ConversationID)
	if threadID != "" {
		th, err := c.store.GetThread(ctx, userID, threadID)
		if err != nil {
			return nil, fmt.Errorf("load thread: %w", err)
		}
		if th == nil {
			return nil, invalid("conversationId", "unknown conversation")
		}
		t.threadID = threadID
		if !t.claim() {
			return nil, ErrThreadBusy
		}
		return t, nil
	}

	t.threadID = c.newID()
	t.claim()
	c.startThread(ctx, t)
	return t, nil
}

// startThread persists a fresh durable thread and fires the thread-started
// callback. Only this path creates threads, so the callback fires once per id.
func (c *Controller) startThread(ctx context.Context, t *Turn) {
	th := threadstore.Thread{
		ThreadID: t.threadID,
		UserID:   t.userID,
		ModelID:  t.ref.String(),
		Title:    threadstore.BuildTitle(firstNonEmpty(t.message, t.prompt)),
	}
	if err := c.store.CreateThread(ctx, th); err != nil {
		c.log.Error("create thread failed", "thread_id", t.threadID, "user_id", t.userID, "error", err)
		return
	}
	t.newThread = true
	if c.notifier == nil {
		return
	}
	ev := notify.ThreadStarted{
		ThreadID:  t.threadID,
		UserID:    t.userID,
		Title:     th.Title,
		Model:     th.ModelID,
		CreatedAt: time.Now(),
	}
	if err := c.notifier.ThreadStarted(ctx, ev); err != nil {
		c.log.Warn("thread started callback failed", "thread_id", t.threadID, "error", err)
	}
}

// Busy reports whether threadID has a turn in flight.
func (c *Controller) Busy(threadID string) bool {
	_, ok := c.active.Get(threadID)
	return ok
}

// TurnState returns the registry record of an assistant message.
func (c *Controller) TurnState(ctx context.Context, r *http.Request, messageID string) (tasks.Turn, error) {
	userID, err := c.Authenticate(r)
	if err != nil {
		return tasks.Turn{}, err
	}
	t, err := c.tasks.Get(ctx, messageID)
	if err != nil {
		return tasks.Turn{}, err
	}
	if t.UserID != userID {
		return tasks.Turn{}, tasks.ErrNotFound
	}
	return t, nil
}

func validMessageID(id string) bool {
	if id == "" || len(id) > maxMessageIDLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func hasText(atts []Attachment) bool {
	for _, a := range atts {
		if strings.TrimSpace(a.Text) != "" && textLike(a.MimeType) {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
