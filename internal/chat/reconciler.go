package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"listen-room/internal/config"
	"listen-room/internal/identity"
	"listen-room/internal/models"
	"listen-room/internal/subscription"

	"github.com/benbjohnson/clock"
	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
)

// LocalIDPrefix marks identifiers assigned before the server confirms a message.
const LocalIDPrefix = "local-"

var (
	ErrNotAuthenticated = errors.New("sending chat requires a signed-in user")
	ErrEmptyMessage     = errors.New("chat message is empty")
	ErrMessageTooLong   = errors.New("chat message is too long")
)

// API stores and lists chat messages.
type API interface {
	ListMessages(ctx context.Context, roomID int64, limit int) ([]models.ChatMessage, error)
	CreateMessage(ctx context.Context, req models.CreateChatMessageRequest) (*models.ChatMessage, error)
}

// Entry is one line of the chat feed. Provisional entries carry a LocalID
// and no ConfirmedID.
type Entry struct {
	LocalID     string
	ConfirmedID int64
	UserID      int64
	Username    string
	Text        string
	Color       string
	SentAt      time.Time
	System      bool
	Failed      bool
}

func (e Entry) Provisional() bool {
	return e.ConfirmedID == 0 && !e.System
}

// ID returns the confirmed id in decimal, or the local id.
func (e Entry) ID() string {
	if e.ConfirmedID != 0 {
		return fmt.Sprintf("%d", e.ConfirmedID)
	}
	return e.LocalID
}

// EventType says what happened to the entry of an Event
type EventType string

const (
	EntryAdded     EventType = "added"
	EntryConfirmed EventType = "confirmed"
	EntryFailed    EventType = "failed"
	HistoryLoaded  EventType = "history_loaded"
)

type Event struct {
	Type  EventType
	Entry Entry
}

type Option func(*Reconciler)

func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// Reconciler maintains the chat feed of a room.
type Reconciler struct {
	api      API
	identity identity.Provider
	roomID   int64
	cfg      config.ChatConfig
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	entries []Entry

	subscribers subscription.List[Event]
}

func NewReconciler(api API, id identity.Provider, roomID int64, cfg config.ChatConfig, opts ...Option) *Reconciler {
	r := &Reconciler{
		api:      api,
		identity: id,
		roomID:   roomID,
		cfg:      cfg,
		clock:    clock.New(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg.HistoryLimit <= 0 {
		r.cfg.HistoryLimit = 100
	}
	if r.cfg.MaxMessageLength <= 0 {
		r.cfg.MaxMessageLength = models.MaxChatMessageLength
	}
	return r
}

// SendMessage shows the message at once as a provisional entry, then asks
// the server to store it. On failure the entry stays in the feed, marked
// Failed, and the classified API error is returned.
func (r *Reconciler) SendMessage(ctx context.Context, text string) (Entry, error) {
	user := r.currentUser()
	if user == nil {
		return Entry{}, ErrNotAuthenticated
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, ErrEmptyMessage
	}
	if n := utf8.RuneCountInString(text); n > r.cfg.MaxMessageLength {
		return Entry{}, fmt.Errorf("%w: %d characters, limit is %d", ErrMessageTooLong, n, r.cfg.MaxMessageLength)
	}

	entry := Entry{
		LocalID:  LocalIDPrefix + ulid.Make().String(),
		UserID:   user.ID,
		Username: user.Username,
		Text:     text,
		Color:    Color(user.Username),
		SentAt:   r.clock.Now(),
	}
	r.mu.Lock()
	r.appendLocked(entry)
	r.mu.Unlock()
	r.subscribers.Notify(Event{Type: EntryAdded, Entry: entry})

	if r.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = r.clock.WithTimeout(ctx, r.cfg.SendTimeout)
		defer cancel()
	}

	msg, err := r.api.CreateMessage(ctx, models.CreateChatMessageRequest{
		RoomID:  r.roomID,
		UserID:  user.ID,
		Message: text,
	})
	if err != nil {
		r.logger.Warn("Failed to send chat message", "local_id", entry.LocalID, "error", err)
		r.markFailed(entry.LocalID)
		entry.Failed = true
		return entry, err
	}

	return r.Receive(*msg), nil
}

// Receive merges a confirmed message into the feed. A confirmed id already
// present is ignored; a provisional entry with the same text and sender is
// replaced where it stands; anything else is appended.
func (r *Reconciler) Receive(msg models.ChatMessage) Entry {
	incoming := r.fromMessage(msg)

	r.mu.Lock()
	if msg.ID != 0 {
		if existing, ok := lo.Find(r.entries, func(e Entry) bool { return e.ConfirmedID == msg.ID }); ok {
			r.mu.Unlock()
			r.logger.Debug("Duplicate chat message ignored", "id", msg.ID)
			return existing
		}
	}

	evType := EntryAdded
	if _, idx, ok := lo.FindIndexOf(r.entries, func(e Entry) bool { return matchesProvisional(e, msg) }); ok {
		r.entries[idx] = incoming
		evType = EntryConfirmed
	} else {
		r.appendLocked(incoming)
	}
	r.mu.Unlock()

	r.subscribers.Notify(Event{Type: evType, Entry: incoming})
	return incoming
}

// AddSystem appends a notice rendered in SystemColor.
func (r *Reconciler) AddSystem(text string) Entry {
	entry := Entry{
		LocalID: LocalIDPrefix + ulid.Make().String(),
		Text:    text,
		Color:   SystemColor,
		SentAt:  r.clock.Now(),
		System:  true,
	}
	r.mu.Lock()
	r.appendLocked(entry)
	r.mu.Unlock()
	r.subscribers.Notify(Event{Type: EntryAdded, Entry: entry})
	return entry
}

// LoadHistory replaces the feed with the server's recent history, keeping
// local entries the history does not account for yet.
func (r *Reconciler) LoadHistory(ctx context.Context) error {
	msgs, err := r.api.ListMessages(ctx, r.roomID, r.cfg.HistoryLimit)
	if err != nil {
		return err
	}

	history := lo.Map(msgs, func(m models.ChatMessage, _ int) Entry { return r.fromMessage(m) })

	r.mu.Lock()
	pending := lo.Filter(r.entries, func(e Entry, _ int) bool {
		if !e.Provisional() {
			return false
		}
		return !lo.ContainsBy(msgs, func(m models.ChatMessage) bool { return matchesProvisional(e, m) })
	})
	r.entries = append(history, pending...)
	r.trimLocked()
	count := len(r.entries)
	r.mu.Unlock()

	r.logger.Debug("Chat history loaded", "messages", len(msgs), "pending", len(pending), "feed", count)
	r.subscribers.Notify(Event{Type: HistoryLoaded})
	return nil
}

// Entries returns a copy of the feed, oldest first.
func (r *Reconciler) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.entries)
}

// Subscribe registers a callback for feed changes.
func (r *Reconciler) Subscribe(fn func(Event)) *subscription.Handle {
	return r.subscribers.Subscribe(fn)
}

// Clear empties the feed and drops every subscriber.
func (r *Reconciler) Clear() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
	r.subscribers.Clear()
}

func (r *Reconciler) currentUser() *models.User {
	if r.identity == nil {
		return nil
	}
	user := r.identity.CurrentUser()
	if user.IsAnonymous() {
		return nil
	}
	return user
}

func (r *Reconciler) markFailed(localID string) {
	r.mu.Lock()
	_, idx, ok := lo.FindIndexOf(r.entries, func(e Entry) bool { return e.LocalID == localID })
	var entry Entry
	if ok {
		r.entries[idx].Failed = true
		entry = r.entries[idx]
	}
	r.mu.Unlock()

	if ok {
		r.subscribers.Notify(Event{Type: EntryFailed, Entry: entry})
	}
}

func (r *Reconciler) fromMessage(m models.ChatMessage) Entry {
	color := Color(m.Username)
	if m.System {
		color = SystemColor
	}
	sentAt := m.SentAt.Time
	if sentAt.IsZero() {
		sentAt = r.clock.Now()
	}
	return Entry{
		ConfirmedID: m.ID,
		UserID:      m.UserID,
		Username:    m.Username,
		Text:        m.Message,
		Color:       color,
		SentAt:      sentAt,
		System:      m.System,
	}
}

func (r *Reconciler) appendLocked(e Entry) {
	r.entries = append(r.entries, e)
	r.trimLocked()
}

// trimLocked drops the oldest entries beyond the history limit.
func (r *Reconciler) trimLocked() {
	if over := len(r.entries) - r.cfg.HistoryLimit; over > 0 {
		r.entries = slices.Delete(r.entries, 0, over)
	}
}

func matchesProvisional(e Entry, m models.ChatMessage) bool {
	if !e.Provisional() || e.Text != m.Message {
		return false
	}
	if e.UserID != 0 && m.UserID != 0 {
		return e.UserID == m.UserID
	}
	return e.Username == m.Username
}
