package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"converse/internal/content"
	"converse/internal/models"
	"converse/internal/storage"

	"github.com/c-pro/geche"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	ErrEmptyMessage  = errors.New("message is empty")
	ErrNoCurrentUser = errors.New("current user is not set")
	ErrNotConnected  = errors.New("not connected")
)

const localIDPrefix = "local_"

// Transport is the slice of the websocket channel the store consumes.
type Transport interface {
	Subscribe(kind models.EnvelopeKind, h func(models.Envelope)) func()
	SendMessage(threadID, content string, contentType models.ContentType) error
	SendTyping(threadID string, typing bool) error
	IsConnected() bool
}

type Config struct {
	// TypingExpiry is the quiescence window after which a remote typing
	// indicator auto-expires without a refresh.
	TypingExpiry time.Duration

	// TypingAutoStop is how long after the last StartTyping call the store
	// emits a stop_typing on the current user's behalf.
	TypingAutoStop time.Duration

	// TypingSendInterval throttles outbound typing-start envelopes per thread.
	TypingSendInterval time.Duration

	// DedupTTL bounds how long processed inbound message keys are remembered.
	// The per-thread id-uniqueness check is the second line of defense.
	DedupTTL time.Duration

	// Cache, when set, persists merged thread logs locally so a restarted
	// client renders instantly.
	Cache *storage.Cache

	OnNewMessage  func(models.Message)
	OnServerError func(string)
}

func (c *Config) applyDefaults() {
	if c.TypingExpiry <= 0 {
		c.TypingExpiry = 3 * time.Second
	}
	if c.TypingAutoStop <= 0 {
		c.TypingAutoStop = 2 * time.Second
	}
	if c.TypingSendInterval <= 0 {
		c.TypingSendInterval = 2 * time.Second
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 5 * time.Minute
	}
}

type thread struct {
	id       string
	messages []models.Message
	ids      map[string]struct{}
	unread   int
	typing   mapset.Set[string]
}

func newThread(id string) *thread {
	return &thread{
		id:     id,
		ids:    make(map[string]struct{}),
		typing: mapset.NewSet[string](),
	}
}

func (t *thread) has(id string) bool {
	_, ok := t.ids[id]
	return ok
}

// insert places msg into the log keeping CreatedAt ascending order; equal
// timestamps keep arrival order.
func (t *thread) insert(msg models.Message) {
	i := sort.Search(len(t.messages), func(i int) bool {
		return t.messages[i].CreatedAt.After(msg.CreatedAt)
	})
	t.messages = append(t.messages, models.Message{})
	copy(t.messages[i+1:], t.messages[i:])
	t.messages[i] = msg
	t.ids[msg.ID] = struct{}{}
}

func (t *thread) removeAt(i int) {
	delete(t.ids, t.messages[i].ID)
	t.messages = append(t.messages[:i], t.messages[i+1:]...)
}

// reconcile replaces the oldest pending optimistic copy matching the echoed
// message. Server echoes do not carry the client-side id, so the match is by
// sender, content and pending status.
func (t *thread) reconcile(msg models.Message) bool {
	for i, m := range t.messages {
		if !strings.HasPrefix(m.ID, localIDPrefix) {
			continue
		}
		if m.Status != models.StatusSending && m.Status != models.StatusSent {
			continue
		}
		if m.SenderID == msg.SenderID && m.Content == msg.Content {
			t.removeAt(i)
			t.insert(msg)
			return true
		}
	}
	return false
}

func (t *thread) last() *models.Message {
	if len(t.messages) == 0 {
		return nil
	}
	m := t.messages[len(t.messages)-1]
	return &m
}

// Store is the authoritative in-memory projection of all known threads,
// built by merging paginated history with the live event stream. All state
// transitions happen under one lock so that append-then-recompute-unread is
// atomic.
type Store struct {
	cfg     Config
	channel Transport

	mu            sync.Mutex
	threads       map[string]*thread
	presence      map[string]models.Presence
	currentUserID string
	activeThread  string
	lastError     string
	closed        bool

	seen         geche.Geche[string, struct{}]
	typingTimers map[string]map[string]*time.Timer
	ownTyping    map[string]*time.Timer
	typingLimits map[string]*rate.Limiter
	unsubs       []func()
}

func New(ctx context.Context, cfg Config, channel Transport) *Store {
	cfg.applyDefaults()

	s := &Store{
		cfg:          cfg,
		channel:      channel,
		threads:      make(map[string]*thread),
		presence:     make(map[string]models.Presence),
		seen:         geche.NewMapTTLCache[string, struct{}](ctx, cfg.DedupTTL, time.Minute),
		typingTimers: make(map[string]map[string]*time.Timer),
		ownTyping:    make(map[string]*time.Timer),
		typingLimits: make(map[string]*rate.Limiter),
	}

	s.unsubs = append(s.unsubs,
		channel.Subscribe(models.KindNewMessage, s.handleNewMessage),
		channel.Subscribe(models.KindTyping, s.handleTyping),
		channel.Subscribe(models.KindStopTyping, s.handleTyping),
		channel.Subscribe(models.KindUserJoined, s.handlePresence),
		channel.Subscribe(models.KindUserLeft, s.handlePresence),
		channel.Subscribe(models.KindUserStatus, s.handlePresence),
		channel.Subscribe(models.KindError, s.handleServerError),
	)

	if cfg.Cache != nil {
		s.loadCache()
	}

	return s
}

// SetCurrentUserID must be called before inbound messages can be attributed.
// Events arriving earlier are treated as remote defensively, so they count
// toward unread totals.
func (s *Store) SetCurrentUserID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentUserID = id
}

// SetActiveThreadID marks the thread currently visible to the user. Opening
// a thread resets its unread counter; pass "" when no thread is open.
func (s *Store) SetActiveThreadID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeThread = id
	if id == "" {
		return
	}
	th := s.threadLocked(id)
	th.unread = 0
}

// SendMessage optimistically appends a local copy with a synthetic id and
// hands the envelope to the transport. The server echo replaces the local
// copy (see thread.reconcile). It fails fast when disconnected; nothing is
// queued.
func (s *Store) SendMessage(threadID, text string) (models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, ErrEmptyMessage
	}
	return s.send(threadID, content.Sanitize(text), models.ContentTypeText)
}

// SendAttachment sends a non-text message. The attachment body travels out
// of band; the message carries the display name and a content type sniffed
// from the data.
func (s *Store) SendAttachment(threadID, name string, data []byte) (models.Message, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Message{}, ErrEmptyMessage
	}
	return s.send(threadID, content.Escape(name), content.DetectContentType(data))
}

func (s *Store) send(threadID, body string, contentType models.ContentType) (models.Message, error) {
	s.mu.Lock()
	userID := s.currentUserID
	s.mu.Unlock()
	if userID == "" {
		return models.Message{}, ErrNoCurrentUser
	}
	if !s.channel.IsConnected() {
		return models.Message{}, ErrNotConnected
	}

	msg := models.Message{
		ID:          localIDPrefix + uuid.NewString(),
		ThreadID:    threadID,
		SenderID:    userID,
		Content:     body,
		ContentType: contentType,
		CreatedAt:   time.Now().UTC(),
		Status:      models.StatusSending,
	}

	s.mu.Lock()
	s.threadLocked(threadID).insert(msg)
	wasTyping := s.cancelOwnTypingLocked(threadID)
	s.mu.Unlock()

	if wasTyping {
		// Sending a message implies the composer went quiet.
		_ = s.channel.SendTyping(threadID, false)
	}

	if err := s.channel.SendMessage(threadID, msg.Content, msg.ContentType); err != nil {
		s.setStatus(threadID, msg.ID, models.StatusFailed)
		msg.Status = models.StatusFailed
		return msg, fmt.Errorf("send message: %w", err)
	}

	s.setStatus(threadID, msg.ID, models.StatusSent)
	msg.Status = models.StatusSent
	return msg, nil
}

// StartTyping forwards a typing envelope, throttled per thread, and arms an
// auto-stop so a stalled composer does not leave the indicator on forever.
// Only remote typing is tracked as state; this changes nothing locally.
func (s *Store) StartTyping(threadID string) error {
	if !s.channel.IsConnected() {
		return ErrNotConnected
	}

	s.mu.Lock()
	lim, ok := s.typingLimits[threadID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.cfg.TypingSendInterval), 1)
		s.typingLimits[threadID] = lim
	}
	s.resetOwnTypingLocked(threadID)
	s.mu.Unlock()

	if !lim.Allow() {
		return nil
	}
	return s.channel.SendTyping(threadID, true)
}

// StopTyping forwards a stop_typing envelope and cancels any armed auto-stop.
func (s *Store) StopTyping(threadID string) error {
	s.mu.Lock()
	s.cancelOwnTypingLocked(threadID)
	s.mu.Unlock()

	if !s.channel.IsConnected() {
		return ErrNotConnected
	}
	return s.channel.SendTyping(threadID, false)
}

// Conversation returns the projected state of one thread.
func (s *Store) Conversation(threadID string) (models.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return models.Thread{}, false
	}
	return s.projectLocked(th), true
}

// AllConversations returns every known thread, most recent activity first;
// threads with no messages sort last.
func (s *Store) AllConversations() []models.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]models.Thread, 0, len(s.threads))
	for _, th := range s.threads {
		result = append(result, s.projectLocked(th))
	}
	sort.SliceStable(result, func(i, j int) bool {
		ti, tj := result[i].LastActivity(), result[j].LastActivity()
		if ti.Equal(tj) {
			return result[i].ID < result[j].ID
		}
		return ti.After(tj)
	})
	return result
}

// TotalUnread sums unread counts across all threads.
func (s *Store) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, th := range s.threads {
		total += th.unread
	}
	return total
}

// Presence returns the last known status of a remote user.
func (s *Store) Presence(userID string) (models.Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[userID]
	return p, ok
}

// LastServerError returns the most recent error envelope content, if any.
func (s *Store) LastServerError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// MergeHistory folds one fetched history page into the thread log using the
// same id-uniqueness invariant as live messages. History never changes
// unread counts; those track live remote messages only.
func (s *Store) MergeHistory(threadID string, page models.MessagePage) {
	s.mu.Lock()
	th := s.threadLocked(threadID)
	merged := make([]models.Message, 0, len(page.Messages))
	for _, m := range page.Messages {
		if m.ID == "" || th.has(m.ID) {
			continue
		}
		m.ThreadID = threadID
		m.Content = content.Sanitize(m.Content)
		m.Status = models.StatusDelivered
		th.insert(m)
		merged = append(merged, m)
	}
	cache := s.cfg.Cache
	s.mu.Unlock()

	if cache != nil && len(merged) > 0 {
		if err := cache.PutMessages(threadID, merged); err != nil {
			slog.Warn("history cache write failed", "thread_id", threadID, "error", err)
		}
	}
}

// Close detaches from the transport and cancels all outstanding typing
// timers so no dangling callback mutates discarded state.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, timers := range s.typingTimers {
		for _, t := range timers {
			t.Stop()
		}
	}
	s.typingTimers = make(map[string]map[string]*time.Timer)
	for _, t := range s.ownTyping {
		t.Stop()
	}
	s.ownTyping = make(map[string]*time.Timer)
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

func (s *Store) handleNewMessage(env models.Envelope) {
	if env.ThreadID == "" {
		slog.Debug("dropping message without thread id", "message_id", env.MessageID)
		return
	}

	msg := env.Message()
	msg.Content = content.Sanitize(msg.Content)
	key := dedupKey(msg.ID, msg.CreatedAt)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, err := s.seen.Get(key); err == nil {
		s.mu.Unlock()
		return
	}
	s.seen.Set(key, struct{}{})

	th := s.threadLocked(msg.ThreadID)
	own := s.currentUserID != "" && msg.SenderID == s.currentUserID

	switch {
	case own && th.reconcile(msg):
	case th.has(msg.ID):
		s.mu.Unlock()
		return
	default:
		th.insert(msg)
	}

	if !own {
		// A message from the peer supersedes their typing indicator.
		th.typing.Remove(msg.SenderID)
		s.cancelTypingTimerLocked(th.id, msg.SenderID)
		if th.id != s.activeThread {
			th.unread++
		}
	}

	cb := s.cfg.OnNewMessage
	cache := s.cfg.Cache
	s.mu.Unlock()

	if cache != nil {
		if err := cache.PutMessages(msg.ThreadID, []models.Message{msg}); err != nil {
			slog.Warn("message cache write failed", "error", err)
		}
	}
	if cb != nil {
		cb(msg)
	}
}

func (s *Store) handleTyping(env models.Envelope) {
	if env.SenderID == "" || env.ThreadID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	// The server should not echo our own typing events, but guard anyway:
	// the current user's id never enters their own typing set.
	if s.currentUserID != "" && env.SenderID == s.currentUserID {
		return
	}

	th := s.threadLocked(env.ThreadID)
	if env.Type == models.KindTyping {
		th.typing.Add(env.SenderID)
		s.resetTypingTimerLocked(env.ThreadID, env.SenderID)
	} else {
		th.typing.Remove(env.SenderID)
		s.cancelTypingTimerLocked(env.ThreadID, env.SenderID)
	}
}

func (s *Store) handlePresence(env models.Envelope) {
	if env.UserID == "" {
		return
	}
	status := env.Status
	if status == "" {
		status = models.UserStatusOnline
		if env.Type == models.KindUserLeft {
			status = models.UserStatusOffline
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.presence[env.UserID] = models.Presence{
		UserID:   env.UserID,
		Status:   status,
		LastSeen: time.Now().UTC(),
	}
}

func (s *Store) handleServerError(env models.Envelope) {
	slog.Warn("server reported error", "error", env.Error)

	s.mu.Lock()
	s.lastError = env.Error
	cb := s.cfg.OnServerError
	s.mu.Unlock()

	if cb != nil {
		cb(env.Error)
	}
}

func (s *Store) threadLocked(id string) *thread {
	th, ok := s.threads[id]
	if !ok {
		th = newThread(id)
		s.threads[id] = th
	}
	return th
}

func (s *Store) projectLocked(th *thread) models.Thread {
	messages := make([]models.Message, len(th.messages))
	copy(messages, th.messages)

	typing := th.typing.ToSlice()
	sort.Strings(typing)

	return models.Thread{
		ID:          th.id,
		Messages:    messages,
		LastMessage: th.last(),
		UnreadCount: th.unread,
		TypingUsers: typing,
	}
}

var statusRank = map[models.MessageStatus]int{
	models.StatusSending:   0,
	models.StatusSent:      1,
	models.StatusDelivered: 2,
}

// setStatus advances a message's delivery status. Status never regresses,
// and a message only fails while still awaiting confirmation.
func (s *Store) setStatus(threadID, messageID string, status models.MessageStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return
	}
	for i := range th.messages {
		if th.messages[i].ID != messageID {
			continue
		}
		cur := th.messages[i].Status
		switch {
		case status == models.StatusFailed:
			if cur == models.StatusSending || cur == models.StatusSent {
				th.messages[i].Status = status
			}
		case cur != models.StatusFailed && statusRank[status] > statusRank[cur]:
			th.messages[i].Status = status
		}
		return
	}
}

func (s *Store) resetTypingTimerLocked(threadID, userID string) {
	timers, ok := s.typingTimers[threadID]
	if !ok {
		timers = make(map[string]*time.Timer)
		s.typingTimers[threadID] = timers
	}
	if t, ok := timers[userID]; ok {
		t.Stop()
	}
	timers[userID] = time.AfterFunc(s.cfg.TypingExpiry, func() {
		s.expireTyping(threadID, userID)
	})
}

func (s *Store) cancelTypingTimerLocked(threadID, userID string) {
	if timers, ok := s.typingTimers[threadID]; ok {
		if t, ok := timers[userID]; ok {
			t.Stop()
			delete(timers, userID)
		}
	}
}

func (s *Store) expireTyping(threadID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if th, ok := s.threads[threadID]; ok {
		th.typing.Remove(userID)
	}
	if timers, ok := s.typingTimers[threadID]; ok {
		delete(timers, userID)
	}
}

func (s *Store) resetOwnTypingLocked(threadID string) {
	if t, ok := s.ownTyping[threadID]; ok {
		t.Stop()
	}
	s.ownTyping[threadID] = time.AfterFunc(s.cfg.TypingAutoStop, func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		delete(s.ownTyping, threadID)
		s.mu.Unlock()
		_ = s.channel.SendTyping(threadID, false)
	})
}

func (s *Store) cancelOwnTypingLocked(threadID string) bool {
	if t, ok := s.ownTyping[threadID]; ok {
		t.Stop()
		delete(s.ownTyping, threadID)
		return true
	}
	return false
}

func (s *Store) loadCache() {
	threadIDs, err := s.cfg.Cache.Threads()
	if err != nil {
		slog.Warn("cache read failed", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range threadIDs {
		msgs, err := s.cfg.Cache.ListMessages(id)
		if err != nil {
			slog.Warn("cache read failed", "thread_id", id, "error", err)
			continue
		}
		th := s.threadLocked(id)
		for _, m := range msgs {
			if m.ID == "" || th.has(m.ID) {
				continue
			}
			m.Status = models.StatusDelivered
			th.insert(m)
		}
	}
}

func dedupKey(id string, createdAt time.Time) string {
	return fmt.Sprintf("%s|%d", id, createdAt.UnixNano())
}
