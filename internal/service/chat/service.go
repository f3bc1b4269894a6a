package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/canned-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/canned-assistant/backend/internal/storage"
)

// StorageKey holds the persisted session document.
const StorageKey = "assistant.chats"

const (
	DefaultMaxSessions = 50
	DefaultMaxMessages = 100
)

var ErrSessionNotFound = errors.New("session not found")

// Options configures a Service. Zero values fall back to defaults.
type Options struct {
	Storage     storage.Store
	MaxSessions int
	MaxMessages int
	Logger      *zap.Logger
	Now         func() time.Time
}

// Service owns the chat sessions of one assistant context. Every mutation
// rewrites the whole persisted document.
type Service struct {
	mu          sync.Mutex
	storage     storage.Store
	maxSessions int
	maxMessages int
	logger      *zap.Logger
	now         func() time.Time
}

// NewService builds a session store over the given storage.
func NewService(opts Options) *Service {
	if opts.Storage == nil {
		opts.Storage = storage.NewMemory()
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = DefaultMaxMessages
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		storage:     opts.Storage,
		maxSessions: opts.MaxSessions,
		maxMessages: opts.MaxMessages,
		logger:      opts.Logger,
		now:         opts.Now,
	}
}

// CreateSession prepends a new session, evicts the oldest beyond the cap and
// marks the new one current. A non-blank titleHint seeds the title.
func (s *Service) CreateSession(ctx context.Context, titleHint string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.read(ctx)
	now := s.now().UTC()
	session := chat.Session{
		ID:       newSessionID(now),
		Title:    chat.DefaultTitle,
		Messages: []chat.Message{},
		Created:  now,
		Updated:  now,
	}
	if strings.TrimSpace(titleHint) != "" {
		session.Title = DeriveTitle(titleHint)
	}

	doc.Chats = append([]chat.Session{session}, doc.Chats...)
	if len(doc.Chats) > s.maxSessions {
		evicted := len(doc.Chats) - s.maxSessions
		doc.Chats = doc.Chats[:s.maxSessions]
		s.logger.Debug("evicted oldest sessions", zap.Int("count", evicted))
	}
	doc.CurrentChatID = session.ID

	if err := s.write(ctx, doc); err != nil {
		return "", err
	}
	return session.ID, nil
}

// AppendMessage stamps msg with an id and timestamp and appends it. It
// returns false when the session does not exist.
func (s *Service) AppendMessage(ctx context.Context, sessionID string, msg chat.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.read(ctx)
	idx := indexOf(doc.Chats, sessionID)
	if idx < 0 {
		return false
	}

	now := s.now().UTC()
	msg.ID = "msg_" + uuid.NewString()
	msg.Timestamp = now
	if msg.Followup != nil {
		msg.Followup = append([]string(nil), msg.Followup...)
	}

	session := &doc.Chats[idx]
	session.Messages = append(session.Messages, msg)
	if over := len(session.Messages) - s.maxMessages; over > 0 {
		session.Messages = append([]chat.Message(nil), session.Messages[over:]...)
	}
	session.MessageCount = len(session.Messages)
	session.Updated = now
	if msg.Type == chat.MessageUser && session.Title == chat.DefaultTitle {
		session.Title = DeriveTitle(msg.Content)
	}

	return s.write(ctx, doc) == nil
}

// DeleteSession removes a session. Deleting the current session leaves no
// session current.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.read(ctx)
	idx := indexOf(doc.Chats, sessionID)
	if idx < 0 {
		return false
	}
	doc.Chats = append(doc.Chats[:idx], doc.Chats[idx+1:]...)
	if doc.CurrentChatID == sessionID {
		doc.CurrentChatID = ""
	}
	return s.write(ctx, doc) == nil
}

// ClearAll removes every session.
func (s *Service) ClearAll(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.read(ctx)
	doc.Chats = []chat.Session{}
	doc.CurrentChatID = ""
	return s.write(ctx, doc) == nil
}

// SetCurrent marks an existing session current.
func (s *Service) SetCurrent(ctx context.Context, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.read(ctx)
	if indexOf(doc.Chats, sessionID) < 0 {
		return false
	}
	doc.CurrentChatID = sessionID
	return s.write(ctx, doc) == nil
}

// GetCurrent returns the current session id.
func (s *Service) GetCurrent(ctx context.Context) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.read(ctx)
	if doc.CurrentChatID == "" || indexOf(doc.Chats, doc.CurrentChatID) < 0 {
		return "", false
	}
	return doc.CurrentChatID, true
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(ctx context.Context, sessionID string) (chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.read(ctx)
	idx := indexOf(doc.Chats, sessionID)
	if idx < 0 {
		return chat.Session{}, ErrSessionNotFound
	}
	return doc.Chats[idx].Clone(), nil
}

// ListSessions returns every session, most recent first.
func (s *Service) ListSessions(ctx context.Context) []chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.read(ctx)
	out := make([]chat.Session, len(doc.Chats))
	for i, session := range doc.Chats {
		out[i] = session.Clone()
	}
	return out
}

// Snapshot returns the whole persisted document.
func (s *Service) Snapshot(ctx context.Context) chat.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(ctx)
}

// Restore replaces every session with doc after validating it. Documents
// larger than the configured caps are trimmed the same way appends are.
func (s *Service) Restore(ctx context.Context, doc chat.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chats := make([]chat.Session, 0, min(len(doc.Chats), s.maxSessions))
	for _, session := range doc.Chats {
		if len(chats) == s.maxSessions {
			break
		}
		session = session.Clone()
		if over := len(session.Messages) - s.maxMessages; over > 0 {
			session.Messages = session.Messages[over:]
		}
		session.MessageCount = len(session.Messages)
		chats = append(chats, session)
	}
	doc.Chats = chats
	if indexOf(chats, doc.CurrentChatID) < 0 {
		doc.CurrentChatID = ""
	}
	return s.write(ctx, doc)
}

func (s *Service) read(ctx context.Context) chat.Document {
	data, ok, err := s.storage.Get(ctx, StorageKey)
	if err != nil {
		s.logger.Warn("reading sessions", zap.Error(err))
		return s.empty()
	}
	if !ok {
		return s.empty()
	}
	var doc chat.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("discarding malformed session document", zap.Error(err))
		return s.empty()
	}
	if doc.Chats == nil {
		doc.Chats = []chat.Session{}
	}
	return doc
}

func (s *Service) empty() chat.Document {
	return chat.Document{
		Chats: []chat.Session{},
		Settings: chat.Settings{
			Version:     chat.DocumentVersion,
			MaxChats:    s.maxSessions,
			MaxMessages: s.maxMessages,
		},
	}
}

func (s *Service) write(ctx context.Context, doc chat.Document) error {
	doc.Settings.Version = chat.DocumentVersion
	doc.Settings.MaxChats = s.maxSessions
	doc.Settings.MaxMessages = s.maxMessages

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}
	if err := s.storage.Set(ctx, StorageKey, data); err != nil {
		s.logger.Warn("sessions not persisted", zap.Error(err))
		return err
	}
	return nil
}

func indexOf(chats []chat.Session, id string) int {
	if id == "" {
		return -1
	}
	for i, session := range chats {
		if session.ID == id {
			return i
		}
	}
	return -1
}

func newSessionID(now time.Time) string {
	return "chat_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + uuid.NewString()[:8]
}
