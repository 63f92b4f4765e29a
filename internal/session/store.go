package session

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/lumen/internal/emotion"
	"github.com/ent0n29/lumen/internal/kvstore"
	"github.com/ent0n29/lumen/internal/memory"
)

// Creator issues a new backend session.
type Creator interface {
	CreateSession(ctx context.Context) (int64, error)
}

type Option func(*Store)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDefaultVoice sets the voice reported until one is selected.
func WithDefaultVoice(voice string) Option {
	return func(s *Store) { s.defaultVoice = strings.TrimSpace(voice) }
}

// WithWriteHook is called after every persisted set or delete.
func WithWriteHook(hook func(op string, err error)) Option {
	return func(s *Store) { s.writeHook = hook }
}

// Store owns the session id, conversation history, long-term memory, vocal
// emotion and selected voice. Reads come from memory; every mutation is
// written through to the key/value store asynchronously.
type Store struct {
	kv           kvstore.Store
	logger       *zap.Logger
	defaultVoice string
	writeHook    func(string, error)
	w            *writer

	// ensureMu serialises session creation so only one POST /session is made.
	ensureMu sync.Mutex

	mu         sync.RWMutex
	sessionID  int64
	hasSession bool
	history    []Message
	memory     memory.LongTermMemory
	vocal      emotion.VocalResult
	voice      string
}

func NewStore(kv kvstore.Store, opts ...Option) *Store {
	s := &Store{
		kv:      kv,
		logger:  zap.NewNop(),
		history: []Message{},
		memory:  memory.LongTermMemory{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.w = newWriter(kv, s.logger, s.writeHook)
	return s
}

// Hydrate loads persisted state. Unreadable entries are logged and skipped so
// a corrupt value never blocks startup.
func (s *Store) Hydrate(ctx context.Context) error {
	rawID, okID, err := s.kv.Get(ctx, KeySession)
	if err != nil {
		return err
	}
	rawHistory, okHistory, err := s.kv.Get(ctx, KeyMessages)
	if err != nil {
		return err
	}
	rawMemory, okMemory, err := s.kv.Get(ctx, KeyMemory)
	if err != nil {
		return err
	}
	rawVoice, okVoice, err := s.kv.Get(ctx, KeyVoice)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if okID {
		id, err := strconv.ParseInt(strings.TrimSpace(rawID), 10, 64)
		if err != nil {
			s.logger.Warn("ignoring unreadable saved session id", zap.String("value", rawID), zap.Error(err))
		} else {
			s.sessionID = id
			s.hasSession = true
		}
	}
	if okHistory {
		var history []Message
		if err := json.Unmarshal([]byte(rawHistory), &history); err != nil {
			s.logger.Warn("ignoring unreadable saved history", zap.Error(err))
		} else if history != nil {
			s.history = history
		}
	}
	if okMemory {
		var mem memory.LongTermMemory
		if err := json.Unmarshal([]byte(rawMemory), &mem); err != nil {
			s.logger.Warn("ignoring unreadable saved memory", zap.Error(err))
		} else if mem != nil {
			s.memory = mem
		}
	}
	if okVoice && strings.TrimSpace(rawVoice) != "" {
		s.voice = strings.TrimSpace(rawVoice)
	}

	s.logger.Info("session state hydrated",
		zap.Bool("has_session", s.hasSession),
		zap.Int64("session_id", s.sessionID),
		zap.Int("history_len", len(s.history)),
		zap.Int("memory_facts", len(s.memory)),
	)
	return nil
}

// EnsureSession returns the current session id, creating one through creator
// only when none exists yet.
func (s *Store) EnsureSession(ctx context.Context, creator Creator) (int64, error) {
	if id, ok := s.SessionID(); ok {
		return id, nil
	}

	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()
	if id, ok := s.SessionID(); ok {
		return id, nil
	}

	id, err := creator.CreateSession(ctx)
	if err != nil {
		return 0, &SessionCreationError{Err: err}
	}
	if err := s.SetSessionID(id); err != nil {
		return 0, err
	}
	s.logger.Info("session created", zap.Int64("session_id", id))
	return id, nil
}

// SetSessionID assigns the session id. It may be set once; setting the same
// id again is a no-op.
func (s *Store) SetSessionID(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasSession {
		if s.sessionID == id {
			return nil
		}
		return ErrSessionAlreadySet
	}
	s.sessionID = id
	s.hasSession = true
	s.w.set(KeySession, strconv.FormatInt(id, 10))
	return nil
}

func (s *Store) SessionID() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID, s.hasSession
}

func (s *Store) History() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.history)
}

func (s *Store) Memory() memory.LongTermMemory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memory.Clone()
}

func (s *Store) VocalEmotion() emotion.VocalResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vocal.Clone()
}

// ReplaceHistory swaps in the backend's authoritative history.
func (s *Store) ReplaceHistory(history []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceHistoryLocked(history)
}

// MergeMemory folds an extracted fragment into long-term memory and returns
// the merged result.
func (s *Store) MergeMemory(fragment memory.LongTermMemory) memory.LongTermMemory {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeMemoryLocked(fragment)
	return s.memory.Clone()
}

// SetVocalEmotion replaces the vocal emotion snapshot. It is kept in memory
// only.
func (s *Store) SetVocalEmotion(v emotion.VocalResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vocal = v.Clone()
}

// ApplyTurn folds a successful interaction into the store under one lock so
// readers never see history from one turn and memory from another.
func (s *Store) ApplyTurn(u TurnUpdate) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceHistoryLocked(u.History)
	s.mergeMemoryLocked(u.MemoryFragment)
	if u.VocalEmotion != nil {
		s.vocal = u.VocalEmotion.Clone()
	}
	return s.snapshotLocked()
}

func (s *Store) replaceHistoryLocked(history []Message) {
	s.history = cloneMessages(history)
	if len(s.history) == 0 {
		return
	}
	data, err := json.Marshal(s.history)
	if err != nil {
		s.logger.Warn("encode history failed", zap.Error(err))
		return
	}
	s.w.set(KeyMessages, string(data))
}

func (s *Store) mergeMemoryLocked(fragment memory.LongTermMemory) {
	s.memory = memory.Merge(s.memory, fragment)
	if len(s.memory) == 0 {
		return
	}
	data, err := json.Marshal(s.memory)
	if err != nil {
		s.logger.Warn("encode memory failed", zap.Error(err))
		return
	}
	s.w.set(KeyMemory, string(data))
}

// Reset clears history and memory and removes their persisted keys. The
// session id and voice survive. It waits for the deletes to land.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.history = []Message{}
	s.memory = memory.LongTermMemory{}
	s.w.del(KeyMessages)
	s.w.del(KeyMemory)
	s.mu.Unlock()

	s.logger.Info("conversation reset")
	return s.w.flush(ctx)
}

// Voice returns the selected voice, falling back to the default.
func (s *Store) Voice() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.voice != "" {
		return s.voice
	}
	return s.defaultVoice
}

func (s *Store) SetVoice(voice string) {
	voice = strings.TrimSpace(voice)
	if voice == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voice = voice
	s.w.set(KeyVoice, voice)
}

func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() State {
	voice := s.voice
	if voice == "" {
		voice = s.defaultVoice
	}
	return State{
		SessionID:    s.sessionID,
		HasSession:   s.hasSession,
		History:      cloneMessages(s.history),
		Memory:       s.memory.Clone(),
		VocalEmotion: s.vocal.Clone(),
		Voice:        voice,
	}
}

// Flush waits until every mutation made so far is persisted.
func (s *Store) Flush(ctx context.Context) error {
	return s.w.flush(ctx)
}

// Close drains pending writes. It does not close the key/value store.
func (s *Store) Close(ctx context.Context) error {
	return s.w.close(ctx)
}
