// Package reconcile keeps a client's view of one chat consistent while its own
// sends are in flight: optimistic entries appear immediately and are replaced
// in place by the server-confirmed message when the echo arrives.
package reconcile

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"chatsync/errs"
	"chatsync/models"
)

// DefaultWindow bounds how far apart an optimistic entry and a server echo may
// be created and still be considered the same message.
const DefaultWindow = 30 * time.Second

// TempIDPrefix marks ids that were generated locally and are unknown to the server.
const TempIDPrefix = "temp-"

type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusConfirmed Status = "confirmed"
)

// Entry is one row of the visible message list. Message.ID is empty until the
// server has acknowledged or echoed the send.
type Entry struct {
	TempID  string
	Message models.Message
	Status  Status
	Error   string
}

// Optimistic reports whether the entry has not been matched with a server echo yet.
func (e *Entry) Optimistic() bool {
	return e.Status != StatusConfirmed
}

// Draft is what the user typed.
type Draft struct {
	Content     string
	ContentType models.ContentType
	MediaURL    *string
	ReplyToID   *string
}

// Outcome describes what Receive did with a delivered message.
type Outcome int

const (
	Ignored Outcome = iota
	Appended
	Replaced
	Duplicate
)

// Store is the message list for a single chat as seen by selfID.
type Store struct {
	mu      sync.Mutex
	chatID  string
	selfID  string
	window  time.Duration
	now     func() time.Time
	entries []*Entry
	byID    map[string]*Entry
	byTemp  map[string]*Entry
}

func NewStore(chatID, selfID string, window time.Duration) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Store{
		chatID: chatID,
		selfID: selfID,
		window: window,
		now:    time.Now,
		byID:   make(map[string]*Entry),
		byTemp: make(map[string]*Entry),
	}
}

// WithClock replaces the time source; used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// Load seeds the list with a history page. Messages already present are skipped.
func (s *Store) Load(msgs []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range msgs {
		if _, ok := s.byID[m.ID]; ok {
			continue
		}
		e := &Entry{Message: m, Status: StatusConfirmed}
		s.entries = append(s.entries, e)
		s.byID[m.ID] = e
	}
}

// Submit appends an optimistic entry and returns the request to send. The
// request carries the temp id so the echo can be matched exactly.
func (s *Store) Submit(d Draft) (Entry, models.SendMessageRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	contentType := d.ContentType
	if contentType == "" {
		contentType = models.ContentText
	}
	now := s.now().UTC()
	e := &Entry{
		TempID: TempIDPrefix + uuid.NewString(),
		Status: StatusSending,
		Message: models.Message{
			ChatID:      s.chatID,
			SenderID:    s.selfID,
			Content:     d.Content,
			ContentType: contentType,
			MediaURL:    d.MediaURL,
			ReplyToID:   d.ReplyToID,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}
	s.entries = append(s.entries, e)
	s.byTemp[e.TempID] = e
	return *e, request(e)
}

func request(e *Entry) models.SendMessageRequest {
	return models.SendMessageRequest{
		ChatID:           e.Message.ChatID,
		Content:          e.Message.Content,
		ContentType:      e.Message.ContentType,
		MediaURL:         e.Message.MediaURL,
		ReplyToMessageID: e.Message.ReplyToID,
		ClientTempID:     e.TempID,
	}
}

// Ack applies the server's answer to a send. A failed ack marks the entry
// failed. A successful one records the server id; if the echo already arrived
// as a separate entry the optimistic one is dropped in its favour.
func (s *Store) Ack(tempID string, ack models.SendMessageAck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byTemp[tempID]
	if !ok {
		return errs.NotFound("pending message")
	}
	if !e.Optimistic() {
		return nil
	}
	if !ack.Success {
		e.Status = StatusFailed
		e.Error = ack.Error
		return nil
	}

	if other, dup := s.byID[ack.MessageID]; dup && other != e {
		s.remove(e)
		return nil
	}
	e.Message.ID = ack.MessageID
	if ack.CreatedAt != nil {
		e.Message.CreatedAt = ack.CreatedAt.UTC()
		e.Message.UpdatedAt = e.Message.CreatedAt
	}
	e.Status = StatusSent
	e.Error = ""
	s.byID[ack.MessageID] = e
	return nil
}

// Receive merges a message delivered by the server. A known server id is a
// duplicate delivery and only refreshes the stored copy. Otherwise the echo is
// matched by its client temp id, then by MatchOptimistic, and replaces the
// optimistic entry in place; anything unmatched is appended.
func (s *Store) Receive(p models.MessagePayload) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ChatID != s.chatID {
		return Ignored
	}
	if e, ok := s.byID[p.ID]; ok {
		if e.Optimistic() {
			s.confirm(e, p.Message)
			return Replaced
		}
		e.Message = p.Message
		return Duplicate
	}

	if p.ClientTempID != "" && p.SenderID == s.selfID {
		if e, ok := s.byTemp[p.ClientTempID]; ok && e.Optimistic() {
			s.confirm(e, p.Message)
			return Replaced
		}
	}

	if i := MatchOptimistic(s.entries, p.Message, s.window); i >= 0 {
		s.confirm(s.entries[i], p.Message)
		return Replaced
	}

	e := &Entry{Message: p.Message, Status: StatusConfirmed}
	s.entries = append(s.entries, e)
	s.byID[p.ID] = e
	return Appended
}

// Apply updates a confirmed message after an edit or delete. Unknown ids are ignored.
func (s *Store) Apply(m models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[m.ID]
	if !ok {
		return false
	}
	e.Message = m
	return true
}

func (s *Store) confirm(e *Entry, m models.Message) {
	if e.Message.ID != "" && e.Message.ID != m.ID {
		delete(s.byID, e.Message.ID)
	}
	e.Message = m
	e.Status = StatusConfirmed
	e.Error = ""
	s.byID[m.ID] = e
}

// MatchOptimistic returns the index of the first optimistic entry that m is
// the echo of, or -1. An entry matches when it has the same sender and content,
// was created within window of m, and does not already carry a different
// server id.
func MatchOptimistic(entries []*Entry, m models.Message, window time.Duration) int {
	for i, e := range entries {
		if !e.Optimistic() {
			continue
		}
		if e.Message.ID != "" && e.Message.ID != m.ID {
			continue
		}
		if e.Message.SenderID != m.SenderID || e.Message.Content != m.Content {
			continue
		}
		if d := m.CreatedAt.Sub(e.Message.CreatedAt); d > window || d < -window {
			continue
		}
		return i
	}
	return -1
}

// Fail marks an in-flight send as failed, e.g. when no ack arrived in time.
func (s *Store) Fail(tempID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byTemp[tempID]
	if !ok || !e.Optimistic() {
		return errs.NotFound("pending message")
	}
	e.Status = StatusFailed
	e.Error = reason
	return nil
}

// Retry puts a failed entry back to sending and returns the request to resend.
// The entry keeps its list position and temp id.
func (s *Store) Retry(tempID string) (models.SendMessageRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byTemp[tempID]
	if !ok {
		return models.SendMessageRequest{}, errs.NotFound("pending message")
	}
	if e.Status != StatusFailed {
		return models.SendMessageRequest{}, errs.Conflict("message is not in a failed state")
	}
	now := s.now().UTC()
	e.Status = StatusSending
	e.Error = ""
	e.Message.CreatedAt = now
	e.Message.UpdatedAt = now
	return request(e), nil
}

// Discard removes a failed entry.
func (s *Store) Discard(tempID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byTemp[tempID]
	if !ok {
		return errs.NotFound("pending message")
	}
	if e.Status != StatusFailed {
		return errs.Conflict("only failed messages can be discarded")
	}
	s.remove(e)
	return nil
}

func (s *Store) remove(e *Entry) {
	for i, cur := range s.entries {
		if cur == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	if e.TempID != "" {
		delete(s.byTemp, e.TempID)
	}
	if e.Message.ID != "" && s.byID[e.Message.ID] == e {
		delete(s.byID, e.Message.ID)
	}
}

// Entries returns a snapshot of the list in display order.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = *e
	}
	return out
}

// Pending returns the temp ids of entries still waiting on the server.
func (s *Store) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, e := range s.entries {
		if e.Status == StatusSending {
			ids = append(ids, e.TempID)
		}
	}
	return ids
}
