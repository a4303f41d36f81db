package chat

import (
	"context"

	"github.com/google/uuid"

	"chatsync/errs"
	"chatsync/models"
)

// GetPage returns one page of history, oldest first.
//
// Without a cursor the page is anchored on the caller's first unread message
// so the client can scroll to the read/unread boundary. With a cursor it is the
// next older slice. In both cases NextCursor is the id of the oldest message
// in the page when older messages remain, and nil only when none do; the
// following call returns messages strictly older than it.
func (s *Service) GetPage(ctx context.Context, userID, chatID string, limit int, cursor string) (*models.Page, error) {
	limit = s.clampLimit(limit)
	if cursor != "" {
		if _, err := uuid.Parse(cursor); err != nil {
			return nil, errs.Validation("invalid cursor", map[string]string{"cursor": "must be a message id"})
		}
	}

	p, err := s.Authorize(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}

	if cursor != "" {
		return s.olderPage(ctx, chatID, cursor, limit)
	}

	unread, firstUnread, err := s.store.UnreadStats(ctx, p)
	if err != nil {
		return nil, err
	}
	if unread == 0 {
		return s.olderPage(ctx, chatID, "", limit)
	}

	var page *models.Page
	if unread < limit {
		page, err = s.paddedPage(ctx, chatID, *firstUnread, limit-unread)
	} else {
		page, err = s.unreadPage(ctx, chatID, *firstUnread, limit)
	}
	if err != nil {
		return nil, err
	}
	page.FirstUnreadID = firstUnread
	page.UnreadCount = unread
	return page, nil
}

func (s *Service) clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return s.pagination.DefaultLimit
	case limit > s.pagination.MaxLimit:
		return s.pagination.MaxLimit
	}
	return limit
}

// olderPage is plain keyed pagination: the newest limit messages older than
// before (or the latest limit when before is empty). One extra row is read to
// learn whether anything older remains.
func (s *Service) olderPage(ctx context.Context, chatID, before string, limit int) (*models.Page, error) {
	batch, err := s.store.MessagesBefore(ctx, chatID, before, limit+1)
	if err != nil {
		return nil, err
	}
	more := len(batch) > limit
	if more {
		batch = batch[:limit]
	}
	reverse(batch)

	page := &models.Page{Messages: batch}
	if more {
		page.NextCursor = &batch[0].ID
	}
	return page, nil
}

// paddedPage returns everything from firstUnread onward, preceded by up to
// padding older messages for context.
func (s *Service) paddedPage(ctx context.Context, chatID, firstUnread string, padding int) (*models.Page, error) {
	unread, err := s.store.MessagesFrom(ctx, chatID, firstUnread, 0)
	if err != nil {
		return nil, err
	}
	older, err := s.store.MessagesBefore(ctx, chatID, firstUnread, padding+1)
	if err != nil {
		return nil, err
	}
	more := len(older) > padding
	if more {
		older = older[:padding]
	}
	reverse(older)

	page := &models.Page{Messages: append(older, unread...)}
	if more {
		page.NextCursor = &page.Messages[0].ID
	}
	return page, nil
}

// unreadPage is used when the unread backlog fills the page: one read message
// for context followed by limit-1 messages starting at firstUnread. A page of
// one has no room for context and holds only the first unread message.
func (s *Service) unreadPage(ctx context.Context, chatID, firstUnread string, limit int) (*models.Page, error) {
	if limit == 1 {
		return s.firstUnreadOnly(ctx, chatID, firstUnread)
	}

	unread, err := s.store.MessagesFrom(ctx, chatID, firstUnread, limit-1)
	if err != nil {
		return nil, err
	}
	preceding, err := s.store.MessagesBefore(ctx, chatID, firstUnread, 2)
	if err != nil {
		return nil, err
	}
	if len(preceding) == 0 {
		return &models.Page{Messages: unread}, nil
	}

	page := &models.Page{Messages: append([]models.Message{preceding[0]}, unread...)}
	if len(preceding) > 1 {
		page.NextCursor = &page.Messages[0].ID
	}
	return page, nil
}

func (s *Service) firstUnreadOnly(ctx context.Context, chatID, firstUnread string) (*models.Page, error) {
	unread, err := s.store.MessagesFrom(ctx, chatID, firstUnread, 1)
	if err != nil {
		return nil, err
	}
	older, err := s.store.MessagesBefore(ctx, chatID, firstUnread, 1)
	if err != nil {
		return nil, err
	}
	page := &models.Page{Messages: unread}
	if len(older) > 0 && len(unread) > 0 {
		page.NextCursor = &page.Messages[0].ID
	}
	return page, nil
}

func reverse(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
