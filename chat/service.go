// Package chat holds the message ingest pipeline, read progress, history
// pagination, message actions and chat creation.
package chat

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"chatsync/config"
	"chatsync/errs"
	"chatsync/fanout"
	"chatsync/metrics"
	"chatsync/models"
)

// Store is the slice of the durable store the chat service needs.
type Store interface {
	GetUser(ctx context.Context, id string) (*models.User, error)

	CreateChat(ctx context.Context, chat models.Chat, participants []models.Participant) error
	GetChat(ctx context.Context, id string) (*models.Chat, error)
	FindDirectChat(ctx context.Context, userA, userB string) (*models.Chat, error)
	ListUserChats(ctx context.Context, userID string) ([]models.Chat, error)
	GetParticipant(ctx context.Context, chatID, userID string) (*models.Participant, error)
	ListParticipants(ctx context.Context, chatID string) ([]models.ParticipantWithUser, error)
	LeaveChat(ctx context.Context, chatID, userID string, at time.Time) (bool, error)

	CreateMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	MessagesBefore(ctx context.Context, chatID, beforeID string, limit int) ([]models.Message, error)
	MessagesFrom(ctx context.Context, chatID, fromID string, limit int) ([]models.Message, error)
	LastMessage(ctx context.Context, chatID string) (*models.Message, error)
	EditMessage(ctx context.Context, id, content string, action models.MessageAction) (*models.Message, error)
	DeleteMessage(ctx context.Context, id string, action models.MessageAction) (*models.Message, error)

	AdvanceWatermark(ctx context.Context, chatID, userID string, prev *string, next string) (bool, error)
	InsertReceipt(ctx context.Context, messageID, userID string, readAt time.Time) (bool, error)
	UnreadStats(ctx context.Context, p *models.Participant) (int, *string, error)
}

type Publisher interface {
	Publish(ctx context.Context, env fanout.Envelope) error
}

type Service struct {
	store      Store
	bus        Publisher
	origin     string
	pagination config.PaginationConfig
	metrics    *metrics.Metrics
	log        *zap.Logger
}

func NewService(store Store, bus Publisher, origin string, pagination config.PaginationConfig, m *metrics.Metrics, log *zap.Logger) *Service {
	return &Service{
		store:      store,
		bus:        bus,
		origin:     origin,
		pagination: pagination,
		metrics:    m,
		log:        log.Named("chat"),
	}
}

// Authorize returns the caller's membership, refusing users who are not
// active participants.
func (s *Service) Authorize(ctx context.Context, chatID, userID string) (*models.Participant, error) {
	p, err := s.store.GetParticipant(ctx, chatID, userID)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return nil, errs.Authorization("not a participant of this chat")
		}
		return nil, err
	}
	if !p.Active() {
		return nil, errs.Authorization("not a participant of this chat")
	}
	return p, nil
}

// publish is fire-and-forget: failures are counted and logged, never returned.
// The write it announces is already committed, so the caller going away must
// not stop the event; the bus bounds the publish with its own timeout.
func (s *Service) publish(ctx context.Context, ev fanout.Event, fields ...zap.Field) {
	typ := string(ev.EventType())
	env, err := fanout.Encode(s.origin, ev)
	if err == nil {
		err = s.bus.Publish(context.WithoutCancel(ctx), env)
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.FanoutFailures.WithLabelValues(typ).Inc()
		}
		s.log.Warn("fanout publish failed", append(fields, zap.String("event", typ), zap.Error(err))...)
		return
	}
	if s.metrics != nil {
		s.metrics.FanoutPublished.WithLabelValues(typ).Inc()
	}
}

func (s *Service) displayName(ctx context.Context, userID, fallback string) (string, string) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if !errs.Is(err, errs.KindNotFound) {
			s.log.Debug("sender lookup failed", zap.String("user_id", userID), zap.Error(err))
		}
		return fallback, ""
	}
	return u.Username, u.Avatar
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks struct tags and returns a Validation error listing every
// failing field by its JSON name.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errs.Validation("invalid request", nil)
	}
	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Field()] = fieldMessage(fe)
	}
	return errs.Validation("invalid request", fields)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " long"
	case "min":
		return "must have at least " + fe.Param()
	case "uuid":
		return "must be a UUID"
	case "url":
		return "must be a URL"
	default:
		return "failed " + fe.Tag()
	}
}
