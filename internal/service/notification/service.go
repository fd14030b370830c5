package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/homecare-billing/internal/email"
	"github.com/jwalitptl/homecare-billing/internal/model"
	"github.com/jwalitptl/homecare-billing/internal/repository"
	"github.com/jwalitptl/homecare-billing/pkg/logger"
)

const adminsKey = "admins"

// Message is one alert to deliver.
type Message struct {
	Type  string
	Title string
	Body  string
}

// Service delivers alerts. Delivery never fails the caller: errors are
// logged and the job carries on.
type Service interface {
	Notify(ctx context.Context, userID uuid.UUID, msg Message)
	NotifyAdmins(ctx context.Context, msg Message)
}

type service struct {
	repo     repository.NotificationRepository
	users    repository.UserRepository
	emailSvc email.Service
	admins   *cache.Cache
	logger   *logger.Logger
}

// NewService persists every alert and, when emailSvc is non-nil, also emails
// the recipient. Admin recipients are cached for adminTTL.
func NewService(repo repository.NotificationRepository, users repository.UserRepository, emailSvc email.Service, adminTTL time.Duration, log *logger.Logger) Service {
	return &service{
		repo:     repo,
		users:    users,
		emailSvc: emailSvc,
		admins:   cache.New(adminTTL, 2*adminTTL),
		logger:   log,
	}
}

func (s *service) Notify(ctx context.Context, userID uuid.UUID, msg Message) {
	s.deliver(ctx, userID, "", msg)
}

func (s *service) NotifyAdmins(ctx context.Context, msg Message) {
	admins, err := s.adminRecipients(ctx)
	if err != nil {
		s.logger.Error(err, "Failed to load admin recipients", "type", msg.Type)
		return
	}
	if len(admins) == 0 {
		s.logger.Warn("No admins to notify", "type", msg.Type, "title", msg.Title)
		return
	}

	for _, admin := range admins {
		s.deliver(ctx, admin.ID, admin.Email, msg)
	}
}

func (s *service) adminRecipients(ctx context.Context) ([]*model.User, error) {
	if cached, ok := s.admins.Get(adminsKey); ok {
		return cached.([]*model.User), nil
	}

	admins, err := s.users.ListActiveByRole(ctx, model.RoleAdmin)
	if err != nil {
		return nil, err
	}
	s.admins.SetDefault(adminsKey, admins)
	return admins, nil
}

func (s *service) deliver(ctx context.Context, userID uuid.UUID, address string, msg Message) {
	n := &model.Notification{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      msg.Type,
		Title:     msg.Title,
		Message:   msg.Body,
		CreatedAt: time.Now(),
	}
	if err := s.repo.Create(ctx, n); err != nil {
		s.logger.Error(err, "Failed to store notification",
			"user_id", userID.String(),
			"type", msg.Type)
	}

	if s.emailSvc == nil {
		return
	}

	if address == "" {
		user, err := s.users.Get(ctx, userID)
		if err != nil {
			s.logger.Error(err, "Failed to look up notification recipient", "user_id", userID.String())
			return
		}
		address = user.Email
	}
	if address == "" {
		return
	}

	if err := s.emailSvc.Send(ctx, address, msg.Title, msg.Body); err != nil {
		s.logger.Error(err, "Failed to email notification",
			"user_id", userID.String(),
			"type", msg.Type)
	}
}
