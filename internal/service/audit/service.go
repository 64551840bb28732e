package audit

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/domain"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/repository"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/ws"
)

// Channel is the hub channel audit events are streamed on.
const Channel = "admin-audit"

// Service records administrative mutations and streams them to
// subscribed dashboards.
type Service struct {
	repo   repository.AuditRepository
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs a Service.
func New(repo repository.AuditRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{repo: repo, hub: hub, logger: logger}
}

// Hub exposes the stream hub for websocket wiring.
func (s Service) Hub() *ws.Hub {
	return s.hub
}

// Record stores an audit event. Failures are logged, never propagated:
// auditing must not abort the mutation it describes.
func (s Service) Record(ctx context.Context, actor domain.User, action string, targetCount int, detail any) {
	if s.repo == nil {
		return
	}
	var raw json.RawMessage
	if detail != nil {
		encoded, err := json.Marshal(detail)
		if err != nil {
			s.logger.Warn("audit detail not serializable", "action", action, "error", err)
		} else {
			raw = encoded
		}
	}
	event := domain.AuditEvent{
		ID:            uuid.NewString(),
		ActorID:       actor.ID,
		ActorUsername: actor.Username,
		Action:        action,
		TargetCount:   targetCount,
		Detail:        raw,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.repo.InsertAuditEvent(ctx, &event); err != nil {
		s.logger.Error("audit event not recorded", "action", action, "error", err)
		return
	}
	if s.hub != nil {
		if payload, err := json.Marshal(event); err == nil {
			s.hub.Broadcast(Channel, payload)
		}
	}
}

// List returns the newest audit events first.
func (s Service) List(ctx context.Context, limit, offset int) ([]domain.AuditEvent, error) {
	return s.repo.ListAuditEvents(ctx, limit, offset)
}
