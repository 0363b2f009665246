package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"chatrouter/internal/bus"
	"chatrouter/internal/domain"
)

// Service is the business-logic layer between transports and the store:
// validation, normalization, synthetic outbound ids, and the observable
// stream of newly persisted entries.
type Service struct {
	store   domain.Store
	bus     *bus.EntryBus
	counter atomic.Int64 // synthetic outbound message counter
	logger  *slog.Logger
}

// New creates a Service over the given store.
func New(store domain.Store, entryBus *bus.EntryBus, logger *slog.Logger) *Service {
	return &Service{store: store, bus: entryBus, logger: logger}
}

// IngestMessage validates and normalizes an inbound platform message,
// persists it and publishes it to subscribers.
func (s *Service) IngestMessage(ctx context.Context, m domain.InboundMessage) (domain.TimelineEntry, error) {
	if m.Platform == "" {
		return domain.TimelineEntry{}, domain.Invalid("platform", "must be a non-empty string")
	}
	if !m.Platform.Valid() {
		return domain.TimelineEntry{}, domain.Invalid("platform", fmt.Sprintf("unknown platform %q", m.Platform))
	}
	if m.PlatformMessageID == "" {
		return domain.TimelineEntry{}, domain.Invalid("platformMessageId", "must be a non-empty string")
	}
	if m.PlatformChatID == "" {
		return domain.TimelineEntry{}, domain.Invalid("platformChatId", "must be a non-empty string")
	}
	if m.SenderName == "" {
		return domain.TimelineEntry{}, domain.Invalid("senderName", "must be a non-empty string")
	}
	if m.SenderID == "" {
		return domain.TimelineEntry{}, domain.Invalid("senderId", "must be a non-empty string")
	}
	// Null-ness check, not falsy-ness: a zero timestamp is valid.
	if m.Timestamp == nil {
		return domain.TimelineEntry{}, domain.Invalid("timestamp", "is required")
	}

	meta, err := serializeMeta(m.PlatformMeta)
	if err != nil {
		return domain.TimelineEntry{}, domain.Invalid("platformMeta", "must be valid JSON")
	}

	entry := domain.TimelineEntry{
		Direction:         domain.DirectionIn,
		Platform:          m.Platform,
		PlatformMessageID: m.PlatformMessageID,
		PlatformChatID:    m.PlatformChatID,
		PlatformChatType:  m.PlatformChatType,
		SenderName:        m.SenderName,
		SenderID:          m.SenderID,
		Text:              m.Text,
		Timestamp:         *m.Timestamp,
		PlatformMeta:      meta,
	}

	stored, err := s.store.Ingest(ctx, entry, m.SenderName)
	if err != nil {
		return domain.TimelineEntry{}, fmt.Errorf("ingest message: %w", err)
	}

	s.logger.Info("message ingested",
		"id", stored.ID,
		"platform", stored.Platform,
		"chat_id", stored.PlatformChatID,
		"sender", stored.SenderID,
	)
	s.bus.Publish(stored)
	return stored, nil
}

// RecordResponse persists a system-generated outbound message. The
// platform message id is minted from a process-local counter
// ("router-1", "router-2", ...). The conversation label becomes "System",
// including for conversations that already carry a human label.
func (s *Service) RecordResponse(ctx context.Context, r domain.OutboundRequest) (domain.TimelineEntry, error) {
	if r.Platform == "" {
		return domain.TimelineEntry{}, domain.Invalid("platform", "must be a non-empty string")
	}
	if !r.Platform.Valid() {
		return domain.TimelineEntry{}, domain.Invalid("platform", fmt.Sprintf("unknown platform %q", r.Platform))
	}
	if r.PlatformChatID == "" {
		return domain.TimelineEntry{}, domain.Invalid("platformChatId", "must be a non-empty string")
	}
	if r.Text == "" {
		return domain.TimelineEntry{}, domain.Invalid("text", "must be a non-empty string")
	}

	var meta *string
	if r.InReplyTo != nil {
		raw, err := json.Marshal(map[string]int64{"inReplyTo": *r.InReplyTo})
		if err != nil {
			return domain.TimelineEntry{}, fmt.Errorf("serialize reply metadata: %w", err)
		}
		m := string(raw)
		meta = &m
	}

	n := s.counter.Add(1)
	text := r.Text
	entry := domain.TimelineEntry{
		Direction:         domain.DirectionOut,
		Platform:          r.Platform,
		PlatformMessageID: fmt.Sprintf("router-%d", n),
		PlatformChatID:    r.PlatformChatID,
		SenderName:        "System",
		SenderID:          "system",
		Text:              &text,
		Timestamp:         time.Now().UnixMilli(),
		PlatformMeta:      meta,
	}

	stored, err := s.store.Ingest(ctx, entry, "System")
	if err != nil {
		return domain.TimelineEntry{}, fmt.Errorf("record response: %w", err)
	}

	s.logger.Info("response recorded",
		"id", stored.ID,
		"platform", stored.Platform,
		"chat_id", stored.PlatformChatID,
	)
	s.bus.Publish(stored)
	return stored, nil
}

// GetTimeline returns one conversation's entries, newest first.
func (s *Service) GetTimeline(ctx context.Context, platform domain.Platform, chatID string, q domain.Query) ([]domain.TimelineEntry, error) {
	return s.store.GetTimeline(ctx, platform, chatID, q)
}

// GetUnifiedTimeline returns entries across all conversations.
func (s *Service) GetUnifiedTimeline(ctx context.Context, q domain.Query) ([]domain.TimelineEntry, error) {
	return s.store.GetUnifiedTimeline(ctx, q)
}

// ListConversations returns conversations by last activity.
func (s *Service) ListConversations(ctx context.Context, platform domain.Platform, limit int) ([]domain.Conversation, error) {
	return s.store.ListConversations(ctx, platform, limit)
}

// GetConversation returns domain.ErrNotFound for an unknown pair.
func (s *Service) GetConversation(ctx context.Context, platform domain.Platform, chatID string) (*domain.Conversation, error) {
	return s.store.GetConversation(ctx, platform, chatID)
}

// HealthCheck reports liveness plus store-wide counts.
func (s *Service) HealthCheck(ctx context.Context) (domain.Health, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return domain.Health{}, fmt.Errorf("health check: %w", err)
	}
	return domain.Health{OK: true, MessageCount: st.MessageCount, ConversationCount: st.ConversationCount}, nil
}

// Subscribe registers a handler for newly persisted entries.
func (s *Service) Subscribe(h bus.Handler) string { return s.bus.Subscribe(h) }

// Unsubscribe removes a handler by its subscription id.
func (s *Service) Unsubscribe(id string) { s.bus.Unsubscribe(id) }

// serializeMeta compacts the raw platform metadata into an opaque JSON
// string, or nil when absent.
func serializeMeta(raw json.RawMessage) (*string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	s := buf.String()
	return &s, nil
}
