package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"chatrouter/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chat-router.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strptr(s string) *string { return &s }

func inboundEntry(chatID, sender string) domain.TimelineEntry {
	return domain.TimelineEntry{
		Direction:         domain.DirectionIn,
		Platform:          domain.PlatformTelegram,
		PlatformMessageID: "m1",
		PlatformChatID:    chatID,
		SenderName:        sender,
		SenderID:          "u1",
		Text:              strptr("hi"),
		Timestamp:         1700000000000,
	}
}

func TestIngest_MonotonicIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		got, err := s.Ingest(ctx, inboundEntry("c1", "Alice"), "Alice")
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != i {
			t.Errorf("insert %d: id = %d", i, got.ID)
		}
		if got.CreatedAt == "" {
			t.Error("createdAt not stamped")
		}
	}
}

func TestIngest_AtomicCompound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Ingest(ctx, inboundEntry("c1", "Alice"), "Alice"); err != nil {
		t.Fatal(err)
	}

	entries, err := s.GetTimeline(ctx, domain.PlatformTelegram, "c1", domain.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	conv, err := s.GetConversation(ctx, domain.PlatformTelegram, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.MessageCount != 1 {
		t.Errorf("messageCount = %d", conv.MessageCount)
	}
	if conv.Label != "Alice" {
		t.Errorf("label = %q", conv.Label)
	}
	if conv.FirstSeenAt == "" || conv.LastMessageAt == "" {
		t.Error("conversation timestamps not set")
	}
}

func TestIngest_ConversationCounting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const k = 7
	for i := 0; i < k; i++ {
		if _, err := s.Ingest(ctx, inboundEntry("c1", "Alice"), "Alice"); err != nil {
			t.Fatal(err)
		}
	}

	conv, err := s.GetConversation(ctx, domain.PlatformTelegram, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.MessageCount != k {
		t.Errorf("messageCount = %d, want %d", conv.MessageCount, k)
	}
}

func TestIngest_ConditionalChatTypeUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := inboundEntry("c1", "Alice")
	first.PlatformChatType = strptr("group")
	if _, err := s.Ingest(ctx, first, "Alice"); err != nil {
		t.Fatal(err)
	}

	// A null chat type must not erase the stored one.
	if _, err := s.Ingest(ctx, inboundEntry("c1", "Alice"), "Alice"); err != nil {
		t.Fatal(err)
	}

	conv, err := s.GetConversation(ctx, domain.PlatformTelegram, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.PlatformChatType == nil || *conv.PlatformChatType != "group" {
		t.Errorf("chat type = %v, want group", conv.PlatformChatType)
	}

	// A non-null chat type replaces it.
	third := inboundEntry("c1", "Alice")
	third.PlatformChatType = strptr("supergroup")
	if _, err := s.Ingest(ctx, third, "Alice"); err != nil {
		t.Fatal(err)
	}
	conv, _ = s.GetConversation(ctx, domain.PlatformTelegram, "c1")
	if conv.PlatformChatType == nil || *conv.PlatformChatType != "supergroup" {
		t.Errorf("chat type = %v, want supergroup", conv.PlatformChatType)
	}
}

func TestIngest_LabelFollowsLatestEntry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Ingest(ctx, inboundEntry("c1", "Alice"), "Alice")
	s.Ingest(ctx, inboundEntry("c1", "Alice"), "System")

	conv, err := s.GetConversation(ctx, domain.PlatformTelegram, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Label != "System" {
		t.Errorf("label = %q, want System", conv.Label)
	}
}

func TestGetTimeline_CursorPagination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.Ingest(ctx, inboundEntry("c1", "Alice"), "Alice"); err != nil {
			t.Fatal(err)
		}
	}

	before := int64(4)
	entries, err := s.GetTimeline(ctx, domain.PlatformTelegram, "c1", domain.Query{Before: &before, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].ID != 3 || entries[1].ID != 2 {
		ids := make([]int64, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		t.Errorf("ids = %v, want [3 2]", ids)
	}

	after := int64(3)
	entries, err = s.GetTimeline(ctx, domain.PlatformTelegram, "c1", domain.Query{After: &after})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].ID != 5 || entries[1].ID != 4 {
		t.Errorf("after=3: got %d entries", len(entries))
	}
}

func TestGetTimeline_FiltersConversation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Ingest(ctx, inboundEntry("c1", "Alice"), "Alice")
	other := inboundEntry("c2", "Bob")
	other.Platform = domain.PlatformDiscord
	s.Ingest(ctx, other, "Bob")

	entries, err := s.GetTimeline(ctx, domain.PlatformTelegram, "c1", domain.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Platform != domain.PlatformTelegram {
		t.Errorf("expected only the telegram entry, got %d", len(entries))
	}

	unified, err := s.GetUnifiedTimeline(ctx, domain.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(unified) != 2 || unified[0].ID != 2 {
		t.Errorf("unified: expected 2 entries newest first, got %d", len(unified))
	}
}

func TestListConversations_OrderAndFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Ingest(ctx, inboundEntry("c1", "Alice"), "Alice")
	web := inboundEntry("w1", "Carol")
	web.Platform = domain.PlatformWeb
	s.Ingest(ctx, web, "Carol")

	all, err := s.ListConversations(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(all))
	}

	onlyWeb, err := s.ListConversations(ctx, domain.PlatformWeb, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(onlyWeb) != 1 || onlyWeb[0].Platform != domain.PlatformWeb {
		t.Errorf("platform filter broken: %+v", onlyWeb)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetConversation(context.Background(), domain.PlatformTelegram, "nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Ingest(ctx, inboundEntry("c1", "Alice"), "Alice")
	s.Ingest(ctx, inboundEntry("c1", "Alice"), "Alice")

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.MessageCount != 2 || st.ConversationCount != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestClose_ThenOperationFails(t *testing.T) {
	s := openTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Ingest(context.Background(), inboundEntry("c1", "Alice"), "Alice"); !errors.Is(err, domain.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if _, err := s.Stats(context.Background()); !errors.Is(err, domain.ErrClosed) {
		t.Errorf("stats after close: err = %v, want ErrClosed", err)
	}
}

func TestIngest_PreservesUnicode(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	text := "héllo \U0001F600 мир 世界"
	entry := inboundEntry("c1", "Alice")
	entry.Text = &text
	if _, err := s.Ingest(ctx, entry, "Alice"); err != nil {
		t.Fatal(err)
	}

	entries, err := s.GetTimeline(ctx, domain.PlatformTelegram, "c1", domain.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Text == nil || *entries[0].Text != text {
		t.Errorf("text round-trip lost code points: %q", *entries[0].Text)
	}
}

func TestOpen_SchemaIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat-router.db")

	s1, err := Open(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	s1.Ingest(context.Background(), inboundEntry("c1", "Alice"), "Alice")
	s1.Close()

	// Reopen over the same file: schema creation must not clobber data.
	s2, err := Open(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	st, err := s2.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.MessageCount != 1 {
		t.Errorf("messageCount after reopen = %d", st.MessageCount)
	}

	// IDs keep increasing across restarts.
	got, err := s2.Ingest(context.Background(), inboundEntry("c1", "Alice"), "Alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != 2 {
		t.Errorf("id after reopen = %d, want 2", got.ID)
	}
}
