package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatrouter/internal/bus"
	"chatrouter/internal/domain"
	"chatrouter/internal/service"
	"chatrouter/internal/store"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestHub(t *testing.T) (*Hub, *service.Service, *httptest.Server) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "chat-router.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	svc := service.New(st, bus.New(testLogger()), testLogger())
	hub := NewHub(svc, testLogger())
	t.Cleanup(hub.Close)

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, svc, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("bad frame %q: %v", data, err)
	}
	return frame
}

func frameString(t *testing.T, frame map[string]json.RawMessage, key string) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(frame[key], &s); err != nil {
		t.Fatalf("frame key %s: %v", key, err)
	}
	return s
}

func ingestOne(t *testing.T, svc *service.Service) domain.TimelineEntry {
	t.Helper()
	ts := int64(1700000000000)
	text := "hi"
	entry, err := svc.IngestMessage(context.Background(), domain.InboundMessage{
		Platform:          domain.PlatformTelegram,
		PlatformMessageID: "m1",
		PlatformChatID:    "c1",
		SenderName:        "Alice",
		SenderID:          "u1",
		Text:              &text,
		Timestamp:         &ts,
	})
	if err != nil {
		t.Fatal(err)
	}
	return entry
}

func TestHealthRequest(t *testing.T) {
	_, _, srv := newTestHub(t)
	conn := dial(t, srv)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"health"}`))
	frame := readFrame(t, conn)

	if frameString(t, frame, "type") != "response" {
		t.Fatalf("frame type = %s", frame["type"])
	}
	if frameString(t, frame, "requestType") != "health" {
		t.Errorf("requestType = %s", frame["requestType"])
	}
	var h domain.Health
	json.Unmarshal(frame["data"], &h)
	if !h.OK || h.MessageCount != 0 || h.ConversationCount != 0 {
		t.Errorf("health data = %+v", h)
	}
}

func TestPushOnIngest(t *testing.T) {
	_, svc, srv := newTestHub(t)
	conn := dial(t, srv)

	// Give the read loop a moment to register the client.
	time.Sleep(50 * time.Millisecond)
	ingestOne(t, svc)

	frame := readFrame(t, conn)
	if frameString(t, frame, "type") != "new_message" {
		t.Fatalf("frame type = %s", frame["type"])
	}
	var entry domain.TimelineEntry
	json.Unmarshal(frame["entry"], &entry)
	if entry.ID != 1 || entry.Direction != "in" {
		t.Errorf("pushed entry = %+v", entry)
	}
}

func TestPushFanOut_AllClients(t *testing.T) {
	_, svc, srv := newTestHub(t)
	c1 := dial(t, srv)
	c2 := dial(t, srv)

	time.Sleep(50 * time.Millisecond)
	ingestOne(t, svc)

	for i, conn := range []*websocket.Conn{c1, c2} {
		frame := readFrame(t, conn)
		if frameString(t, frame, "type") != "new_message" {
			t.Errorf("client %d missed the push: %s", i, frame["type"])
		}
	}
}

func TestMalformedFrame_KeepsConnection(t *testing.T) {
	_, _, srv := newTestHub(t)
	conn := dial(t, srv)

	conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
	frame := readFrame(t, conn)
	if frameString(t, frame, "type") != "error" {
		t.Fatalf("frame type = %s", frame["type"])
	}

	// Connection survives: a valid request still answers.
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"health"}`))
	frame = readFrame(t, conn)
	if frameString(t, frame, "type") != "response" {
		t.Errorf("connection should stay usable after a bad frame")
	}
}

func TestUnknownRequestType(t *testing.T) {
	_, _, srv := newTestHub(t)
	conn := dial(t, srv)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`))
	frame := readFrame(t, conn)
	if frameString(t, frame, "type") != "error" {
		t.Fatalf("frame type = %s", frame["type"])
	}
	if !strings.Contains(frameString(t, frame, "message"), "bogus") {
		t.Errorf("error should name the type: %s", frame["message"])
	}
}

func TestTimelineRequest(t *testing.T) {
	_, svc, srv := newTestHub(t)
	conn := dial(t, srv)
	time.Sleep(50 * time.Millisecond)

	ingestOne(t, svc)
	readFrame(t, conn) // drain the push

	conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"timeline","platform":"telegram","platformChatId":"c1"}`))
	frame := readFrame(t, conn)
	if frameString(t, frame, "requestType") != "timeline" {
		t.Fatalf("requestType = %s", frame["requestType"])
	}
	var entries []domain.TimelineEntry
	json.Unmarshal(frame["data"], &entries)
	if len(entries) != 1 || entries[0].ID != 1 {
		t.Errorf("timeline data = %+v", entries)
	}

	// Missing required params → error frame.
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"timeline"}`))
	frame = readFrame(t, conn)
	if frameString(t, frame, "type") != "error" {
		t.Errorf("frame type = %s", frame["type"])
	}
}

func TestConversationsRequest(t *testing.T) {
	_, svc, srv := newTestHub(t)
	conn := dial(t, srv)
	time.Sleep(50 * time.Millisecond)

	ingestOne(t, svc)
	readFrame(t, conn) // drain the push

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"conversations","platform":"telegram"}`))
	frame := readFrame(t, conn)
	var convs []domain.Conversation
	json.Unmarshal(frame["data"], &convs)
	if len(convs) != 1 || convs[0].PlatformChatID != "c1" {
		t.Errorf("conversations data = %+v", convs)
	}
}

func TestClose_DropsClientsAndUnsubscribes(t *testing.T) {
	hub, svc, srv := newTestHub(t)
	conn := dial(t, srv)
	time.Sleep(50 * time.Millisecond)

	hub.Close()

	// Socket is gone.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected closed connection")
	}

	// Publishing after Close reaches no handler and must not panic.
	ingestOne(t, svc)
}
