package feed

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/geotracker-go/markers"
	"github.com/ggoodman/geotracker-go/tracker"
	"github.com/gorilla/websocket"
)

type fixedSource struct {
	state   tracker.State
	markers []markers.Marker
}

func (s fixedSource) State() tracker.State      { return s.state }
func (s fixedSource) Markers() []markers.Marker { return s.markers }

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(b, &msg); err != nil {
		t.Fatalf("decode %q: %v", b, err)
	}
	return msg
}

func TestHub_SnapshotThenEvents(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	src := fixedSource{
		state: tracker.State{Role: tracker.Viewer, SessionID: "s1", Title: "Hike"},
		markers: []markers.Marker{
			{UserID: "u2", DisplayName: "Bob", Lat: 1, Lon: 2, Time: at},
		},
	}
	hub := NewHub(src)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)

	snap := readMessage(t, conn)
	if snap.Type != TypeSnapshot {
		t.Fatalf("first message type = %q, want %q", snap.Type, TypeSnapshot)
	}
	if snap.State == nil || snap.State.Role != "Viewer" || snap.State.Title != "Hike" {
		t.Fatalf("snapshot state = %+v", snap.State)
	}
	if len(snap.Markers) != 1 || snap.Markers[0].DisplayName != "Bob" || !snap.Markers[0].MarkerTime().Equal(at) {
		t.Fatalf("snapshot markers = %+v", snap.Markers)
	}

	hub.Publish(tracker.MarkerUpdated{Marker: markers.Marker{UserID: "u3", DisplayName: "Cy", Lat: 3, Lon: 4}})
	msg := readMessage(t, conn)
	if msg.Type != TypeMarker || msg.Marker == nil || msg.Marker.UserID != "u3" {
		t.Fatalf("marker message = %+v", msg)
	}

	hub.Publish(tracker.UserMessage{Text: "Connection lost, reconnecting", Transient: true})
	msg = readMessage(t, conn)
	if msg.Type != TypeMessage || !msg.Transient || msg.Text == "" {
		t.Fatalf("user message = %+v", msg)
	}
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	hub := NewHub(fixedSource{})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	readMessage(t, conn)
	if n := hub.Clients(); n != 1 {
		t.Fatalf("Clients = %d, want 1", n)
	}

	hub.Publish(tracker.SessionClosed{Title: "Hike"})
	if msg := readMessage(t, conn); msg.Type != TypeSessionClosed || msg.Title != "Hike" {
		t.Fatalf("session closed message = %+v", msg)
	}

	hub.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNoStatusReceived, websocket.CloseNormalClosure) {
		t.Fatalf("expected close frame, got %v", err)
	}
	if n := hub.Clients(); n != 0 {
		t.Fatalf("Clients after Close = %d, want 0", n)
	}
}

func TestEncode(t *testing.T) {
	t.Run("role", func(t *testing.T) {
		msg, ok := Encode(tracker.RoleChanged{State: tracker.State{Role: tracker.Owner, SessionID: "s", Title: "T"}})
		if !ok || msg.Type != TypeRole || msg.State.Role != "Owner" {
			t.Fatalf("got %+v, %v", msg, ok)
		}
	})
	t.Run("cleared", func(t *testing.T) {
		if msg, ok := Encode(tracker.MarkersCleared{}); !ok || msg.Type != TypeMarkersCleared {
			t.Fatalf("got %+v, %v", msg, ok)
		}
	})
	t.Run("sessions", func(t *testing.T) {
		if msg, ok := Encode(tracker.SessionListChanged{}); !ok || msg.Type != TypeSessions {
			t.Fatalf("got %+v, %v", msg, ok)
		}
	})
	t.Run("unknown", func(t *testing.T) {
		if _, ok := Encode(nil); ok {
			t.Fatalf("nil event encoded")
		}
	})
}
