package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/etriage/etriage/internal/platform/auth"
	"github.com/etriage/etriage/internal/platform/events"
)

func newClient(id string, topics ...string) *Client {
	return &Client{ID: id, Topics: topics, Send: make(chan []byte, 8)}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient("c1", events.TopicQueue)

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount(events.TopicQueue) != 1 {
		t.Fatalf("expected 1 client on queue topic, got %d/%d", hub.ClientCount(), hub.TopicCount(events.TopicQueue))
	}

	hub.Unregister(client)
	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount(events.TopicQueue) != 0 {
		t.Fatal("expected hub to be empty after unregister")
	}
	if _, ok := <-client.Send; ok {
		t.Error("expected Send channel to be closed")
	}
}

func TestHub_PublishRoutesByTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	nurse := newClient("nurse", events.TopicQueue)
	doctor := newClient("doctor", events.TopicCompleted)
	patient := newClient("patient", events.PatientTopic("p1"))
	hub.Register(nurse)
	hub.Register(doctor)
	hub.Register(patient)

	err := hub.Publish(context.Background(), events.Event{
		Type:   events.CaseSubmitted,
		Topics: []string{events.TopicQueue, events.PatientTopic("p1")},
		CaseID: "case-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(nurse.Send) != 1 || len(patient.Send) != 1 {
		t.Fatalf("expected nurse and patient to receive the event, got %d/%d", len(nurse.Send), len(patient.Send))
	}
	if len(doctor.Send) != 0 {
		t.Fatal("doctor should not receive queue events")
	}

	var got events.Event
	if err := json.Unmarshal(<-nurse.Send, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != events.CaseSubmitted || got.CaseID != "case-1" {
		t.Errorf("unexpected event: %+v", got)
	}
}

func TestHub_PublishDeliversOncePerClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	admin := newClient("admin", events.TopicQueue, events.TopicCompleted)
	hub.Register(admin)

	hub.Publish(context.Background(), events.Event{
		Type:   events.CaseUpdated,
		Topics: []string{events.TopicQueue, events.TopicCompleted},
	})
	if len(admin.Send) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(admin.Send))
	}
}

func TestHub_PublishSkipsFullBuffer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	slow := &Client{ID: "slow", Topics: []string{events.TopicQueue}, Send: make(chan []byte)}
	hub.Register(slow)

	done := make(chan struct{})
	go func() {
		hub.Publish(context.Background(), events.Event{Type: events.QueueReordered, Topics: []string{events.TopicQueue}})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow client")
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newClient("c", events.TopicQueue)
			hub.Register(c)
			hub.Publish(context.Background(), events.Event{Topics: []string{events.TopicQueue}})
			hub.Unregister(c)
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestTopicsFor(t *testing.T) {
	tests := []struct {
		role string
		want []string
	}{
		{auth.RoleNurse, []string{events.TopicQueue, events.PatientTopic("u1")}},
		{auth.RoleDoctor, []string{events.TopicCompleted, events.PatientTopic("u1")}},
		{auth.RolePatient, []string{events.PatientTopic("u1")}},
		{auth.RoleAdmin, []string{events.TopicQueue, events.TopicCompleted, events.PatientTopic("u1")}},
	}
	for _, tt := range tests {
		got := TopicsFor(auth.WithUser(context.Background(), "u1", "", tt.role))
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("%s: expected %v, got %v", tt.role, tt.want, got)
		}
	}
	if got := TopicsFor(context.Background()); len(got) != 0 {
		t.Errorf("anonymous user should get no topics, got %v", got)
	}
}

func TestHandler_RejectsAnonymous(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), httptest.NewRecorder())

	err := NewHandler(NewHub(zerolog.Nop()), nil).HandleConnect(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	handler := NewHandler(hub, nil)

	e := echo.New()
	g := e.Group("", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithUser(c.Request().Context(), "nurse-1", "", auth.RoleNurse)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	handler.RegisterRoutes(g)

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount(events.TopicQueue) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.TopicCount(events.TopicQueue) != 1 {
		t.Fatal("expected nurse to be subscribed to the queue topic")
	}

	hub.Publish(context.Background(), events.Event{
		Type:   events.CaseSubmitted,
		Topics: []string{events.TopicQueue},
		CaseID: "case-ws",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received events.Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.CaseID != "case-ws" {
		t.Fatalf("expected case-ws, got %s", received.CaseID)
	}
}
