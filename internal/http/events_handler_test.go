package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/xmidt-org/talaria/headunit"
)

func TestEventsStream(t *testing.T) {
	var hub headunit.EventHub
	e := echo.New()
	NewEventsHandler(&hub, slog.New(slog.NewTextHandler(io.Discard, nil))).RegisterRoutes(e.Group("/api"))
	srv := httptest.NewServer(e)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	// the subscription exists once headers are out
	hub.Publish(headunit.Event{Kind: headunit.EventAttached, DeviceID: "ignored"})
	hub.Publish(headunit.Event{
		Kind:    headunit.EventActiveChanged,
		Payload: headunit.ActiveChange{Device: &headunit.Device{ID: "a", Connection: headunit.Active}, Reason: "confirmActivation"},
	})

	lines := make(chan string, 8)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	var event, data string
	timeout := time.After(2 * time.Second)
	for data == "" {
		select {
		case l, ok := <-lines:
			if !ok {
				t.Fatal("stream ended early")
			}
			switch {
			case strings.HasPrefix(l, "event: "):
				event = strings.TrimPrefix(l, "event: ")
			case strings.HasPrefix(l, "data: "):
				data = strings.TrimPrefix(l, "data: ")
			}
		case <-timeout:
			t.Fatal("no event streamed")
		}
	}
	if event != string(headunit.EventActiveChanged) {
		t.Fatalf("event = %q", event)
	}
	var body activeEvent
	if err := json.Unmarshal([]byte(data), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Device == nil || body.Device.ID != "a" || body.Device.ConnectionState != "active" || body.Reason != "confirmActivation" {
		t.Fatalf("body = %s", data)
	}
}

func TestStreamBody(t *testing.T) {
	if _, ok := streamBody(headunit.Event{Kind: headunit.EventDetached}); ok {
		t.Fatal("adapter events must not be streamed")
	}
	body, ok := streamBody(headunit.Event{Payload: headunit.ListChange{Devices: []headunit.Device{{ID: "a"}, {ID: "b"}}, Reason: "r"}})
	if !ok || len(body.(listEvent).Devices) != 2 {
		t.Fatalf("list body = %+v", body)
	}
	body, _ = streamBody(headunit.Event{Payload: headunit.ActiveChange{Reason: "active device deactivated"}})
	if body.(activeEvent).Device != nil {
		t.Fatal("expected no device")
	}
}
