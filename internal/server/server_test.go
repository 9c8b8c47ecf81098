package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xmidt-org/talaria/headunit"
	api "github.com/xmidt-org/talaria/headunit/internal/http"
	"github.com/xmidt-org/talaria/headunit/manager"
)

type emptyService struct{}

func (emptyService) Devices(context.Context) ([]headunit.Device, error) { return nil, nil }
func (emptyService) Active(context.Context) (manager.ActiveView, error) {
	return manager.ActiveView{}, nil
}
func (emptyService) Activate(context.Context, headunit.DeviceID) error   { return nil }
func (emptyService) Deactivate(context.Context, headunit.DeviceID) error { return nil }
func (emptyService) Disconnect(context.Context, headunit.DeviceID) error { return nil }
func (emptyService) Delete(context.Context, headunit.DeviceID) error     { return nil }
func (emptyService) SetAcceptState(context.Context, headunit.DeviceID, headunit.AcceptState) error {
	return nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNewRequiresHandler(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNilHandler) {
		t.Fatalf("New() error = %v", err)
	}
}

func TestRoutesAndCORS(t *testing.T) {
	e, err := New(Config{Handler: api.NewHandler(emptyService{}, nil, quiet())})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(e)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/devices", nil)
	req.Header.Set("Origin", "http://ui.local")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header: %v", resp.Header)
	}

	resp, err = http.Post(srv.URL+"/api/devices/a/activate", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", resp.StatusCode)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	e, err := New(Config{Handler: api.NewHandler(emptyService{}, nil, quiet())})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := Serve(ctx, e, "127.0.0.1:0", quiet())

	deadline := time.Now().Add(2 * time.Second)
	for e.ListenerAddr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never started")
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + e.ListenerAddr().String() + "/api/devices")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			t.Fatalf("serve error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
