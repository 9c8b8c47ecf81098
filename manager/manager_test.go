package manager

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xmidt-org/talaria/headunit"
	"github.com/xmidt-org/talaria/headunit/arbiter"
	"github.com/xmidt-org/talaria/headunit/registry"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeLink struct {
	mu                     sync.Mutex
	activated, deactivated int
}

func (f *fakeLink) ActivationConfirmed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated++
}

func (f *fakeLink) DeactivationConfirmed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated++
}

func (f *fakeLink) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activated, f.deactivated
}

type fakeLinks struct {
	mu     sync.Mutex
	links  map[headunit.DeviceID]*fakeLink
	closed []headunit.DeviceID
	noDrv  map[headunit.DeviceID]bool
}

func newFakeLinks() *fakeLinks {
	return &fakeLinks{links: map[headunit.DeviceID]*fakeLink{}, noDrv: map[headunit.DeviceID]bool{}}
}

func (f *fakeLinks) Open(_ context.Context, id headunit.DeviceID) (headunit.Confirmer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noDrv[id] {
		return nil, headunit.ErrNoDriver
	}
	l, ok := f.links[id]
	if !ok {
		l = &fakeLink{}
		f.links[id] = l
	}
	return l, nil
}

func (f *fakeLinks) Close(id headunit.DeviceID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
}

func (f *fakeLinks) link(id headunit.DeviceID) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[id]
}

func (f *fakeLinks) wasClosed(id headunit.DeviceID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.closed {
		if c == id {
			return true
		}
	}
	return false
}

type fakeStartup struct{ id headunit.DeviceID }

func (f fakeStartup) Candidate(context.Context) (headunit.DeviceID, bool, error) {
	return f.id, f.id != "", nil
}

type fixture struct {
	m     *Manager
	links *fakeLinks
	store *registry.Store
}

func setup(t *testing.T, startup StartupSource) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	store := registry.NewStore(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(store, log)
	arb, err := arbiter.New(arbiter.Config{Registry: reg, Logger: log})
	if err != nil {
		t.Fatalf("arbiter: %v", err)
	}
	q := arbiter.NewQueue(log)
	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)
	t.Cleanup(cancel)

	links := newFakeLinks()
	m, err := New(Config{Queue: q, Arbiter: arb, Registry: reg, Links: links, Startup: startup, Logger: log})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return &fixture{m: m, links: links, store: store}
}

func (f *fixture) attach(t *testing.T, id headunit.DeviceID) {
	t.Helper()
	ev := headunit.Event{Kind: headunit.EventAttached, DeviceID: id, Payload: headunit.DeviceInfo{ID: id, Name: "phone " + string(id)}}
	if err := f.m.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("attach %s: %v", id, err)
	}
}

func (f *fixture) report(t *testing.T, id headunit.DeviceID, state headunit.ConnectionState) {
	t.Helper()
	ev := headunit.Event{Kind: headunit.EventStateChanged, DeviceID: id, Payload: headunit.StateReport{Connection: state}}
	if err := f.m.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("report %s %v: %v", id, state, err)
	}
}

func (f *fixture) current(t *testing.T) *headunit.Device {
	t.Helper()
	v, err := f.m.Active(context.Background())
	if err != nil {
		t.Fatalf("Active() error = %v", err)
	}
	return v.Current
}

func TestManager_ActivationHandOff(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	f.attach(t, "a")
	devs, err := f.m.Devices(ctx)
	if err != nil || len(devs) != 1 || devs[0].Connection != headunit.Attached || devs[0].Name != "phone a" {
		t.Fatalf("Devices() = %+v, %v", devs, err)
	}

	if err := f.m.Activate(ctx, "a"); err != nil {
		t.Fatalf("Activate(a) error = %v", err)
	}
	if act, _ := f.links.link("a").counts(); act != 1 {
		t.Fatalf("a activation confirmations = %d", act)
	}
	if cur := f.current(t); cur == nil || cur.ID != "a" {
		t.Fatalf("current = %v", cur)
	}
	f.report(t, "a", headunit.Active)

	f.attach(t, "b")
	if err := f.m.SetAcceptState(ctx, "b", headunit.DisclaimerAccepted); err != nil {
		t.Fatalf("SetAcceptState() error = %v", err)
	}
	if err := f.m.Activate(ctx, "b"); err != nil {
		t.Fatalf("Activate(b) error = %v", err)
	}
	if _, deact := f.links.link("a").counts(); deact != 1 {
		t.Fatalf("incumbent was not told to deactivate")
	}
	if cur := f.current(t); cur.ID != "a" {
		t.Fatalf("current moved before the incumbent let go: %v", cur)
	}

	f.report(t, "a", headunit.Attached)
	if act, _ := f.links.link("b").counts(); act != 1 {
		t.Fatalf("pending device not activated")
	}
	f.report(t, "b", headunit.Active)

	v, err := f.m.Active(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v.Current == nil || v.Current.ID != "b" || !v.Current.Selected || v.Last == nil || v.Last.ID != "b" {
		t.Fatalf("Active() = %+v", v)
	}

	rec, err := f.store.Get(ctx, "b")
	if err != nil || rec.AcceptState != headunit.DisclaimerAccepted.String() {
		t.Fatalf("accept state not persisted: %+v %v", rec, err)
	}
}

func TestManager_UnknownAndUnbound(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	if err := f.m.Activate(ctx, "ghost"); !errors.Is(err, headunit.ErrDeviceNotFound) {
		t.Fatalf("Activate(ghost) = %v", err)
	}
	if err := f.m.Delete(ctx, "ghost"); !errors.Is(err, headunit.ErrDeviceNotFound) {
		t.Fatalf("Delete(ghost) = %v", err)
	}
	if err := f.m.SetAcceptState(ctx, "ghost", headunit.DisclaimerAccepted); !errors.Is(err, headunit.ErrDeviceNotFound) {
		t.Fatalf("SetAcceptState(ghost) = %v", err)
	}

	f.links.noDrv["c"] = true
	f.attach(t, "c")
	for name, op := range map[string]func(context.Context, headunit.DeviceID) error{
		"activate":   f.m.Activate,
		"deactivate": f.m.Deactivate,
		"disconnect": f.m.Disconnect,
	} {
		if err := op(ctx, "c"); !errors.Is(err, headunit.ErrNoDriver) {
			t.Errorf("%s without driver = %v", name, err)
		}
	}

	if err := f.m.Delete(ctx, "c"); err != nil {
		t.Fatalf("Delete(c) error = %v", err)
	}
	if devs, _ := f.m.Devices(ctx); len(devs) != 0 {
		t.Fatalf("device survived delete: %+v", devs)
	}
	if _, err := f.store.Get(ctx, "c"); !errors.Is(err, headunit.ErrDeviceNotFound) {
		t.Fatalf("device still persisted: %v", err)
	}
}

func TestManager_DetachClearsActive(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	f.attach(t, "a")
	if err := f.m.Activate(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	f.report(t, "a", headunit.Active)

	if err := f.m.HandleEvent(ctx, headunit.Event{Kind: headunit.EventDetached, DeviceID: "a"}); err != nil {
		t.Fatalf("detach error = %v", err)
	}
	v, _ := f.m.Active(ctx)
	if v.Current != nil {
		t.Fatalf("current = %v after detach", v.Current)
	}
	if v.Last == nil || v.Last.ID != "a" {
		t.Fatalf("last active lost: %+v", v.Last)
	}
	if !f.links.wasClosed("a") {
		t.Fatal("link not closed on detach")
	}
	if err := f.m.Activate(ctx, "a"); !errors.Is(err, headunit.ErrNoDriver) {
		t.Fatalf("Activate after detach = %v", err)
	}
}

func TestManager_DeleteActiveDevice(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	f.attach(t, "a")
	if err := f.m.Activate(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	f.report(t, "a", headunit.Active)

	if err := f.m.HandleEvent(ctx, headunit.Event{Kind: headunit.EventDeleteRequested, DeviceID: "a"}); err != nil {
		t.Fatalf("delete error = %v", err)
	}
	if cur := f.current(t); cur != nil {
		t.Fatalf("deleted device still current: %v", cur)
	}
	if !f.links.wasClosed("a") {
		t.Fatal("link not closed on delete")
	}
}

func TestManager_StartupActivation(t *testing.T) {
	f := setup(t, fakeStartup{id: "b"})

	f.attach(t, "a")
	if cur := f.current(t); cur != nil {
		t.Fatalf("non-startup device activated: %v", cur)
	}
	f.attach(t, "b")
	if act, _ := f.links.link("b").counts(); act != 1 {
		t.Fatal("startup device not activated")
	}
	if cur := f.current(t); cur == nil || cur.ID != "b" {
		t.Fatalf("current = %v", cur)
	}
}

func TestManager_RejectsMalformedEvents(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	f.attach(t, "a")

	if err := f.m.HandleEvent(ctx, headunit.Event{Kind: headunit.EventStateChanged, DeviceID: "a"}); !errors.Is(err, headunit.ErrInvalidState) {
		t.Errorf("state change without payload = %v", err)
	}
	if err := f.m.HandleEvent(ctx, headunit.Event{Kind: headunit.EventAcceptChanged, DeviceID: "a"}); !errors.Is(err, headunit.ErrInvalidState) {
		t.Errorf("accept change without payload = %v", err)
	}
	if err := f.m.HandleEvent(ctx, headunit.Event{Kind: headunit.EventAttached}); !errors.Is(err, headunit.ErrInvalidState) {
		t.Errorf("attach without id = %v", err)
	}
	if err := f.m.HandleEvent(ctx, headunit.Event{Kind: headunit.EventListChanged}); err != nil {
		t.Errorf("ignored kind returned %v", err)
	}
}

func TestManager_RunConsumesSubscriptions(t *testing.T) {
	f := setup(t, nil)
	var hub headunit.EventHub
	sub := hub.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.m.Run(ctx, sub)
		close(done)
	}()

	hub.Publish(headunit.Event{Kind: headunit.EventAttached, DeviceID: "a"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		devs, err := f.m.Devices(context.Background())
		if err == nil && len(devs) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("event never applied: %+v %v", devs, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run ignored cancellation")
	}
}

func TestManager_LostConsentIsRepairable(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	f.attach(t, "a")
	if err := f.m.SetAcceptState(ctx, "a", headunit.DisclaimerAccepted); err != nil {
		t.Fatalf("SetAcceptState(a) error = %v", err)
	}
	f.attach(t, "b")
	if err := f.m.Activate(ctx, "b"); err != nil {
		t.Fatalf("Activate(b) error = %v", err)
	}
	if err := f.m.HandleEvent(ctx, headunit.Event{Kind: headunit.EventDetached, DeviceID: "a"}); err != nil {
		t.Fatalf("detach a: %v", err)
	}
	f.attach(t, "a")

	rec, err := f.store.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get(a) error = %v", err)
	}
	if rec.AcceptState != headunit.NativeSelected.String() || !rec.PreviouslyAccepted {
		t.Fatalf("stored a = %+v", rec)
	}

	var out bytes.Buffer
	if n, err := registry.RepairConsent(ctx, f.store, registry.RepairFix, &out); err != nil || n != 1 {
		t.Fatalf("RepairConsent() = %d, %v\n%s", n, err, out.String())
	}
	if rec, _ := f.store.Get(ctx, "a"); rec.AcceptState != headunit.DisclaimerAccepted.String() {
		t.Fatalf("consent not restored: %+v", rec)
	}
}
