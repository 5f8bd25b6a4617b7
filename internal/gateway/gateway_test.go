package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/le-si/openclaw-gateway/internal/contract"
)

type fakeAdapter struct {
	name     string
	startErr error
	started  bool
	stopped  bool
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeAdapter) Stop(ctx context.Context) error {
	f.stopped = true
	return nil
}

func (f *fakeAdapter) SendMessage(ctx context.Context, channelID, text string) error { return nil }

func (f *fakeAdapter) SendImage(ctx context.Context, channelID, imagePath string) error { return nil }

func TestRegistryNormalizesNames(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	reg.MustRegister(&fakeAdapter{name: "  Telegram "})
	if _, ok := reg.Get("telegram"); !ok {
		t.Fatalf("Get(telegram) = false, want true")
	}
	if err := reg.Register(&fakeAdapter{name: "TELEGRAM"}); err == nil {
		t.Fatalf("duplicate Register() = nil, want error")
	}
}

func TestRegistryRejectsEmptyName(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	if err := reg.Register(&fakeAdapter{name: "   "}); err == nil {
		t.Fatalf("Register(blank name) = nil, want error")
	}
}

func TestManagerStartAll(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	good := &fakeAdapter{name: "discord"}
	bad := &fakeAdapter{name: "slack", startErr: errors.New("dial failed")}
	reg.MustRegister(good)
	reg.MustRegister(bad)

	mgr := NewManager(nil, reg)
	if err := mgr.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll() = %v, want nil", err)
	}
	if !good.started {
		t.Fatalf("good adapter not started")
	}

	states := map[string]contract.SessionState{}
	for _, st := range mgr.Status() {
		states[st.Platform] = st.State
	}
	if states["discord"] != contract.SessionActive {
		t.Fatalf("discord state = %v, want %v", states["discord"], contract.SessionActive)
	}
	if states["slack"] != contract.SessionRevoked {
		t.Fatalf("slack state = %v, want %v", states["slack"], contract.SessionRevoked)
	}
}

func TestManagerStartAllEmpty(t *testing.T) {
	t.Parallel()
	mgr := NewManager(nil, NewRegistry())
	if err := mgr.StartAll(context.Background()); err == nil {
		t.Fatalf("StartAll() with no adapters = nil, want error")
	}
}

func TestManagerStartAllAllFail(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	reg.MustRegister(&fakeAdapter{name: "line", startErr: errors.New("boom")})
	mgr := NewManager(nil, reg)
	if err := mgr.StartAll(context.Background()); err == nil {
		t.Fatalf("StartAll() = nil, want error when nothing started")
	}
}

func TestManagerShutdown(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	adapter := &fakeAdapter{name: "kakao"}
	reg.MustRegister(adapter)
	mgr := NewManager(nil, reg)
	if err := mgr.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll() = %v", err)
	}
	if err := mgr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	if !adapter.stopped {
		t.Fatalf("adapter not stopped")
	}
	for _, st := range mgr.Status() {
		if st.State != contract.SessionRevoked {
			t.Fatalf("state after shutdown = %v, want %v", st.State, contract.SessionRevoked)
		}
	}
}

func TestManagerRecordInbound(t *testing.T) {
	t.Parallel()
	mgr := NewManager(nil, NewRegistry())
	mgr.RecordInbound(CommandRequest{Platform: "telegram", SenderID: "u1", ChannelID: "c1", MessageID: "m1"})
	mgr.RecordInbound(CommandRequest{Platform: "telegram", SenderID: "u1", ChannelID: "c1", MessageID: "m2"})

	events := mgr.RecentEvents("")
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	tail := mgr.RecentEvents(events[0].ID)
	if len(tail) != 1 || tail[0].Data["message"] != "m2" {
		t.Fatalf("RecentEvents(after first) = %v, want the second event only", tail)
	}
}
