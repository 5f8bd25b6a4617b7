package poller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/le-si/openclaw-gateway/internal/backend"
	"github.com/le-si/openclaw-gateway/internal/gateway"
)

type fakeHistory struct {
	mu       sync.Mutex
	polls    int
	ready    int
	result   backend.HistoryResult
	download map[string][]byte
	failRefs map[string]bool
}

func (f *fakeHistory) History(ctx context.Context, jobID string) (backend.HistoryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls < f.ready {
		return backend.HistoryResult{JobID: jobID}, nil
	}
	return f.result, nil
}

func (f *fakeHistory) DownloadView(ctx context.Context, ref backend.ImageRef) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRefs[ref.Filename] {
		return nil, fmt.Errorf("download refused")
	}
	if data, ok := f.download[ref.Filename]; ok {
		return data, nil
	}
	return []byte("png"), nil
}

type fakeMessenger struct {
	mu       sync.Mutex
	messages []string
	images   []string
}

func (m *fakeMessenger) SendMessage(ctx context.Context, channelID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, text)
	return nil
}

func (m *fakeMessenger) SendImage(ctx context.Context, channelID, imagePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images = append(m.images, imagePath)
	return nil
}

func (m *fakeMessenger) snapshot() ([]string, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages...), append([]string(nil), m.images...)
}

type fakeLookup struct{ messenger *fakeMessenger }

func (l *fakeLookup) Messenger(platform string) (gateway.Messenger, bool) {
	return l.messenger, true
}

func waitIdle(t *testing.T, p *Poller) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for p.Active() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("poller did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatchDeliversImages(t *testing.T) {
	t.Parallel()
	history := &fakeHistory{
		ready: 3,
		result: backend.HistoryResult{
			JobID:     "job-1",
			Completed: true,
			Outputs: map[string]backend.NodeOutput{
				"9": {Images: []backend.ImageRef{{Filename: "a.png"}, {Filename: "b.png"}}},
			},
		},
	}
	messenger := &fakeMessenger{}
	p := New(nil, history, &fakeLookup{messenger}, Options{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Timeout:         time.Second,
		WorkDir:         t.TempDir(),
	})
	p.Watch("job-1", "telegram", "chan-1")
	waitIdle(t, p)

	_, images := messenger.snapshot()
	if len(images) != 2 {
		t.Fatalf("images delivered = %d, want 2", len(images))
	}
}

func TestWatchImageCap(t *testing.T) {
	t.Parallel()
	refs := make([]backend.ImageRef, 6)
	for i := range refs {
		refs[i] = backend.ImageRef{Filename: fmt.Sprintf("img-%d.png", i)}
	}
	history := &fakeHistory{
		result: backend.HistoryResult{
			JobID:     "job-2",
			Completed: true,
			Outputs:   map[string]backend.NodeOutput{"1": {Images: refs}},
		},
	}
	messenger := &fakeMessenger{}
	p := New(nil, history, &fakeLookup{messenger}, Options{
		InitialInterval: time.Millisecond,
		Timeout:         time.Second,
		MaxImages:       2,
		WorkDir:         t.TempDir(),
	})
	p.Watch("job-2", "telegram", "chan-1")
	waitIdle(t, p)

	messages, images := messenger.snapshot()
	if len(images) != 2 {
		t.Fatalf("images delivered = %d, want 2 (capped)", len(images))
	}
	found := false
	for _, msg := range messages {
		if strings.Contains(msg, "first 2") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no cap notice in %v", messages)
	}
}

func TestWatchPerImageFallback(t *testing.T) {
	t.Parallel()
	history := &fakeHistory{
		failRefs: map[string]bool{"bad.png": true},
		result: backend.HistoryResult{
			JobID:     "job-3",
			Completed: true,
			Outputs: map[string]backend.NodeOutput{
				"1": {Images: []backend.ImageRef{{Filename: "bad.png"}, {Filename: "good.png"}}},
			},
		},
	}
	messenger := &fakeMessenger{}
	p := New(nil, history, &fakeLookup{messenger}, Options{
		InitialInterval: time.Millisecond,
		Timeout:         time.Second,
		WorkDir:         t.TempDir(),
	})
	p.Watch("job-3", "telegram", "chan-1")
	waitIdle(t, p)

	messages, images := messenger.snapshot()
	if len(images) != 1 {
		t.Fatalf("images delivered = %d, want 1 (bad one skipped)", len(images))
	}
	fallback := false
	for _, msg := range messages {
		if strings.Contains(msg, "bad.png") {
			fallback = true
		}
	}
	if !fallback {
		t.Fatalf("no fallback text for failed image in %v", messages)
	}
}

func TestWatchTimeout(t *testing.T) {
	t.Parallel()
	history := &fakeHistory{ready: 1 << 30}
	messenger := &fakeMessenger{}
	p := New(nil, history, &fakeLookup{messenger}, Options{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Timeout:         50 * time.Millisecond,
		WorkDir:         t.TempDir(),
	})
	p.Watch("job-4", "telegram", "chan-1")
	waitIdle(t, p)

	messages, _ := messenger.snapshot()
	timedOut := false
	for _, msg := range messages {
		if strings.Contains(msg, "timed out") {
			timedOut = true
		}
	}
	if !timedOut {
		t.Fatalf("no timeout notice in %v", messages)
	}
}

func TestWatchDuplicateIsNoop(t *testing.T) {
	t.Parallel()
	history := &fakeHistory{ready: 1 << 30}
	messenger := &fakeMessenger{}
	p := New(nil, history, &fakeLookup{messenger}, Options{
		InitialInterval: time.Millisecond,
		Timeout:         time.Minute,
		WorkDir:         t.TempDir(),
	})
	p.Watch("job-5", "telegram", "chan-1")
	p.Watch("job-5", "telegram", "chan-1")
	if got := p.Active(); got != 1 {
		t.Fatalf("Active() = %d, want 1", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
}

func TestShutdownCancelsBackoff(t *testing.T) {
	t.Parallel()
	history := &fakeHistory{ready: 1 << 30}
	messenger := &fakeMessenger{}
	p := New(nil, history, &fakeLookup{messenger}, Options{
		InitialInterval: 10 * time.Second,
		Timeout:         time.Hour,
		WorkDir:         t.TempDir(),
	})
	p.Watch("job-6", "telegram", "chan-1")

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("shutdown took %s, backoff sleep not cancelled", elapsed)
	}
}
