// Package poller watches submitted backend jobs and delivers their output
// images back to the originating platform channel.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/le-si/openclaw-gateway/internal/backend"
	"github.com/le-si/openclaw-gateway/internal/contract"
	"github.com/le-si/openclaw-gateway/internal/gateway"
)

// HistoryClient is the slice of the backend API the poller needs.
type HistoryClient interface {
	History(ctx context.Context, jobID string) (backend.HistoryResult, error)
	DownloadView(ctx context.Context, ref backend.ImageRef) ([]byte, error)
}

// MessengerLookup resolves a platform's outbound capability.
type MessengerLookup interface {
	Messenger(platform string) (gateway.Messenger, bool)
}

// Options bounds a Poller.
type Options struct {
	// InitialInterval is the first poll delay; it doubles per poll up to
	// MaxInterval.
	InitialInterval time.Duration
	// MaxInterval caps the poll backoff.
	MaxInterval time.Duration
	// Timeout is the wall-clock budget per job before a timeout notice.
	Timeout time.Duration
	// MaxImages caps how many output images are delivered per job.
	MaxImages int
	// WorkDir receives downloaded images before delivery.
	WorkDir string
}

func (o *Options) fill() {
	if o.InitialInterval <= 0 {
		o.InitialInterval = time.Second
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 15 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Minute
	}
	if o.MaxImages <= 0 {
		o.MaxImages = 4
	}
	if o.WorkDir == "" {
		o.WorkDir = os.TempDir()
	}
}

// Poller runs one goroutine per watched job. Duplicate watches on the same
// job id are dropped through the callback contract's idempotency key.
type Poller struct {
	logger    *slog.Logger
	client    HistoryClient
	adapters  MessengerLookup
	callbacks *contract.CallbackContract
	opts      Options

	mu   sync.Mutex
	jobs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

// New creates a Poller.
func New(log *slog.Logger, client HistoryClient, adapters MessengerLookup, opts Options) *Poller {
	if log == nil {
		log = slog.Default()
	}
	opts.fill()
	return &Poller{
		logger:    log.With(slog.String("component", "poller")),
		client:    client,
		adapters:  adapters,
		callbacks: contract.NewCallbackContract(),
		opts:      opts,
		jobs:      map[string]context.CancelFunc{},
	}
}

// Watch starts polling the job, delivering results to the platform channel.
// Watching the same job id twice is a no-op.
func (p *Poller) Watch(jobID, platform, channelID string) {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	if _, exists := p.jobs[jobID]; exists {
		p.mu.Unlock()
		cancel()
		p.logger.Debug("job already watched", slog.String("job_id", jobID))
		return
	}
	p.jobs[jobID] = cancel
	p.mu.Unlock()

	// The callback record makes delivery single-use even if a duplicate
	// watch slips past the jobs map.
	record := p.callbacks.Register(jobID, contract.CallbackOptions{
		TTL:                 p.opts.Timeout + time.Minute,
		AllowDirectDelivery: true,
	})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.jobs, jobID)
			p.mu.Unlock()
			cancel()
		}()
		p.poll(ctx, record.ID, jobID, platform, channelID)
	}()
}

// Active returns the number of jobs currently being polled.
func (p *Poller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// Shutdown cancels every in-flight poll and waits for the goroutines.
func (p *Poller) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	for _, cancel := range p.jobs {
		cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) poll(ctx context.Context, callbackID, jobID, platform, channelID string) {
	log := p.logger.With(slog.String("job_id", jobID), slog.String("platform", platform))
	deadline := time.Now().Add(p.opts.Timeout)
	interval := p.opts.InitialInterval

	for {
		result, err := p.client.History(ctx, jobID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Warn("history poll failed", slog.Any("error", err))
		} else if result.Completed {
			p.deliver(ctx, log, result, platform, channelID)
			if err := p.callbacks.Deliver(callbackID); err != nil {
				log.Debug("callback finalize", slog.Any("error", err))
			}
			return
		}

		if time.Now().After(deadline) {
			log.Warn("job polling timed out")
			p.notify(ctx, platform, channelID, fmt.Sprintf("Job %s timed out after %s. Check /history %s later.", jobID, p.opts.Timeout, jobID))
			if err := p.callbacks.Fail(callbackID); err != nil {
				log.Debug("callback finalize", slog.Any("error", err))
			}
			return
		}

		// Cancellation must interrupt the backoff sleep so shutdown is
		// never delayed by a full interval.
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		interval *= 2
		if interval > p.opts.MaxInterval {
			interval = p.opts.MaxInterval
		}
	}
}

func (p *Poller) deliver(ctx context.Context, log *slog.Logger, result backend.HistoryResult, platform, channelID string) {
	if result.Error != "" {
		p.notify(ctx, platform, channelID, fmt.Sprintf("Job %s failed: %s", result.JobID, result.Error))
		return
	}
	images := result.Images()
	if len(images) == 0 {
		p.notify(ctx, platform, channelID, fmt.Sprintf("Job %s completed with no images.", result.JobID))
		return
	}
	if len(images) > p.opts.MaxImages {
		p.notify(ctx, platform, channelID, fmt.Sprintf("Job %s produced %d images; sending the first %d.", result.JobID, len(images), p.opts.MaxImages))
		images = images[:p.opts.MaxImages]
	}
	messenger, ok := p.adapters.Messenger(platform)
	if !ok {
		log.Error("no messenger for platform")
		return
	}
	for _, ref := range images {
		// A single bad image falls back to text; the rest of the batch
		// still goes out.
		if err := p.sendImage(ctx, messenger, channelID, ref); err != nil {
			log.Warn("image delivery failed", slog.String("filename", ref.Filename), slog.Any("error", err))
			if err := messenger.SendMessage(ctx, channelID, "Could not deliver image "+ref.Filename+"."); err != nil {
				log.Warn("fallback text failed", slog.Any("error", err))
			}
		}
	}
}

func (p *Poller) sendImage(ctx context.Context, messenger gateway.Messenger, channelID string, ref backend.ImageRef) error {
	data, err := p.client.DownloadView(ctx, ref)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	file, err := os.CreateTemp(p.opts.WorkDir, "result-*"+filepath.Ext(ref.Filename))
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	path := file.Name()
	defer func() {
		_ = os.Remove(path)
	}()
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return fmt.Errorf("write image: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close image: %w", err)
	}
	return messenger.SendImage(ctx, channelID, path)
}

func (p *Poller) notify(ctx context.Context, platform, channelID, text string) {
	messenger, ok := p.adapters.Messenger(platform)
	if !ok {
		p.logger.Error("no messenger for platform", slog.String("platform", platform))
		return
	}
	if err := messenger.SendMessage(ctx, channelID, text); err != nil {
		p.logger.Warn("notify failed", slog.String("platform", platform), slog.Any("error", err))
	}
}
