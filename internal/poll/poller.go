// Package poll keeps conversation state fresh over REST while the streaming
// connection is down. Each tick refreshes the summaries and the active
// conversation; while the stream is healthy the poller stays silent so the
// two ingestion paths never compete.
package poll

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matborges/lojachat/internal/status"
	"github.com/matborges/lojachat/internal/store"
)

// Target is the slice of the conversation store the poller drives.
type Target interface {
	LoadConversations(ctx context.Context) error
	RefreshMessages(ctx context.Context, conversationID string) error
	ActiveID() string
}

// Clock abstracts tick timing for tests.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config carries the poller collaborators.
type Config struct {
	Target   Target
	Machine  *status.Machine
	Interval time.Duration
	Clock    Clock
	Logger   *zap.Logger
}

// Poller periodically refreshes the store from the REST API.
type Poller struct {
	target   Target
	machine  *status.Machine
	interval time.Duration
	clock    Clock
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a poller. Interval defaults to 10 seconds.
func New(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Poller{
		target:   cfg.Target,
		machine:  cfg.Machine,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Start launches the tick loop. Calling Start on a running poller is a
// no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.clock.After(p.interval):
			}
			p.tick(ctx)
		}
	}()
}

// Stop halts the tick loop.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Poller) tick(ctx context.Context) {
	if p.machine.Current() == status.Connected {
		// The stream delivers everything in real time; polling on top of
		// it would only waste requests.
		return
	}
	if err := p.target.LoadConversations(ctx); err != nil {
		p.logger.Warn("poll conversations failed", zap.Error(err))
		return
	}
	active := p.target.ActiveID()
	if active == "" || store.IsTempKey(active) {
		return
	}
	if err := p.target.RefreshMessages(ctx, active); err != nil {
		p.logger.Warn("poll messages failed", zap.String("conversation", active), zap.Error(err))
	}
}
