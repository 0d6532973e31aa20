package diagnosis

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type ProcessorConfig struct {
	Workers      int
	PollInterval time.Duration
	BatchSize    int
	// StaleAfter enables a stale-record sweep on every poll when positive.
	StaleAfter time.Duration
}

// Processor runs pending diagnoses on a bounded pool of goroutines. Ids come
// from Submit directly and from periodic polling of the store, so records
// created by other processes are picked up too.
type Processor struct {
	service  *Service
	config   ProcessorConfig
	queue    chan string
	inflight sync.Map
	logger   *zap.Logger
}

func NewProcessor(service *Service, config ProcessorConfig) *Processor {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	p := &Processor{
		service: service,
		config:  config,
		queue:   make(chan string, config.BatchSize),
		logger:  service.logger,
	}
	service.dispatch = p.Enqueue
	return p
}

// Enqueue schedules id without blocking. A full queue drops the id; the next
// poll finds it in the store.
func (p *Processor) Enqueue(id string) {
	select {
	case p.queue <- id:
	default:
		p.logger.Debug("diagnosis queue full, deferring to poll", zap.String("id", id))
	}
}

// Run dispatches work until ctx is cancelled, then waits for in-flight
// diagnoses to reach a terminal state.
func (p *Processor) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(p.config.Workers)

	// In-flight work finishes its terminal write even after shutdown starts.
	work := context.WithoutCancel(ctx)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.poll(ctx, work, &g)
	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case id := <-p.queue:
			p.dispatch(work, &g, id)
		case <-ticker.C:
			p.poll(ctx, work, &g)
		}
	}
}

func (p *Processor) poll(ctx, work context.Context, g *errgroup.Group) {
	if p.config.StaleAfter > 0 {
		if _, err := p.service.RecoverStale(ctx, p.config.StaleAfter); err != nil {
			p.logger.Error("stale diagnosis sweep failed", zap.Error(err))
		}
	}
	ids, err := p.service.store.PendingDiagnosisIDs(ctx, p.config.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("failed to poll pending diagnoses", zap.Error(err))
		}
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		p.dispatch(work, g, id)
	}
}

func (p *Processor) dispatch(ctx context.Context, g *errgroup.Group, id string) {
	if _, busy := p.inflight.LoadOrStore(id, struct{}{}); busy {
		return
	}
	g.Go(func() error {
		defer p.inflight.Delete(id)
		err := p.service.Process(ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotPending):
			p.logger.Debug("diagnosis claimed or finished elsewhere", zap.String("id", id))
		default:
			p.logger.Error("diagnosis processing error", zap.String("id", id), zap.Error(err))
		}
		return nil
	})
}
