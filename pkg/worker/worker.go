// Package worker consumes ingestion jobs and precomputes their variants.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/xgimage/pkg/imaging"
	"github.com/jacktea/xgimage/pkg/naming"
	"github.com/jacktea/xgimage/pkg/queue"
	"github.com/jacktea/xgimage/pkg/xerrors"
)

// VariantGetter is the part of imaging.Service the worker drives.
type VariantGetter interface {
	GetVariant(ctx context.Context, req imaging.VariantRequest) (imaging.Variant, error)
}

// Options configures a Processor.
type Options struct {
	Consumer     queue.Consumer
	Variants     VariantGetter
	Naming       naming.Scheme
	Concurrency  int
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// Processor pulls jobs and fills the variant cache for each listed version.
type Processor struct {
	opts Options
}

// New validates opts.
func New(opts Options) (*Processor, error) {
	if opts.Consumer == nil {
		return nil, fmt.Errorf("worker: consumer is required")
	}
	if opts.Variants == nil {
		return nil, fmt.Errorf("worker: variant service is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Processor{opts: opts}, nil
}

// Run processes jobs until ctx is done.
func (p *Processor) Run(ctx context.Context) error {
	p.opts.Logger.Info().Int("concurrency", p.opts.Concurrency).Msg("worker started")
	for {
		processed, err := p.next(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, queue.ErrEmpty) {
			p.opts.Logger.Error().Err(err).Msg("receive failed")
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.opts.PollInterval):
		}
	}
}

// Drain processes jobs until the queue reports empty and returns how many
// were acked.
func (p *Processor) Drain(ctx context.Context) (int, error) {
	acked := 0
	for {
		processed, err := p.next(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			return acked, nil
		}
		if err != nil {
			return acked, err
		}
		if processed {
			acked++
		}
	}
}

// next handles one delivery. processed is false when nothing was acked.
func (p *Processor) next(ctx context.Context) (bool, error) {
	d, err := p.opts.Consumer.Receive(ctx)
	if err != nil {
		return false, err
	}
	log := p.opts.Logger.With().Str("identifier", d.Job.Identifier).Int("attempt", d.Attempt).Logger()
	if err := p.Handle(ctx, d.Job); err != nil {
		// Left unacked so the queue hands it out again.
		log.Warn().Err(err).Msg("job failed")
		return false, nil
	}
	if err := p.opts.Consumer.Ack(ctx, d); err != nil {
		return false, err
	}
	log.Debug().Int("versions", len(d.Job.Versions)).Msg("job done")
	return true, nil
}

// Handle computes every version listed in job.
func (p *Processor) Handle(ctx context.Context, job queue.Job) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, version := range job.Versions {
		params, err := p.opts.Naming.ParseVariantKey(version)
		if err != nil {
			p.opts.Logger.Warn().Err(err).Str("version", version).Msg("skipping malformed version")
			continue
		}
		g.Go(func() error {
			v, err := p.opts.Variants.GetVariant(gctx, imaging.VariantRequest{
				Source:   job.OriginalKey,
				Width:    params.Width,
				Height:   params.Height,
				Format:   params.Format,
				Quality:  params.Quality,
				UseCache: true,
			})
			if err != nil {
				return err
			}
			if v.CacheErr != nil {
				return xerrors.Wrap(xerrors.KindStoreUnavailable, "worker.fill", v.Key, v.CacheErr)
			}
			return nil
		})
	}
	return g.Wait()
}
