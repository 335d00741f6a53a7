package jobs

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// gate is the admission semaphore bounding simultaneous active
// pipelines. A new gate is allocated for every batch with the batch's
// concurrency; jobs beyond the cap wait in QUEUED until a slot frees.
type gate struct {
	sem    chan struct{}
	logger logrus.FieldLogger
}

func newGate(concurrency int, logger logrus.FieldLogger) *gate {
	if concurrency < 1 {
		concurrency = 1
	}
	return &gate{
		sem:    make(chan struct{}, concurrency),
		logger: logger,
	}
}

// Acquire blocks until a pipeline slot is free or ctx is cancelled.
func (g *gate) Acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		g.logger.WithField("active", len(g.sem)).Debug("acquired pipeline slot")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cancelled while waiting for pipeline slot: %w", ctx.Err())
	}
}

// Release frees a pipeline slot.
func (g *gate) Release() {
	<-g.sem
	g.logger.WithField("active", len(g.sem)).Debug("released pipeline slot")
}
