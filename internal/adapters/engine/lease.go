package engine

import (
	"context"
	"sync"
	"time"

	"github.com/eleven-am/weft/internal/domain"
)

// leaseKeeper renews the execution lease on a ticker for as long as the run
// is alive. Losing the lease — renewal rejected or the record gone — cancels
// the local run context so in-flight work stops; it never marks the
// execution Failed, because the next holder resumes it.
type leaseKeeper struct {
	engine      *Engine
	executionID string
	cancel      context.CancelCauseFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func (e *Engine) startLeaseKeeper(executionID string, cancel context.CancelCauseFunc) *leaseKeeper {
	k := &leaseKeeper{
		engine:      e,
		executionID: executionID,
		cancel:      cancel,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	go k.run()
	return k
}

func (k *leaseKeeper) run() {
	defer close(k.done)

	e := k.engine
	interval := e.config.Lease.RenewInterval
	if interval <= 0 {
		interval = e.config.Lease.TTL / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.stopCh:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		_, err := e.repo.RenewLease(ctx, k.executionID, e.workerID, e.config.Lease.TTL)
		cancel()

		if err == nil {
			e.metrics.LeaseRenewed()
			continue
		}

		e.logger.Warn("lease lost",
			"execution_id", k.executionID,
			"holder", e.workerID,
			"error", err)
		e.metrics.LeaseLost()
		e.journalAndEmit(context.Background(), k.executionID, domain.EventLeaseLost,
			domain.LeaseLostPayload{HolderID: e.workerID, Reason: err.Error()})
		k.cancel(errLeaseLost)
		return
	}
}

func (k *leaseKeeper) stop() {
	k.stopOnce.Do(func() { close(k.stopCh) })
	<-k.done
}
