package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/open-presence/presence-bridge/cmd/presence-bridge/probe"
	"github.com/open-presence/presence-bridge/cmd/presence-bridge/state"
)

// Publisher forwards presence transitions to the bus.
type Publisher interface {
	Initialize() error
	IsReady() bool
	PublishClients(key string, newIDs, goneIDs []state.Identity) error
	PublishSnapshot(key string, ids []state.Identity) error
	Close() error
}

type Config struct {
	Hosts    []string
	Interval time.Duration
	Mode     state.Mode
}

// Worker drives the polling loop: query every host, diff against the store,
// forward transitions. One cycle is in flight at a time and the store is only
// touched between cycles, so the whole pipeline runs lock-free.
type Worker struct {
	cfg       Config
	provider  probe.Provider
	publisher Publisher
	store     *state.Store
}

func New(cfg Config, provider probe.Provider, publisher Publisher, store *state.Store) *Worker {
	if store == nil {
		store = state.NewStore()
	}
	return &Worker{cfg: cfg, provider: provider, publisher: publisher, store: store}
}

// Run executes cycles until the context is cancelled or a cycle fails
// terminally. A terminal error means the cycle's data was unusable and the
// process must be restarted by its supervisor; no partial diff has been
// applied.
func (w *Worker) Run(ctx context.Context) error {
	for {
		cycleStart := time.Now()
		if err := w.RunCycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			cycleFailures.Inc()
			return fmt.Errorf("poll cycle failed: %w", err)
		}
		cyclesTotal.Inc()
		zap.S().Debugf("Cycle completed in %s", time.Since(cycleStart))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.cfg.Interval):
		}
	}
}

// RunCycle executes exactly one cycle. Either the whole cycle's diff is
// applied, or none of it.
func (w *Worker) RunCycle(ctx context.Context) error {
	outcomes := w.provider.GetClientsBatch(ctx, w.cfg.Hosts)
	if err := ctx.Err(); err != nil {
		return err
	}

	reports := make([]state.Report, 0, len(w.cfg.Hosts))
	for _, host := range w.cfg.Hosts {
		outcome, queried := outcomes[host]
		if !queried {
			return &probe.TransportError{Host: host, Err: errors.New("no outcome recorded")}
		}
		report, err := w.demote(host, outcome)
		if err != nil {
			return err
		}
		reports = append(reports, report)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	diffs := state.ComputeDiffs(w.store, reports, w.cfg.Mode)
	for _, key := range w.store.Keys() {
		presentClients.WithLabelValues(key).Set(float64(w.store.Count(key)))
	}
	if len(diffs) == 0 {
		return nil
	}
	if !w.publisher.IsReady() {
		zap.S().Warnf("Publisher not ready, skipping output of %d diff(s); presence data is perishable", len(diffs))
		return nil
	}
	w.publish(diffs)
	return nil
}

// demote converts a host outcome into a cycle report. A malformed response is
// demoted to an empty identity set for this host only; a transport failure
// (or any unclassified failure) is returned as-is and aborts the cycle,
// because partial host data would make departures unreliable.
func (w *Worker) demote(host string, outcome probe.Outcome) (state.Report, error) {
	key := outcome.Report.Hostname
	if key == "" {
		key = host
	}
	if outcome.Err == nil {
		return state.Report{Key: key, Identities: outcome.Report.Identities}, nil
	}

	var parseErr *probe.ParseError
	if errors.As(outcome.Err, &parseErr) {
		zap.S().Warnf("Host %s answered with an unreadable client list, treating as empty for this cycle: %s", host, parseErr.Err)
		parseFailures.WithLabelValues(host).Inc()
		return state.Report{Key: key}, nil
	}
	return state.Report{}, outcome.Err
}

func (w *Worker) publish(diffs []state.Diff) {
	for _, diff := range diffs {
		var err error
		if diff.Initial {
			zap.S().Infof("Publishing initial population of %s (%d client(s)), no connect events", diff.Key, len(diff.New))
			err = w.publisher.PublishSnapshot(diff.Key, diff.New)
		} else {
			for _, id := range diff.New {
				zap.S().Infof("Client %s connected on %s", id, diff.Key)
			}
			for _, id := range diff.Gone {
				zap.S().Infof("Client %s disconnected from %s", id, diff.Key)
			}
			err = w.publisher.PublishClients(diff.Key, diff.New, diff.Gone)
			connectsTotal.Add(float64(len(diff.New)))
			disconnectsTotal.Add(float64(len(diff.Gone)))
		}
		if err != nil {
			// a missed publish is superseded by the next cycle's diff
			publishFailures.Inc()
			zap.S().Warnf("Publishing diff for %s failed: %s", diff.Key, err)
		}
	}
}
