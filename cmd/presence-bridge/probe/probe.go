package probe

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Report is the successful outcome of querying one access point. Hostname is
// the name the device reports for itself, falling back to the dial string.
// Identities are raw identifiers; normalization happens downstream.
type Report struct {
	Hostname   string
	Identities []string
}

// Outcome pairs a report with the error that replaced it. On a ParseError the
// report may still carry the hostname.
type Outcome struct {
	Report Report
	Err    error
}

// Provider queries access points for their currently associated clients.
type Provider interface {
	// GetClients queries a single host.
	GetClients(ctx context.Context, host string) (Report, error)
	// GetClientsBatch queries all hosts in parallel, bounded by host count,
	// and returns an outcome per host. It never fails as a whole; per-host
	// failures are recorded in the outcomes.
	GetClientsBatch(ctx context.Context, hosts []string) map[string]Outcome
}

// TransportError marks a host as unreachable or the query command as failed.
// Any TransportError in a cycle makes the whole cycle unusable: partial host
// data would turn absent clients into false departures.
type TransportError struct {
	Host string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure on %s: %s", e.Host, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError marks a host that answered but whose payload could not be read.
// The host contributes an empty identity set for the cycle; unlike a
// TransportError it does not abort the cycle.
type ParseError struct {
	Host string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed response from %s: %s", e.Host, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// batch runs getClients for every host concurrently and collects the outcomes.
// Shared by provider implementations.
func batch(ctx context.Context, hosts []string, getClients func(context.Context, string) (Report, error)) map[string]Outcome {
	outcomes := make(map[string]Outcome, len(hosts))
	if len(hosts) == 0 {
		return outcomes
	}
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(len(hosts))
	for _, host := range hosts {
		host := host
		group.Go(func() error {
			report, err := getClients(groupCtx, host)
			mu.Lock()
			outcomes[host] = Outcome{Report: report, Err: err}
			mu.Unlock()
			return nil
		})
	}
	// the goroutines never return errors; failures live in the outcomes
	_ = group.Wait()
	return outcomes
}
