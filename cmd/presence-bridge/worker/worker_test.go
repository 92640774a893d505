package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-presence/presence-bridge/cmd/presence-bridge/probe"
	"github.com/open-presence/presence-bridge/cmd/presence-bridge/state"
)

func perAP(hosts ...string) Config {
	return Config{
		Hosts:    hosts,
		Interval: 10 * time.Millisecond,
		Mode:     state.Mode{Identity: state.IdentityModeMAC},
	}
}

func ok(hostname string, identities ...string) []probe.Outcome {
	return []probe.Outcome{{Report: probe.Report{Hostname: hostname, Identities: identities}}}
}

func TestFailFastOnTransportError(t *testing.T) {
	provider := probe.NewMockProvider(t, map[string][]probe.Outcome{
		"hostA": ok("ap1", "aa:aa:aa:00:00:01"),
		"hostB": {{Err: &probe.TransportError{Host: "hostB", Err: errors.New("connection refused")}}},
	})
	publisher := NewMockPublisher(t)
	store := state.NewStore()
	store.Put("ap1", "AA:AA:AA:00:00:09")

	w := New(perAP("hostA", "hostB"), provider, publisher, store)
	err := w.RunCycle(context.Background())

	// the cycle is abandoned in its entirety
	var transportErr *probe.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "hostB", transportErr.Host)

	// no state mutated, nothing published
	assert.Equal(t, 1, store.Count("ap1"))
	assert.Contains(t, store.Present("ap1"), state.Identity("AA:AA:AA:00:00:09"))
	assert.Empty(t, publisher.Published)

	// Run surfaces the restart request exactly once
	w2 := New(perAP("hostA", "hostB"), probe.NewMockProvider(t, map[string][]probe.Outcome{
		"hostA": ok("ap1", "aa:aa:aa:00:00:01"),
		"hostB": {{Err: &probe.TransportError{Host: "hostB", Err: errors.New("connection refused")}}},
	}), NewMockPublisher(t), state.NewStore())
	assert.Error(t, w2.Run(context.Background()))
}

func TestParseFailureIsDemotedToEmptyHost(t *testing.T) {
	provider := probe.NewMockProvider(t, map[string][]probe.Outcome{
		"hostA": ok("ap1", "aa:aa:aa:00:00:01"),
		"hostB": {{
			Report: probe.Report{Hostname: "ap2"},
			Err:    &probe.ParseError{Host: "hostB", Err: errors.New("unrecognized output")},
		}},
	})
	publisher := NewMockPublisher(t)
	store := state.NewStore()
	store.Put("ap1", "AA:AA:AA:00:00:01")
	store.Put("ap2", "AA:AA:AA:00:00:02")

	w := New(perAP("hostA", "hostB"), provider, publisher, store)
	require.NoError(t, w.RunCycle(context.Background()))

	// the malformed host contributed an empty set: its client departs
	require.Len(t, publisher.Published, 1)
	assert.Equal(t, "ap2", publisher.Published[0].Key)
	assert.Equal(t, []state.Identity{"AA:AA:AA:00:00:02"}, publisher.Published[0].Gone)
	assert.Equal(t, 0, store.Count("ap2"))
}

func TestInitialPopulationPublishedAsSnapshot(t *testing.T) {
	provider := probe.NewMockProvider(t, map[string][]probe.Outcome{
		"hostA": ok("ap1", "aa:aa:aa:00:00:01", "aa:aa:aa:00:00:02"),
	})
	publisher := NewMockPublisher(t)

	w := New(perAP("hostA"), provider, publisher, state.NewStore())
	require.NoError(t, w.RunCycle(context.Background()))

	require.Len(t, publisher.Published, 1)
	assert.True(t, publisher.Published[0].Snapshot)
	assert.Len(t, publisher.Published[0].New, 2)
}

func TestSeededStorePublishesOrdinaryEvents(t *testing.T) {
	provider := probe.NewMockProvider(t, map[string][]probe.Outcome{
		"hostA": ok("ap1", "aa:aa:aa:00:00:01", "aa:aa:aa:00:00:02"),
	})
	publisher := NewMockPublisher(t)
	store := state.NewStore()
	store.Put("ap1", "AA:AA:AA:00:00:01")

	w := New(perAP("hostA"), provider, publisher, store)
	require.NoError(t, w.RunCycle(context.Background()))

	require.Len(t, publisher.Published, 1)
	assert.False(t, publisher.Published[0].Snapshot)
	assert.Equal(t, []state.Identity{"AA:AA:AA:00:00:02"}, publisher.Published[0].New)
}

func TestNotReadyPublisherSkipsOutput(t *testing.T) {
	provider := probe.NewMockProvider(t, map[string][]probe.Outcome{
		"hostA": ok("ap1", "aa:aa:aa:00:00:01"),
	})
	publisher := NewMockPublisher(t)
	publisher.Ready = false
	store := state.NewStore()

	w := New(perAP("hostA"), provider, publisher, store)
	require.NoError(t, w.RunCycle(context.Background()))

	// output skipped, but the store still advanced: presence is perishable
	assert.Empty(t, publisher.Published)
	assert.Equal(t, 1, store.Count("ap1"))
}

func TestPublishFailureIsSwallowed(t *testing.T) {
	provider := probe.NewMockProvider(t, map[string][]probe.Outcome{
		"hostA": ok("ap1", "aa:aa:aa:00:00:01"),
	})
	publisher := NewMockPublisher(t)
	publisher.PublishErr = errors.New("broker hiccup")

	w := New(perAP("hostA"), provider, publisher, state.NewStore())
	assert.NoError(t, w.RunCycle(context.Background()))
}

func TestAggregatedCycleRoaming(t *testing.T) {
	provider := probe.NewMockProvider(t, map[string][]probe.Outcome{
		"hostA": ok("ap1", "aa:aa:aa:00:00:01"),
		"hostB": ok("ap2", "aa:aa:aa:00:00:02", "aa:aa:aa:00:00:03"),
	})
	publisher := NewMockPublisher(t)
	store := state.NewStore()
	store.Put("all", "AA:AA:AA:00:00:01")
	store.Put("all", "AA:AA:AA:00:00:02")

	cfg := Config{
		Hosts:    []string{"hostA", "hostB"},
		Interval: 10 * time.Millisecond,
		Mode:     state.Mode{Aggregate: true, AggregateKey: "all", Identity: state.IdentityModeMAC},
	}
	w := New(cfg, provider, publisher, store)
	require.NoError(t, w.RunCycle(context.Background()))

	require.Len(t, publisher.Published, 1)
	assert.Equal(t, "all", publisher.Published[0].Key)
	assert.Equal(t, []state.Identity{"AA:AA:AA:00:00:03"}, publisher.Published[0].New)
	assert.Empty(t, publisher.Published[0].Gone)
}

func TestRunStopsOnCancel(t *testing.T) {
	provider := probe.NewMockProvider(t, map[string][]probe.Outcome{
		"hostA": ok("ap1", "aa:aa:aa:00:00:01"),
	})
	publisher := NewMockPublisher(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	w := New(perAP("hostA"), provider, publisher, state.NewStore())
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancellation")
	}
}

func TestUnchangedCycleProducesNoOutput(t *testing.T) {
	provider := probe.NewMockProvider(t, map[string][]probe.Outcome{
		"hostA": ok("ap1", "aa:aa:aa:00:00:01"),
	})
	publisher := NewMockPublisher(t)
	store := state.NewStore()
	store.Put("ap1", "AA:AA:AA:00:00:01")

	w := New(perAP("hostA"), provider, publisher, store)
	require.NoError(t, w.RunCycle(context.Background()))
	assert.Empty(t, publisher.Published)
	// not even a readiness probe for a zero-change cycle
	assert.Zero(t, publisher.ReadyQueries)
}
