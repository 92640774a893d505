package seed

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/open-presence/presence-bridge/cmd/presence-bridge/state"
)

// ClientState is a best-effort snapshot fact about one client, used only
// while seeding the store at startup.
type ClientState struct {
	Identity    state.Identity
	Key         string
	Connected   bool
	LastUpdated time.Time
	LastPayload string
}

// EntryKey addresses one (aggregation key, identity) pair across sources.
type EntryKey struct {
	Key      string
	Identity state.Identity
}

// Source produces a presence snapshot from an independent system of record.
type Source interface {
	Name() string
	// ForceSnapshot reports whether an entry's absence means "not connected"
	// rather than "unknown". It documents the source's semantics for logging
	// and never affects merge precedence.
	ForceSnapshot() bool
	ReadCurrentStates(ctx context.Context) (map[EntryKey]ClientState, error)
}

// Reconcile merges the sources into a seed store. Sources are read in order
// and later sources overwrite matching (key, identity) entries from earlier
// ones. A failing source is logged and contributes nothing; if every source
// fails the result is an empty store and the run starts cold.
func Reconcile(ctx context.Context, sources []Source) *state.Store {
	merged := make(map[EntryKey]ClientState)
	for _, source := range sources {
		entries, err := source.ReadCurrentStates(ctx)
		if err != nil {
			zap.S().Warnf("Seed source %s failed, continuing without it: %s", source.Name(), err)
			continue
		}
		zap.S().Infof("Seed source %s contributed %d entrie(s) (snapshot=%v)",
			source.Name(), len(entries), source.ForceSnapshot())
		for key, entry := range entries {
			merged[key] = entry
		}
	}

	store := state.NewStore()
	connected := 0
	for key, entry := range merged {
		if !entry.Connected {
			continue
		}
		store.Put(key.Key, key.Identity)
		connected++
	}
	zap.S().Infof("Seeded store with %d present client(s) under %d key(s)", connected, len(store.Keys()))
	return store
}
