package state

import (
	"sort"

	"go.uber.org/zap"
)

// Report is the outcome of querying one access point in the current cycle.
// Identities are raw identifiers as read off the wire; normalization and
// sentinel filtering happen inside ComputeDiffs.
type Report struct {
	Key        string
	Identities []string
}

// Mode selects how reports are keyed and how identities are normalized.
// Exactly one addressing mode is active for the lifetime of a run.
type Mode struct {
	Aggregate    bool
	AggregateKey string
	Identity     IdentityMode
}

// Diff is the per-key set of transitions for one cycle. Initial marks a key
// observed for the first time since process start: its New list is the full
// current set and must not be treated as ordinary connect events.
type Diff struct {
	Key     string
	New     []Identity
	Gone    []Identity
	Initial bool
}

// ComputeDiffs computes the newly-appeared and newly-absent identities per
// aggregation key against the store and updates the store in place. Only keys
// with at least one transition produce a Diff.
//
// The caller must only invoke this once every host query of the cycle has
// succeeded; a partially queried cycle would make absent identities
// indistinguishable from real departures.
func ComputeDiffs(store *Store, reports []Report, mode Mode) []Diff {
	current := make(map[string]map[Identity]struct{})
	union := make(map[Identity]struct{})

	for _, report := range reports {
		key := report.Key
		if mode.Aggregate {
			key = mode.AggregateKey
		}
		set, ok := current[key]
		if !ok {
			set = make(map[Identity]struct{})
			current[key] = set
		}
		for _, raw := range report.Identities {
			id, ok := Normalize(raw, mode.Identity)
			if !ok {
				zap.S().Warnf("Discarding unusable client identifier %q reported under %s", raw, report.Key)
				continue
			}
			set[id] = struct{}{}
			union[id] = struct{}{}
		}
	}

	keys := make([]string, 0, len(current))
	for key := range current {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var diffs []Diff
	for _, key := range keys {
		cur := current[key]
		initial := !store.HasKey(key)
		prev := store.Present(key)

		var newIDs, goneIDs []Identity
		for id := range cur {
			if _, ok := prev[id]; !ok {
				newIDs = append(newIDs, id)
			}
		}
		for id := range prev {
			if _, ok := cur[id]; ok {
				continue
			}
			if mode.Aggregate {
				// Roaming guard: a client seen on any host this cycle has
				// moved, not departed.
				if _, roamed := union[id]; roamed {
					continue
				}
			}
			goneIDs = append(goneIDs, id)
		}

		store.Replace(key, cur)

		if len(newIDs) == 0 && len(goneIDs) == 0 {
			continue
		}
		sortIdentities(newIDs)
		sortIdentities(goneIDs)
		if initial {
			zap.S().Infof("First observation of %s: %d client(s) present", key, len(newIDs))
		}
		diffs = append(diffs, Diff{Key: key, New: newIDs, Gone: goneIDs, Initial: initial})
	}

	return diffs
}

func sortIdentities(ids []Identity) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
