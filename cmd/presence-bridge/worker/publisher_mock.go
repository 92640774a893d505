package worker

import (
	"testing"

	"github.com/open-presence/presence-bridge/cmd/presence-bridge/state"
)

// PublishedDiff records one PublishClients or PublishSnapshot call.
type PublishedDiff struct {
	Key      string
	New      []state.Identity
	Gone     []state.Identity
	Snapshot bool
}

// MockPublisher records published diffs for assertions.
type MockPublisher struct {
	Ready        bool
	PublishErr   error
	Published    []PublishedDiff
	Initialized  int
	Closed       int
	ReadyQueries int
}

func NewMockPublisher(t *testing.T) *MockPublisher {
	// Passing t here to ensure it is not used in production code
	t.Logf("Using mock publisher")
	return &MockPublisher{Ready: true}
}

func (m *MockPublisher) Initialize() error {
	m.Initialized++
	return nil
}

func (m *MockPublisher) IsReady() bool {
	m.ReadyQueries++
	return m.Ready
}

func (m *MockPublisher) PublishClients(key string, newIDs, goneIDs []state.Identity) error {
	m.Published = append(m.Published, PublishedDiff{Key: key, New: newIDs, Gone: goneIDs})
	return m.PublishErr
}

func (m *MockPublisher) PublishSnapshot(key string, ids []state.Identity) error {
	m.Published = append(m.Published, PublishedDiff{Key: key, New: ids, Snapshot: true})
	return m.PublishErr
}

func (m *MockPublisher) Close() error {
	m.Closed++
	return nil
}
