package probe

import (
	"context"
	"testing"
)

// MockProvider replays scripted outcomes per host. Each GetClients call for a
// host consumes the next outcome in its script; the last outcome repeats.
type MockProvider struct {
	Scripts map[string][]Outcome
	Calls   []string

	position map[string]int
}

// NewMockProvider builds a scripted provider for tests.
func NewMockProvider(t *testing.T, scripts map[string][]Outcome) *MockProvider {
	// Passing t here to ensure it is not used in production code
	t.Logf("Using mock provider for %d host(s)", len(scripts))
	return &MockProvider{
		Scripts:  scripts,
		position: make(map[string]int),
	}
}

func (m *MockProvider) GetClients(_ context.Context, host string) (Report, error) {
	m.Calls = append(m.Calls, host)
	script := m.Scripts[host]
	if len(script) == 0 {
		return Report{}, &TransportError{Host: host, Err: context.DeadlineExceeded}
	}
	idx := m.position[host]
	if idx >= len(script) {
		idx = len(script) - 1
	}
	m.position[host] = idx + 1
	outcome := script[idx]
	return outcome.Report, outcome.Err
}

func (m *MockProvider) GetClientsBatch(ctx context.Context, hosts []string) map[string]Outcome {
	outcomes := make(map[string]Outcome, len(hosts))
	for _, host := range hosts {
		report, err := m.GetClients(ctx, host)
		outcomes[host] = Outcome{Report: report, Err: err}
	}
	return outcomes
}
