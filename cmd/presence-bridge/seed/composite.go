package seed

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Composite merges several sub-sources into one. Sub-sources are read in
// listed order with later ones taking precedence; a failing sub-source is
// logged and skipped, so a broken primary falls back to whatever the others
// produce. Only when every sub-source fails does the composite itself fail.
type Composite struct {
	name string
	subs []Source
}

func NewComposite(name string, subs ...Source) *Composite {
	return &Composite{name: name, subs: subs}
}

func (c *Composite) Name() string { return c.name }

// ForceSnapshot is true when any sub-source is authoritative.
func (c *Composite) ForceSnapshot() bool {
	for _, sub := range c.subs {
		if sub.ForceSnapshot() {
			return true
		}
	}
	return false
}

func (c *Composite) ReadCurrentStates(ctx context.Context) (map[EntryKey]ClientState, error) {
	merged := make(map[EntryKey]ClientState)
	var errs []error
	for _, sub := range c.subs {
		entries, err := sub.ReadCurrentStates(ctx)
		if err != nil {
			zap.S().Warnf("Sub-source %s of %s failed, falling back to remaining sources: %s",
				sub.Name(), c.name, err)
			errs = append(errs, fmt.Errorf("%s: %w", sub.Name(), err))
			continue
		}
		for key, entry := range entries {
			merged[key] = entry
		}
	}
	if len(errs) == len(c.subs) && len(c.subs) > 0 {
		return nil, fmt.Errorf("all sub-sources failed: %w", errors.Join(errs...))
	}
	return merged, nil
}
