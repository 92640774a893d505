// Package unifi reads the currently associated clients from a UniFi-style
// network controller. The controller is an authoritative system of record,
// so the source declares itself a snapshot: a client it does not list is not
// connected.
package unifi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/open-presence/presence-bridge/cmd/presence-bridge/seed"
	"github.com/open-presence/presence-bridge/cmd/presence-bridge/state"
)

type Config struct {
	BaseURL  string
	Site     string
	Username string
	Password string
	// PageSize bounds one stat/sta page; the source pages until a short page.
	PageSize int
	// AggregateKey, when set, files every client under the single fixed key
	// instead of its access point name.
	AggregateKey string
	IdentityMode state.IdentityMode
	Timeout      time.Duration
}

type Source struct {
	cfg  Config
	http *http.Client
}

func NewSource(cfg Config) (*Source, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("controller base URL is required")
	}
	if cfg.Site == "" {
		cfg.Site = "default"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	return &Source{
		cfg:  cfg,
		http: &http.Client{Jar: jar, Timeout: cfg.Timeout},
	}, nil
}

func (s *Source) Name() string        { return "controller-api" }
func (s *Source) ForceSnapshot() bool { return true }

// station is the subset of the controller's client record the source needs.
type station struct {
	MAC      string `json:"mac"`
	APName   string `json:"ap_name"`
	APMAC    string `json:"ap_mac"`
	Hostname string `json:"hostname"`
	LastSeen int64  `json:"last_seen"`
}

type stationPage struct {
	Data []station `json:"data"`
}

func (s *Source) ReadCurrentStates(ctx context.Context) (map[seed.EntryKey]seed.ClientState, error) {
	if err := s.login(ctx); err != nil {
		return nil, err
	}

	entries := make(map[seed.EntryKey]seed.ClientState)
	for offset := 0; ; offset += s.cfg.PageSize {
		page, err := s.fetchPage(ctx, offset)
		if err != nil {
			return nil, err
		}
		for _, sta := range page {
			identity, ok := state.Normalize(sta.MAC, s.cfg.IdentityMode)
			if !ok {
				zap.S().Warnf("Controller reported unusable client identifier %q, skipping", sta.MAC)
				continue
			}
			key := s.keyFor(sta)
			if key == "" {
				zap.S().Warnf("Controller client %s has no access point attribution, skipping", identity)
				continue
			}
			payload, _ := json.Marshal(sta)
			entries[seed.EntryKey{Key: key, Identity: identity}] = seed.ClientState{
				Identity:    identity,
				Key:         key,
				Connected:   true,
				LastUpdated: time.Unix(sta.LastSeen, 0),
				LastPayload: string(payload),
			}
		}
		if len(page) < s.cfg.PageSize {
			return entries, nil
		}
	}
}

func (s *Source) keyFor(sta station) string {
	if s.cfg.AggregateKey != "" {
		return s.cfg.AggregateKey
	}
	if sta.APName != "" {
		return sta.APName
	}
	return sta.APMAC
}

func (s *Source) login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"username": s.cfg.Username,
		"password": s.cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("encoding login request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/api/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("controller login: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("controller login returned %s", resp.Status)
	}
	return nil
}

func (s *Source) fetchPage(ctx context.Context, offset int) ([]station, error) {
	url := fmt.Sprintf("%s/api/s/%s/stat/sta?_start=%d&_limit=%d",
		s.cfg.BaseURL, s.cfg.Site, offset, s.cfg.PageSize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building page request: %w", err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching clients at offset %d: %w", offset, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client page at offset %d returned %s", offset, resp.Status)
	}
	var page stationPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decoding client page at offset %d: %w", offset, err)
	}
	return page.Data, nil
}
