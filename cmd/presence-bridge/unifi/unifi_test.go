package unifi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-presence/presence-bridge/cmd/presence-bridge/seed"
	"github.com/open-presence/presence-bridge/cmd/presence-bridge/state"
)

func newController(t *testing.T, stations []station) (*httptest.Server, *int) {
	requests := new(int)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var creds map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		if creds["username"] != "reader" || creds["password"] != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "unifises", Value: "session"})
	})
	mux.HandleFunc("/api/s/default/stat/sta", func(w http.ResponseWriter, r *http.Request) {
		*requests++
		if _, err := r.Cookie("unifises"); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		start, _ := strconv.Atoi(r.URL.Query().Get("_start"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("_limit"))
		end := start + limit
		if start > len(stations) {
			start = len(stations)
		}
		if end > len(stations) {
			end = len(stations)
		}
		require.NoError(t, json.NewEncoder(w).Encode(stationPage{Data: stations[start:end]}))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, requests
}

func testStations(n int) []station {
	stations := make([]station, 0, n)
	for i := 0; i < n; i++ {
		stations = append(stations, station{
			MAC:      fmt.Sprintf("aa:bb:cc:00:00:%02x", i),
			APName:   fmt.Sprintf("ap%d", i%2+1),
			LastSeen: 1700000000,
		})
	}
	return stations
}

func TestReadCurrentStatesPaginates(t *testing.T) {
	server, requests := newController(t, testStations(5))

	source, err := NewSource(Config{
		BaseURL:  server.URL,
		Username: "reader",
		Password: "hunter2",
		PageSize: 2,
	})
	require.NoError(t, err)

	entries, err := source.ReadCurrentStates(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 5)
	// 5 stations at page size 2: three full-flow pages
	assert.Equal(t, 3, *requests)

	entry := entries[seed.EntryKey{Key: "ap1", Identity: "AA:BB:CC:00:00:00"}]
	assert.True(t, entry.Connected)
	assert.Equal(t, "ap1", entry.Key)
	assert.NotEmpty(t, entry.LastPayload)
}

func TestReadCurrentStatesAggregated(t *testing.T) {
	server, _ := newController(t, testStations(3))

	source, err := NewSource(Config{
		BaseURL:      server.URL,
		Username:     "reader",
		Password:     "hunter2",
		PageSize:     10,
		AggregateKey: "all",
	})
	require.NoError(t, err)

	entries, err := source.ReadCurrentStates(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for key := range entries {
		assert.Equal(t, "all", key.Key)
	}
}

func TestReadCurrentStatesBadLogin(t *testing.T) {
	server, _ := newController(t, nil)

	source, err := NewSource(Config{
		BaseURL:  server.URL,
		Username: "reader",
		Password: "wrong",
	})
	require.NoError(t, err)

	_, err = source.ReadCurrentStates(context.Background())
	assert.Error(t, err)
}

func TestReadCurrentStatesSkipsUnusableRecords(t *testing.T) {
	server, _ := newController(t, []station{
		{MAC: "not-a-mac", APName: "ap1"},
		{MAC: "aa:bb:cc:00:00:01"}, // no AP attribution
		{MAC: "aa:bb:cc:00:00:02", APMAC: "dd:ee:ff:00:00:01"},
	})

	source, err := NewSource(Config{
		BaseURL:  server.URL,
		Username: "reader",
		Password: "hunter2",
	})
	require.NoError(t, err)

	entries, err := source.ReadCurrentStates(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	entry := entries[seed.EntryKey{Key: "dd:ee:ff:00:00:01", Identity: state.Identity("AA:BB:CC:00:00:02")}]
	assert.True(t, entry.Connected)
}

func TestNewSourceValidation(t *testing.T) {
	_, err := NewSource(Config{})
	assert.Error(t, err)

	source, err := NewSource(Config{BaseURL: "http://controller"})
	require.NoError(t, err)
	assert.Equal(t, "default", source.cfg.Site)
	assert.Equal(t, 100, source.cfg.PageSize)
	assert.True(t, source.ForceSnapshot())
}
