package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/open-presence/presence-bridge/cmd/presence-bridge/state"
	"github.com/open-presence/presence-bridge/internal"
	"github.com/open-presence/presence-bridge/pkg/datamodel"
)

type Config struct {
	BrokerURL string
	Username  string
	Password  string
	ClientID  string
	BaseTopic string
	QoS       byte
	EnableTLS bool
	// InsecureSkipVerify disables server certificate verification when TLS
	// is enabled.
	InsecureSkipVerify bool
	// ConnectRetries bounds Initialize's connection attempts.
	ConnectRetries int
	// DedupeSize bounds the retained-publish dedupe cache.
	DedupeSize int
}

// Client publishes presence transitions and retained per-client state to the
// broker. Presence data is perishable: a failed or skipped publish is
// superseded by the next cycle, never queued.
type Client struct {
	client        MQTT.Client
	cfg           Config
	ready         atomic.Bool
	initialized   atomic.Bool
	lastPublished *lru.ARCCache
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("broker URL is required")
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "presence"
	}
	if cfg.ConnectRetries <= 0 {
		cfg.ConnectRetries = 5
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = 100_000
	}

	c := &Client{cfg: cfg}
	arc, err := lru.NewARC(cfg.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("creating dedupe cache: %w", err)
	}
	c.lastPublished = arc

	opts := MQTT.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetUsername(cfg.Username)
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetClientID(cfg.ClientID)
	if cfg.EnableTLS {
		opts.SetTLSConfig(newTLSConfig(cfg.InsecureSkipVerify))
	}
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(func(MQTT.Client) {
		c.ready.Store(true)
		zap.S().Infof("Connected to MQTT broker %s", cfg.BrokerURL)
	})
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		c.ready.Store(false)
		zap.S().Warnf("Connection to MQTT broker %s lost, reconnecting: %s", cfg.BrokerURL, err)
	})

	c.client = MQTT.NewClient(opts)
	return c, nil
}

// Initialize connects to the broker. It is idempotent per process and retries
// with randomized exponential backoff before giving up.
func (c *Client) Initialize() error {
	if c.initialized.Load() {
		return nil
	}
	var lastErr error
	for attempt := 0; attempt < c.cfg.ConnectRetries; attempt++ {
		if attempt > 0 {
			internal.SleepBackedOff(int64(attempt), 500*time.Millisecond, 10*time.Second)
		}
		token := c.client.Connect()
		if token.Wait() && token.Error() == nil {
			c.initialized.Store(true)
			return nil
		}
		lastErr = token.Error()
		zap.S().Warnf("MQTT connect attempt %d/%d failed: %s", attempt+1, c.cfg.ConnectRetries, lastErr)
	}
	return fmt.Errorf("connecting to %s: %w", c.cfg.BrokerURL, lastErr)
}

// IsReady gates whether a publish attempt is even made.
func (c *Client) IsReady() bool {
	return c.initialized.Load() && c.ready.Load() && c.client.IsConnectionOpen()
}

// PublishClients publishes connect/disconnect events for the key and
// refreshes the retained per-client state.
func (c *Client) PublishClients(key string, newIDs, goneIDs []state.Identity) error {
	now := time.Now().UnixMilli()
	var errs []error
	for _, id := range newIDs {
		if err := c.publishRetained(key, id, true, now); err != nil {
			errs = append(errs, err)
		}
		if err := c.publishEvent(key, id, datamodel.EventConnect, now); err != nil {
			errs = append(errs, err)
		}
	}
	for _, id := range goneIDs {
		if err := c.publishRetained(key, id, false, now); err != nil {
			errs = append(errs, err)
		}
		if err := c.publishEvent(key, id, datamodel.EventDisconnect, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishSnapshot refreshes retained state for an initial population without
// emitting connect events, so a restart does not replay the whole fleet as
// fresh arrivals.
func (c *Client) PublishSnapshot(key string, ids []state.Identity) error {
	now := time.Now().UnixMilli()
	var errs []error
	for _, id := range ids {
		if err := c.publishRetained(key, id, true, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) Close() error {
	if !c.initialized.Load() {
		return nil
	}
	zap.S().Info("Disconnecting from MQTT broker")
	c.client.Disconnect(250)
	c.initialized.Store(false)
	c.ready.Store(false)
	return nil
}

func (c *Client) publishRetained(key string, id state.Identity, connected bool, timestampMs int64) error {
	topic := StateTopic(c.cfg.BaseTopic, key, id)
	sum := stateDigest(topic, connected)
	if last, found := c.lastPublished.Get(topic); found && last.(uint64) == sum {
		zap.S().Debugf("Retained state for %s unchanged, not republishing", topic)
		return nil
	}

	payload, err := json.Marshal(datamodel.ClientStateMessage{Connected: connected, TimestampMs: timestampMs})
	if err != nil {
		return fmt.Errorf("encoding state for %s: %w", topic, err)
	}
	token := c.client.Publish(topic, c.cfg.QoS, true, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("publishing %s: %w", topic, token.Error())
	}
	c.lastPublished.Add(topic, sum)
	return nil
}

func (c *Client) publishEvent(key string, id state.Identity, event string, timestampMs int64) error {
	topic := EventTopic(c.cfg.BaseTopic, key)
	payload, err := json.Marshal(datamodel.ClientEventMessage{
		Identity:    string(id),
		Event:       event,
		TimestampMs: timestampMs,
	})
	if err != nil {
		return fmt.Errorf("encoding %s event for %s: %w", event, id, err)
	}
	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("publishing %s: %w", topic, token.Error())
	}
	return nil
}

// stateDigest keys the dedupe cache on what the retained message means, not
// its bytes: timestamps alone must not force a republish.
func stateDigest(topic string, connected bool) uint64 {
	return xxh3.HashString(topic + "|" + strconv.FormatBool(connected))
}

func newTLSConfig(insecureSkipVerify bool) *tls.Config {
	certpool := x509.NewCertPool()
	pemCerts, err := os.ReadFile("/SSL_certs/mqtt/ca.crt")
	if err == nil {
		if !certpool.AppendCertsFromPEM(pemCerts) {
			zap.S().Errorf("Failed to parse root certificate")
		}
	} else {
		zap.S().Warnf("No CA certificate loaded: %s", err)
	}

	/* #nosec G402 -- verification is operator-controlled via INSECURE_SKIP_VERIFY */
	tlsConfig := &tls.Config{
		RootCAs:            certpool,
		InsecureSkipVerify: insecureSkipVerify,
	}

	cert, err := tls.LoadX509KeyPair("/SSL_certs/mqtt/tls.crt", "/SSL_certs/mqtt/tls.key")
	if err != nil {
		zap.S().Infof("No client certificate loaded: %s", err)
		return tlsConfig
	}
	tlsConfig.Certificates = []tls.Certificate{cert}
	return tlsConfig
}
