package mqtt

import (
	"context"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/open-presence/presence-bridge/cmd/presence-bridge/seed"
	"github.com/open-presence/presence-bridge/cmd/presence-bridge/state"
	"github.com/open-presence/presence-bridge/pkg/datamodel"
)

type RetainedConfig struct {
	BrokerURL string
	Username  string
	Password  string
	ClientID  string
	BaseTopic string
	// QuietWindow ends collection once no retained message has arrived for
	// this long; Deadline bounds the whole read.
	QuietWindow  time.Duration
	Deadline     time.Duration
	IdentityMode state.IdentityMode
}

// RetainedSource reconstructs the last published presence view from the
// broker's retained messages. It is an incremental source: a client with no
// retained message is unknown, not absent.
type RetainedSource struct {
	cfg RetainedConfig
}

func NewRetainedSource(cfg RetainedConfig) (*RetainedSource, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("broker URL is required")
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "presence"
	}
	if cfg.QuietWindow == 0 {
		cfg.QuietWindow = 2 * time.Second
	}
	if cfg.Deadline == 0 {
		cfg.Deadline = 15 * time.Second
	}
	return &RetainedSource{cfg: cfg}, nil
}

func (s *RetainedSource) Name() string        { return "mqtt-retained" }
func (s *RetainedSource) ForceSnapshot() bool { return false }

func (s *RetainedSource) ReadCurrentStates(ctx context.Context) (map[seed.EntryKey]seed.ClientState, error) {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(s.cfg.BrokerURL)
	opts.SetUsername(s.cfg.Username)
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetClientID(s.cfg.ClientID + "-seed")
	opts.SetCleanSession(true)

	client := MQTT.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting for retained read: %w", token.Error())
	}
	defer client.Disconnect(250)

	messages := make(chan MQTT.Message, 256)
	filter := s.cfg.BaseTopic + "/+/+"
	token := client.Subscribe(filter, 1, func(_ MQTT.Client, msg MQTT.Message) {
		select {
		case messages <- msg:
		default:
			zap.S().Warnf("Retained read buffer full, dropping message on %s", msg.Topic())
		}
	})
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", filter, token.Error())
	}
	defer func() {
		if t := client.Unsubscribe(filter); t.Wait() && t.Error() != nil {
			zap.S().Debugf("Unsubscribing from %s: %s", filter, t.Error())
		}
	}()

	entries := make(map[seed.EntryKey]seed.ClientState)
	quiet := time.NewTimer(s.cfg.QuietWindow)
	defer quiet.Stop()
	deadline := time.NewTimer(s.cfg.Deadline)
	defer deadline.Stop()

	for {
		select {
		case msg := <-messages:
			if !quiet.Stop() {
				<-quiet.C
			}
			quiet.Reset(s.cfg.QuietWindow)
			s.collect(entries, msg)
		case <-quiet.C:
			return entries, nil
		case <-deadline.C:
			zap.S().Warnf("Retained read still busy after %s, using %d entrie(s)", s.cfg.Deadline, len(entries))
			return entries, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *RetainedSource) collect(entries map[seed.EntryKey]seed.ClientState, msg MQTT.Message) {
	if !msg.Retained() {
		return
	}
	key, rawIdentity, ok := ParseStateTopic(s.cfg.BaseTopic, msg.Topic())
	if !ok {
		return
	}
	identity, ok := state.Normalize(rawIdentity, s.cfg.IdentityMode)
	if !ok {
		zap.S().Warnf("Retained topic %s carries unusable identity %q, skipping", msg.Topic(), rawIdentity)
		return
	}
	var parsed datamodel.ClientStateMessage
	if err := json.Unmarshal(msg.Payload(), &parsed); err != nil {
		zap.S().Warnf("Unreadable retained payload on %s, skipping: %s", msg.Topic(), err)
		return
	}
	entries[seed.EntryKey{Key: key, Identity: identity}] = seed.ClientState{
		Identity:    identity,
		Key:         key,
		Connected:   parsed.Connected,
		LastUpdated: time.UnixMilli(parsed.TimestampMs),
		LastPayload: string(msg.Payload()),
	}
}
