package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"

	"github.com/open-presence/presence-bridge/cmd/presence-bridge/mqtt"
	"github.com/open-presence/presence-bridge/cmd/presence-bridge/probe"
	"github.com/open-presence/presence-bridge/cmd/presence-bridge/seed"
	"github.com/open-presence/presence-bridge/cmd/presence-bridge/state"
	"github.com/open-presence/presence-bridge/cmd/presence-bridge/unifi"
	"github.com/open-presence/presence-bridge/cmd/presence-bridge/worker"
	"github.com/open-presence/presence-bridge/internal"
)

var buildtime string

var errPublisherNotReady = errors.New("publisher not connected to the broker")

func main() {
	logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION") //nolint:errcheck
	log := logger.New(logLevel)
	defer func(logger *zap.SugaredLogger) {
		_ = logger.Sync()
	}(log)

	zap.S().Infof("This is presence-bridge build date: %s", buildtime)

	mode := loadMode()
	entries := loadHosts()
	hosts := make([]string, 0, len(entries))
	for _, entry := range entries {
		hosts = append(hosts, entry.Addr)
	}
	zap.S().Infof("Polling %d access point(s)", len(hosts))

	provider := probe.NewSSHProvider(loadSSHConfig(), entries)
	publisher := newPublisher()

	initPrometheus()

	gs := internal.NewGracefulShutdown(func() error {
		zap.S().Info("Shutting down")
		return publisher.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := publisher.Initialize(); err != nil {
		zap.S().Fatalf("Failed to initialize publisher: %s", err)
	}
	initHealthCheck(publisher)

	store := seed.Reconcile(ctx, loadSeedSources(mode))

	intervalSeconds, err := env.GetAsInt("POLL_INTERVAL_SECONDS", false, 10)
	if err != nil {
		zap.S().Error(err)
	}
	w := worker.New(worker.Config{
		Hosts:    hosts,
		Interval: time.Duration(intervalSeconds) * time.Second,
		Mode:     mode,
	}, provider, publisher, store)

	if err := w.Run(ctx); err != nil {
		// partial host data would make departures unreliable; exit non-zero
		// and let the supervisor restart us instead of limping along
		zap.S().Fatalf("Requesting restart: %s", err)
	}

	gs.Wait()
}

func loadMode() state.Mode {
	aggregate, err := env.GetAsBool("AGGREGATE", false, false)
	if err != nil {
		zap.S().Error(err)
	}
	aggregateKey, err := env.GetAsString("AGGREGATE_KEY", false, "all")
	if err != nil {
		zap.S().Error(err)
	}
	identityModeRaw, err := env.GetAsString("IDENTITY_MODE", false, "mac")
	if err != nil {
		zap.S().Error(err)
	}
	identityMode, ok := state.ParseIdentityMode(identityModeRaw)
	if !ok {
		zap.S().Fatalf("IDENTITY_MODE must be mac or raw, got %q", identityModeRaw)
	}
	return state.Mode{Aggregate: aggregate, AggregateKey: aggregateKey, Identity: identityMode}
}

func loadHosts() []probe.HostEntry {
	hostsFile, err := env.GetAsString("HOSTS_FILE", false, "")
	if err != nil {
		zap.S().Error(err)
	}
	if hostsFile != "" {
		entries, err := probe.LoadHostsFile(hostsFile)
		if err != nil {
			zap.S().Fatalf("Failed to load hosts file: %s", err)
		}
		return entries
	}
	hostList, err := env.GetAsString("AP_HOSTS", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	entries := probe.ParseHostList(hostList)
	if len(entries) == 0 {
		zap.S().Fatal("AP_HOSTS contains no hosts")
	}
	return entries
}

func loadSSHConfig() probe.SSHConfig {
	user, _ := env.GetAsString("SSH_USER", false, "root")           //nolint:errcheck
	password, _ := env.GetAsString("SSH_PASSWORD", false, "")       //nolint:errcheck
	keyFile, _ := env.GetAsString("SSH_KEY_FILE", false, "")        //nolint:errcheck
	port, _ := env.GetAsInt("SSH_PORT", false, 22)                  //nolint:errcheck
	clientCmd, _ := env.GetAsString("AP_CLIENT_COMMAND", false, "") //nolint:errcheck
	hostnameCmd, _ := env.GetAsString("AP_HOSTNAME_COMMAND", false, "") //nolint:errcheck
	idleMs, err := env.GetAsInt("IDLE_THRESHOLD_MS", false, 0)
	if err != nil {
		zap.S().Error(err)
	}
	return probe.SSHConfig{
		Defaults:        probe.HostEntry{User: user, Password: password, KeyFile: keyFile, Port: port},
		ClientCommand:   clientCmd,
		HostnameCommand: hostnameCmd,
		IdleThreshold:   time.Duration(idleMs) * time.Millisecond,
	}
}

func newPublisher() *mqtt.Client {
	brokerURL, err := env.GetAsString("MQTT_BROKER_URL", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	username, _ := env.GetAsString("MQTT_USERNAME", false, "PRESENCE_BRIDGE") //nolint:errcheck
	password, _ := env.GetAsString("MQTT_PASSWORD", false, "")                //nolint:errcheck
	baseTopic, _ := env.GetAsString("MQTT_BASE_TOPIC", false, "presence")     //nolint:errcheck
	enableTLS, err := env.GetAsBool("MQTT_ENABLE_TLS", false, false)
	if err != nil {
		zap.S().Error(err)
	}
	skipVerify, err := env.GetAsBool("INSECURE_SKIP_VERIFY", false, false)
	if err != nil {
		zap.S().Error(err)
	}
	clientID := clientIdentifier()

	publisher, err := mqtt.NewClient(mqtt.Config{
		BrokerURL:          brokerURL,
		Username:           username,
		Password:           password,
		ClientID:           clientID,
		BaseTopic:          baseTopic,
		QoS:                1,
		EnableTLS:          enableTLS,
		InsecureSkipVerify: skipVerify,
	})
	if err != nil {
		zap.S().Fatalf("Failed to create MQTT client: %s", err)
	}
	return publisher
}

func loadSeedSources(mode state.Mode) []seed.Source {
	var sources []seed.Source

	seedFromRetained, err := env.GetAsBool("SEED_FROM_RETAINED", false, true)
	if err != nil {
		zap.S().Error(err)
	}
	if seedFromRetained {
		brokerURL, _ := env.GetAsString("MQTT_BROKER_URL", true, "")          //nolint:errcheck
		username, _ := env.GetAsString("MQTT_USERNAME", false, "PRESENCE_BRIDGE") //nolint:errcheck
		password, _ := env.GetAsString("MQTT_PASSWORD", false, "")            //nolint:errcheck
		baseTopic, _ := env.GetAsString("MQTT_BASE_TOPIC", false, "presence") //nolint:errcheck
		retained, err := mqtt.NewRetainedSource(mqtt.RetainedConfig{
			BrokerURL:    brokerURL,
			Username:     username,
			Password:     password,
			ClientID:     clientIdentifier(),
			BaseTopic:    baseTopic,
			IdentityMode: mode.Identity,
		})
		if err != nil {
			zap.S().Fatalf("Failed to create retained seed source: %s", err)
		}
		sources = append(sources, retained)
	}

	seedFromController, err := env.GetAsBool("SEED_FROM_CONTROLLER", false, false)
	if err != nil {
		zap.S().Error(err)
	}
	if seedFromController {
		baseURL, err := env.GetAsString("CONTROLLER_URL", true, "")
		if err != nil {
			zap.S().Fatal(err)
		}
		site, _ := env.GetAsString("CONTROLLER_SITE", false, "default")     //nolint:errcheck
		username, _ := env.GetAsString("CONTROLLER_USERNAME", false, "")    //nolint:errcheck
		password, _ := env.GetAsString("CONTROLLER_PASSWORD", false, "")    //nolint:errcheck
		pageSize, err := env.GetAsInt("CONTROLLER_PAGE_SIZE", false, 100)
		if err != nil {
			zap.S().Error(err)
		}
		aggregateKey := ""
		if mode.Aggregate {
			aggregateKey = mode.AggregateKey
		}
		controller, err := unifi.NewSource(unifi.Config{
			BaseURL:      baseURL,
			Site:         site,
			Username:     username,
			Password:     password,
			PageSize:     pageSize,
			AggregateKey: aggregateKey,
			IdentityMode: mode.Identity,
		})
		if err != nil {
			zap.S().Fatalf("Failed to create controller seed source: %s", err)
		}
		sources = append(sources, controller)
	}

	// both enabled: one composite, retained first so the authoritative
	// controller snapshot overwrites it, and either survives the other's
	// failure
	if len(sources) == 2 {
		return []seed.Source{seed.NewComposite("retained+controller", sources[0], sources[1])}
	}
	return sources
}

func clientIdentifier() string {
	podName, _ := env.GetAsString("POD_NAME", false, "") //nolint:errcheck
	if podName != "" {
		return podName
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "presence-bridge"
	}
	return "presence-bridge-" + hostname
}

func initPrometheus() {
	metricsPath := "/metrics"
	metricsPort := ":2112"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, metricsPort)

	http.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(metricsPort, nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()
}

func initHealthCheck(publisher worker.Publisher) {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))
	health.AddReadinessCheck("mqtt", func() error {
		if !publisher.IsReady() {
			return errPublisherNotReady
		}
		return nil
	})
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
}
