// Gray Logic CoAP Bridge
//
// Connects CoAP devices (things) to the Gray Logic MQTT bus. Each thing gets
// a rate-limited request dispatcher so slow or fragile devices are never
// flooded, a poller that publishes channel state, and a command path from
// MQTT back to the device.
//
// Optional sinks: SQLite state history, InfluxDB time series and a status
// API with a WebSocket state stream.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/gray-logic-coap/internal/api"
	"github.com/nerrad567/gray-logic-coap/internal/bridges/coap"
	"github.com/nerrad567/gray-logic-coap/internal/history"
	"github.com/nerrad567/gray-logic-coap/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-coap/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-coap/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-coap/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-coap/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-coap/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting Gray Logic CoAP bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version).With("bridge_id", cfg.Bridge.ID)
	log.Info("configuration loaded", "path", configPath, "level", cfg.Logging.Level)

	// Thing configuration is validated before anything is opened.
	thingCfg, err := coap.LoadConfig(cfg.CoAP.ConfigFile)
	if err != nil {
		return fmt.Errorf("loading thing config: %w", err)
	}
	log.Info("thing config loaded",
		"path", cfg.CoAP.ConfigFile,
		"things", len(thingCfg.Things),
	)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	applied, err := db.Migrate(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path, "migrations_applied", applied)

	historyRepo := history.NewRepository(db.DB)
	go historyRepo.RunPruner(ctx, cfg.GetPruneInterval(), cfg.GetHistoryRetention(), log.Component("history"))

	lwt, err := json.Marshal(coap.NewLWTMessage(thingCfg.Bridge.ID))
	if err != nil {
		return fmt.Errorf("encoding last will: %w", err)
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT,
		mqtt.WithWill(coap.HealthTopic(), lwt),
		mqtt.WithLogger(log.Component("mqtt")),
	)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	bridgeOpts := coap.BridgeOptions{
		Config:           thingCfg,
		MQTTClient:       &mqttBridgeAdapter{client: mqttClient},
		TransportFactory: coap.UDPTransportFactory,
		Version:          version,
		Logger:           log.Component("coap"),
		History:          &historyRecorder{repo: historyRepo},
	}
	if influxClient != nil {
		bridgeOpts.Series = influxClient
	}
	bridge, err := coap.NewBridge(bridgeOpts)
	if err != nil {
		return fmt.Errorf("creating CoAP bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		bridge.Stop()
		return fmt.Errorf("starting CoAP bridge: %w", err)
	}
	defer func() {
		log.Info("stopping CoAP bridge")
		bridge.Stop()
	}()

	if cfg.API.Enabled {
		server, err := startAPI(ctx, cfg, log, bridge, historyRepo, db, mqttClient, influxClient)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred teardown runs in reverse: API, bridge, InfluxDB, MQTT, database.
	return nil
}

// startAPI builds and starts the status API and hooks it to bridge state
// changes.
func startAPI(
	ctx context.Context,
	cfg *config.Config,
	log *logging.Logger,
	bridge *coap.Bridge,
	historyRepo *history.Repository,
	db *database.DB,
	mqttClient *mqtt.Client,
	influxClient *influxdb.Client,
) (*api.Server, error) {
	checks := map[string]api.HealthChecker{
		"database": db,
		"mqtt":     mqttClient,
	}
	if influxClient != nil {
		checks["influxdb"] = influxClient
	}

	server, err := api.New(api.Deps{
		Config:  cfg.API,
		WS:      cfg.WebSocket,
		Logger:  log.Component("api"),
		Bridge:  bridge,
		History: historyRepo,
		Checks:  checks,
		Version: version,
	})
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting API server: %w", err)
	}
	bridge.OnStateChange(server.PublishStateChange)
	return server, nil
}

// getConfigPath returns the configuration file path.
// Uses COAPBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("COAPBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to coap.MQTTClient.
// The bridge's handlers do not return errors.
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements coap.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements coap.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements coap.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// historyRecorder adapts the history repository to coap.StateRecorder.
type historyRecorder struct {
	repo *history.Repository
}

// RecordState implements coap.StateRecorder.
func (h *historyRecorder) RecordState(ctx context.Context, change coap.StateChange) error {
	return h.repo.Record(ctx, history.Entry{
		ThingID:    change.ThingID,
		ChannelID:  change.ChannelID,
		Value:      change.Value,
		Unit:       change.Unit,
		ObservedAt: change.Timestamp,
	})
}
