// eBUS Bridge
//
// This is the main entry point for the eBUS bridge service. It listens to
// a heating installation's eBUS through a serial adapter, decodes the
// telegrams with the bundled (or configured) grammar and publishes field
// states to MQTT, optionally mirroring them to InfluxDB. Raw telegrams can
// be sent back onto the bus through the ebus/command/send topic.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/nerrad567/gray-logic-ebus/internal/bridges/ebus"
	"github.com/nerrad567/gray-logic-ebus/internal/grammar"
	"github.com/nerrad567/gray-logic-ebus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-ebus/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-ebus/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-ebus/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-ebus/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-ebus/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cliOptions holds the parsed command line.
type cliOptions struct {
	configPath  string
	showVersion bool
}

// parseFlags parses the command line. An empty --config falls back to
// EBUS_CONFIG and then to the default path.
func parseFlags(args []string) (cliOptions, error) {
	var opts cliOptions

	flagSet := pflag.NewFlagSet("ebusbridge", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML config file (default: $EBUS_CONFIG or "+defaultConfigPath+")")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(args); err != nil {
		return opts, err
	}
	if opts.configPath == "" {
		opts.configPath = getConfigPath()
	}
	return opts, nil
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - args: Command line arguments without the program name
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Printf("ebusbridge %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting eBUS bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", opts.configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open the traffic database (optional)
	var db *database.DB
	var recorder *ebus.Recorder
	if cfg.Database.Enabled {
		db, recorder, err = openRecorder(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			recorder.Stop()
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
	} else {
		log.Info("traffic recorder disabled")
	}

	// Connect to MQTT broker. The will marks the bridge offline on our
	// health topic if the connection drops.
	lwt, err := json.Marshal(ebus.NewLWTMessage(cfg.Bridge.ID))
	if err != nil {
		return fmt.Errorf("building LWT payload: %w", err)
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT, mqtt.WithWill(ebus.HealthTopic(), lwt))
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection", "dropped_points", influxClient.Dropped())
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	bridge, err := startBridge(ctx, cfg, &mqttBridgeAdapter{client: mqttClient}, influxClient, recorder, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("stopping eBUS bridge")
		bridge.Stop()
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. Bridge (closes the serial link)
	// 2. InfluxDB (if enabled)
	// 3. MQTT
	// 4. Recorder and database (if enabled)

	log.Info("eBUS bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses EBUS_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("EBUS_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// openRecorder opens and migrates the database and starts the traffic
// recorder on it. On error nothing is left open.
func openRecorder(ctx context.Context, cfg *config.Config, log *logging.Logger) (*database.DB, *ebus.Recorder, error) {
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	log.Info("database connected", "path", cfg.Database.Path)

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	schemaVersion, err := db.SchemaVersion(ctx)
	if err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, nil, err
	}
	log.Info("database migrations complete", "schema_version", schemaVersion)

	recorder := ebus.NewRecorder(db.DB)
	recorder.SetLogger(log.Component("recorder"))
	if err := recorder.Start(); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, nil, fmt.Errorf("starting recorder: %w", err)
	}
	return db, recorder, nil
}

// startBridge builds the decoder, connector and publisher chain and starts
// the bridge.
//
// Parameters:
//   - ctx: Context for the initial link open
//   - cfg: Application configuration
//   - client: MQTT client used for states, commands and health
//   - influxClient: Metrics sink (may be nil if disabled)
//   - recorder: Traffic recorder (may be nil if disabled)
//   - log: Logger instance
//
// Returns:
//   - *ebus.Bridge: Running bridge
//   - error: If the link cannot be opened
func startBridge(ctx context.Context, cfg *config.Config, client ebus.MQTTClient,
	influxClient *influxdb.Client, recorder *ebus.Recorder, log *logging.Logger,
) (*ebus.Bridge, error) {
	parser := grammar.NewParser()
	parser.SetLogger(log.Component("grammar"))

	initialBackoff, maxBackoff, idleWindow := cfg.Link.Transmit.Durations()
	connector := ebus.NewConnector(ebus.ConnectorOptions{
		Decoder:       parser,
		QueueCapacity: cfg.Link.QueueCapacity,
		Transmit: ebus.TransmitterConfig{
			InitialBackoff: initialBackoff,
			MaxBackoff:     maxBackoff,
			MaxAttempts:    cfg.Link.Transmit.MaxAttempts,
			IdleWindow:     idleWindow,
		},
		Logger: log.Component("ebus"),
	})
	if recorder != nil {
		connector.AddObserver(recorder)
	}

	var writer ebus.PointWriter
	if influxClient != nil {
		writer = influxClient
	}

	bridgeLog := log.Component("bridge")
	bridge, err := ebus.NewBridge(ebus.BridgeOptions{
		BridgeID: cfg.Bridge.ID,
		Version:  version,
		LinkConfig: ebus.LinkConfig{
			TransportID:     cfg.Link.SerialPort,
			GrammarLocation: cfg.Link.GrammarLocation,
		},
		MQTTClient:        client,
		Link:              connector,
		Publisher:         buildPublisher(client, writer, cfg.Bridge.PublishUnchanged, bridgeLog),
		HealthInterval:    cfg.GetHealthInterval(),
		ReconnectInterval: cfg.GetReconnectInterval(),
		Logger:            bridgeLog,
	})
	if err != nil {
		return nil, fmt.Errorf("creating eBUS bridge: %w", err)
	}

	if err := bridge.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting eBUS bridge: %w", err)
	}
	log.Info("eBUS bridge started",
		"serial_port", cfg.Link.SerialPort,
		"grammar_entries", parser.Entries(),
	)
	return bridge, nil
}

// buildPublisher assembles the state publisher chain: MQTT, then metrics
// when a writer is given, behind a change filter unless every decoded
// value should be published.
func buildPublisher(client ebus.MQTTClient, writer ebus.PointWriter, publishUnchanged bool, log ebus.Logger) ebus.StatePublisher {
	chain := ebus.MultiPublisher{ebus.NewMQTTPublisher(client, log)}
	if writer != nil {
		chain = append(chain, ebus.NewMetricsPublisher(writer))
	}
	if publishUnchanged {
		return chain
	}
	return ebus.NewChangeFilter(chain)
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check (may be nil if disabled)
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient healthChecker, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	// The eBUS link is verified during bridge Start(): it opens the serial
	// port and loads the grammar before returning successfully.

	return nil
}

// healthChecker is satisfied by the infrastructure clients.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// bridgeClient is the part of the infrastructure MQTT client the adapter uses.
type bridgeClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The difference is the Subscribe handler signature:
//   - Infrastructure mqtt: func(topic string, payload []byte) error
//   - eBUS bridge expects: func(topic string, payload []byte)
type mqttBridgeAdapter struct {
	client bridgeClient
}

// Publish implements ebus.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements ebus.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// Unsubscribe implements ebus.MQTTClient.
func (a *mqttBridgeAdapter) Unsubscribe(topic string) error {
	return a.client.Unsubscribe(topic)
}

// IsConnected implements ebus.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
