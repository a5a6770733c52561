package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	_ "github.com/nerrad567/fingerprint-core/migrations"

	"github.com/nerrad567/fingerprint-core/internal/api"
	"github.com/nerrad567/fingerprint-core/internal/backend/echo"
	"github.com/nerrad567/fingerprint-core/internal/backend/linked"
	"github.com/nerrad567/fingerprint-core/internal/backend/mockup"
	"github.com/nerrad567/fingerprint-core/internal/capability"
	"github.com/nerrad567/fingerprint-core/internal/console"
	"github.com/nerrad567/fingerprint-core/internal/infrastructure/broker"
	"github.com/nerrad567/fingerprint-core/internal/infrastructure/config"
	"github.com/nerrad567/fingerprint-core/internal/infrastructure/database"
	"github.com/nerrad567/fingerprint-core/internal/infrastructure/discovery"
	"github.com/nerrad567/fingerprint-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/fingerprint-core/internal/infrastructure/logging"
	"github.com/nerrad567/fingerprint-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/fingerprint-core/internal/journal"
	"github.com/nerrad567/fingerprint-core/internal/objectmodel"
	"github.com/nerrad567/fingerprint-core/internal/process"
	"github.com/nerrad567/fingerprint-core/internal/session"
	"github.com/nerrad567/fingerprint-core/internal/telemetry"
)

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown after ctx is done or the operator
// quits the console.
func run(ctx context.Context, opts options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Fingerprint Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, configPath, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	nodes, err := capability.NewStore(cfg.Capabilities, cfg.Properties)
	if err != nil {
		return fmt.Errorf("loading object model nodes: %w", err)
	}
	commands := session.DefaultTable(nodes.Capabilities.MillisOr(capability.MaxLightingTime, 0))

	// The console owns the terminal, so logs go through its writer.
	var con *console.Console
	if opts.interactive {
		con, err = console.New(nodes, commands)
		if err != nil {
			return fmt.Errorf("starting console: %w", err)
		}
		log = logging.NewWithWriter(cfg.Logging, version, con.Stdout())
	} else {
		log = logging.New(cfg.Logging, version)
	}
	if configPath == "" {
		log.Info("no configuration file, using defaults")
	} else {
		log.Info("configuration loaded", "path", configPath)
	}
	log.Info("module configured",
		"module", cfg.Module.ID,
		"mode", cfg.Backend.Mode,
		"capabilities", nodes.Capabilities.Len(),
		"properties", nodes.Properties.Len(),
	)

	checks := make(map[string]api.HealthChecker)

	// Embedded broker and MQTT object model
	var (
		mqttClient *mqtt.Client
		om         *objectmodel.Server
		topics     = mqtt.NewTopics(cfg.Module.TopicPrefix, cfg.Module.ID)
	)
	if cfg.MQTT.Enabled {
		if cfg.MQTT.Embedded.Enabled {
			b, startErr := broker.Start(cfg.MQTT.Embedded, log.Component("broker").Logger)
			if startErr != nil {
				return fmt.Errorf("starting embedded broker: %w", startErr)
			}
			defer func() {
				log.Info("stopping embedded broker")
				if closeErr := b.Close(); closeErr != nil {
					log.Error("error stopping embedded broker", "error", closeErr)
				}
			}()
		}

		mqttClient, err = mqtt.Connect(cfg.MQTT, topics.Health())
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
		checks["mqtt"] = mqttClient
		log.Info("MQTT connected",
			"broker", net.JoinHostPort(cfg.MQTT.Broker.Host, fmt.Sprint(cfg.MQTT.Broker.Port)),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		om = objectmodel.NewServer(mqttClient, objectmodel.Options{
			Topics: topics,
			QoS:    mqttClient.QoS(),
			Logger: log.Component("objectmodel"),
		})
		if pubErr := om.PublishNodes(nodes); pubErr != nil {
			return fmt.Errorf("publishing object model nodes: %w", pubErr)
		}
	} else {
		log.Info("MQTT disabled")
	}

	// Backend
	be, err := newBackend(ctx, cfg, nodes, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing backend", "mode", cfg.Backend.Mode)
		if closeErr := be.backend.Close(); closeErr != nil {
			log.Error("error closing backend", "error", closeErr)
		}
		if be.daemon != nil {
			log.Info("stopping device daemon")
			if stopErr := be.daemon.Stop(); stopErr != nil {
				log.Error("error stopping device daemon", "error", stopErr)
			}
		}
	}()
	if be.link != nil {
		checks["link"] = be.link
	}
	if be.daemon != nil {
		checks["daemon"] = be.daemon
	}

	// Journal
	var history *journal.Journal
	if cfg.Journal.Enabled {
		db, openErr := database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if openErr != nil {
			return fmt.Errorf("opening database: %w", openErr)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		log.Info("database ready", "path", cfg.Database.Path)

		history = journal.New(db.DB, log.Component("journal"))
		checks["database"] = db

		retention := time.Duration(cfg.Journal.RetentionDays) * 24 * time.Hour
		go history.RunPruner(ctx, cfg.Journal.PruneInterval, retention)
	}

	// Telemetry
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
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
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// Session
	var (
		hub       *api.Hub
		observers []session.Observer
	)
	if cfg.API.Enabled {
		hub = api.NewHub(cfg.WebSocket, log.Component("websocket"))
		observers = append(observers, hub)
	}
	if history != nil {
		observers = append(observers, history)
	}
	if om != nil {
		observers = append(observers, om)
	}
	if influxClient != nil {
		observers = append(observers, telemetry.NewObserver(influxClient, cfg.Module.ID))
	}
	if con != nil {
		observers = append(observers, con)
	}

	sessOpts := session.Options{
		Backend:      be.backend,
		Observers:    observers,
		Logger:       log.Component("session"),
		PublishCycle: cfg.Session.PublishCycle,
		Commands:     commands,
	}
	if om != nil {
		sessOpts.Publisher = om
	}
	sess, err := session.New(sessOpts)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	defer func() {
		log.Info("closing session")
		sess.Close() //nolint:errcheck // Close never fails
	}()

	if om != nil {
		if regErr := sess.RegisterCommands(om); regErr != nil {
			return fmt.Errorf("registering command handlers: %w", regErr)
		}
		if regErr := om.RegisterAbortHandler(sess.Abort); regErr != nil {
			return fmt.Errorf("registering abort handler: %w", regErr)
		}
		log.Info("object model published", "topic", topics.Base(), "commands", len(om.Commands()))
	}

	// HTTP API
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:  cfg.API,
			WS:      cfg.WebSocket,
			Module:  cfg.Module,
			Mode:    cfg.Backend.Mode,
			Version: version,
			Logger:  log.Component("api"),
			Session: sess,
			Nodes:   nodes,
			Checks:  checks,
			Metrics: be.metrics,
			Hub:     hub,
		}
		if history != nil {
			deps.History = history
		}
		apiServer, newErr := api.New(deps)
		if newErr != nil {
			return fmt.Errorf("creating API server: %w", newErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()

		if cfg.Discovery.Enabled {
			adv, advErr := discovery.Start(cfg.Discovery, discovery.Info{
				ModuleID: cfg.Module.ID,
				Mode:     cfg.Backend.Mode,
				Version:  version,
				Port:     apiServer.Addr().(*net.TCPAddr).Port,
			})
			if advErr != nil {
				log.Warn("mDNS advertisement failed", "error", advErr)
			} else {
				defer adv.Stop()
				log.Info("advertising over mDNS", "service", cfg.Discovery.Service)
			}
		}
	}

	// Health reporting
	if mqttClient != nil {
		reporter := objectmodel.NewHealthReporter(objectmodel.HealthReporterConfig{
			ModuleID:  cfg.Module.ID,
			Version:   version,
			Mode:      cfg.Backend.Mode,
			Topic:     topics.Health(),
			Interval:  time.Duration(cfg.Health.Interval) * time.Second,
			Publisher: mqttClient,
			Session:   sess,
			Link:      be.linkSource(),
			Logger:    log.Component("health"),
		})
		reporter.Start(ctx)
		defer reporter.Stop()
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	if con != nil {
		con.Attach(sess)
		go con.Run(ctx, cancel)
	}

	<-ctx.Done()

	log.Info("shutting down")
	return nil
}

// backendSet is the backend chosen by the run mode together with the
// parts only some modes have.
type backendSet struct {
	backend session.Backend
	link    *linked.Backend
	daemon  *process.Supervisor
	metrics func() map[string]any
}

func (b backendSet) linkSource() objectmodel.LinkSource {
	if b.link == nil {
		return nil
	}
	return b.link
}

// newBackend creates the backend for cfg.Backend.Mode. In tcpip mode a
// managed device daemon is started and probed before the link connects.
func newBackend(ctx context.Context, cfg *config.Config, nodes *capability.Store, log *logging.Logger) (backendSet, error) {
	switch cfg.Backend.Mode {
	case config.ModeEcho:
		b := echo.New(log.Component("echo"))
		return backendSet{
			backend: b,
			metrics: func() map[string]any {
				return map[string]any{"executed": b.Executed()}
			},
		}, nil

	case config.ModeMockup:
		m := cfg.Backend.Mockup
		b := mockup.New(mockup.Options{
			LightingTime:    m.LightingTime,
			MinLightingTime: m.MinLightingTime,
			MaxLightingTime: nodes.Capabilities.MillisOr(capability.MaxLightingTime, 0),
			MinRecoverTime:  nodes.Capabilities.MillisOr(capability.MinRecoverTime, 0),
			Durations:       m.Durations,
			Seed:            m.Seed,
			Databases:       stringList(nodes.Properties, "Databases"),
			Logger:          log.Component("mockup"),
		})
		return backendSet{
			backend: b,
			metrics: func() map[string]any {
				return map[string]any{"mockup": b.Status()}
			},
		}, nil

	case config.ModeTCPIP:
		link := cfg.Backend.Linked
		var daemon *process.Supervisor
		if link.Daemon.Managed {
			var err error
			daemon, err = startDaemon(ctx, cfg, log)
			if err != nil {
				return backendSet{}, err
			}
		}

		b := linked.New(linked.Config{
			Address:           cfg.LinkAddress(),
			PartnerType:       link.PartnerType,
			ClientName:        cfg.Module.ID,
			ConnectTimeout:    link.ConnectTimeout,
			ReadTimeout:       link.ReadTimeout,
			CommandTimeout:    link.CommandTimeout,
			ReconnectInterval: link.ReconnectInterval,
		}, log.Component("link"))
		log.Info("device link started", "address", cfg.LinkAddress(), "partner_type", link.PartnerType)

		return backendSet{
			backend: b,
			link:    b,
			daemon:  daemon,
			metrics: func() map[string]any {
				m := map[string]any{"link": b.Stats()}
				if daemon != nil {
					m["daemon"] = daemon.Stats()
				}
				return m
			},
		}, nil
	}
	return backendSet{}, fmt.Errorf("unknown run mode %q", cfg.Backend.Mode)
}

// startDaemon launches the device process and waits until its link port
// accepts connections.
func startDaemon(ctx context.Context, cfg *config.Config, log *logging.Logger) (*process.Supervisor, error) {
	link := cfg.Backend.Linked
	daemonLog := log.Component("daemon")

	pcfg := process.FromDaemonConfig(link.Daemon, link.Host, link.Port)
	pcfg.OnRestart = func(attempt int, delay time.Duration) {
		daemonLog.Warn("restarting device daemon", "attempt", attempt, "delay", delay.String())
	}
	sup := process.New(pcfg, daemonLog)

	log.Info("starting device daemon", "binary", link.Daemon.Binary)
	if err := sup.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting device daemon: %w", err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, link.ConnectTimeout)
	defer cancel()
	if err := sup.WaitReady(readyCtx); err != nil {
		stopErr := sup.Stop()
		return nil, fmt.Errorf("device daemon not ready: %w", errors.Join(err, stopErr))
	}
	log.Info("device daemon ready", "pid", sup.Stats().PID)
	return sup, nil
}

// stringList reads a string or string array value. Missing or non-string
// values yield nil.
func stringList(t *capability.Table, name string) []string {
	v, ok := t.Get(name)
	if !ok || v.Kind != capability.KindString {
		return nil
	}
	switch raw := v.Raw().(type) {
	case string:
		return []string{raw}
	case []string:
		return raw
	}
	return nil
}
