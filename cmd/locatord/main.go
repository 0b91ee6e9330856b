package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/markus-lassfolk/locator/pkg/api"
	"github.com/markus-lassfolk/locator/pkg/audit"
	"github.com/markus-lassfolk/locator/pkg/cache"
	"github.com/markus-lassfolk/locator/pkg/ecosystem"
	"github.com/markus-lassfolk/locator/pkg/gps"
	"github.com/markus-lassfolk/locator/pkg/logx"
	"github.com/markus-lassfolk/locator/pkg/mqtt"
	"github.com/markus-lassfolk/locator/pkg/pidfile"
	"github.com/markus-lassfolk/locator/pkg/starlink"
	"github.com/markus-lassfolk/locator/pkg/uci"
)

var (
	configPath  = flag.String("config", uci.DefaultPath, "Path to UCI or YAML configuration file")
	envFile     = flag.String("env-file", "/etc/locator.env", "Optional .env file with secrets")
	pidPath     = flag.String("pid-file", "", "Override the PID file path")
	logLevel    = flag.String("log-level", "", "Override log level (trace|debug|info|warn|error)")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging (equivalent to trace level)")
	watch       = flag.Duration("watch", 0, "Poll the configuration file for changes at this interval (0 disables)")
	force       = flag.Bool("force", false, "Force start by removing an existing PID file")
	checkConfig = flag.Bool("check-config", false, "Validate the configuration and exit")
	version     = flag.Bool("version", false, "Show version information")
)

const (
	AppName    = "locatord"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	if err := uci.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := uci.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	logger := logx.NewLogger(effectiveLogLevel(cfg), AppName)

	if *checkConfig {
		result := uci.NewConfigValidator().Validate(cfg)
		for _, w := range result.Warnings {
			logger.Warn("configuration warning", "issue", w.String())
		}
		fmt.Println("configuration OK")
		os.Exit(0)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("locatord failed", "error", err)
		os.Exit(1)
	}
}

func effectiveLogLevel(cfg *uci.Config) string {
	level := cfg.Main.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	if *verbose {
		level = "trace"
	}
	return level
}

func run(cfg *uci.Config, logger *logx.Logger) error {
	path := cfg.Main.PIDFile
	if *pidPath != "" {
		path = *pidPath
	}
	pidFile := pidfile.New(path)
	if *force {
		if err := pidFile.ForceRemove(); err != nil {
			return fmt.Errorf("failed to remove existing PID file: %w", err)
		}
	}
	if err := pidFile.Create(); err != nil {
		if errors.Is(err, pidfile.ErrRunning) {
			fmt.Fprintf(os.Stderr, "Error: %v\nUse --force to override, or stop the existing instance first\n", err)
		}
		return err
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error("Failed to remove PID file", "error", err)
		}
	}()

	logger.Info("Starting locator daemon", "version", AppVersion, "pid", os.Getpid(), "config", *configPath)

	storage, err := buildStorage(cfg, logger)
	if err != nil {
		return err
	}

	source, err := buildSource(cfg, logger)
	if err != nil {
		return err
	}

	var publisher *mqtt.Client
	deps := ecosystem.Deps{
		Source:      source,
		Permissions: gps.NewStaticPermissionProvider(gps.PermissionStatus(cfg.Source.Permission), gps.PermissionGranted),
		Storage:     storage,
		AuditLog:    audit.NewAccessLogger(logger.With("component", "audit"), cfg.Privacy.AuditCapacity, auditDir(cfg)),
	}
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewClient(mqttConfig(cfg), logger.With("component", "mqtt"))
		if err := publisher.Connect(); err != nil {
			logger.Warn("MQTT unavailable, positions will not be published", "error", err)
		} else {
			deps.Publisher = publisher
		}
	}

	manager, err := ecosystem.NewManager(cfg.Ecosystem(), deps, logger)
	if err != nil {
		return fmt.Errorf("failed to create location manager: %w", err)
	}
	defer func() {
		if err := manager.Destroy(); err != nil {
			logger.Error("Failed to shut down location manager", "error", err)
		}
		if publisher != nil {
			publisher.Disconnect()
		}
	}()

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(manager, api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.APIKey}, logger.With("component", "api"))
		if err := server.Start(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apply := func(next *uci.Config) error {
		logger.SetLevel(effectiveLogLevel(next))
		return manager.UpdateConfig(next.Ecosystem())
	}
	if *watch > 0 {
		watcher := uci.NewWatcher(*configPath, *watch, logger)
		go func() {
			if err := watcher.Run(ctx, apply); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("configuration watcher stopped", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			logger.Info("Received SIGHUP, reloading configuration")
			next, err := uci.LoadConfig(*configPath)
			if err == nil {
				err = apply(next)
			}
			if err != nil {
				logger.Error("Configuration reload failed", "error", err)
			}
			continue
		}
		logger.Info("Received shutdown signal", "signal", sig.String())
		break
	}

	cancel()
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API server shutdown incomplete", "error", err)
		}
	}
	logger.Info("Graceful shutdown completed")
	return nil
}

// buildStorage opens the configured cache backend; nil disables persistence
func buildStorage(cfg *uci.Config, logger *logx.Logger) (cache.Storage, error) {
	if !cfg.Cache.Persistence {
		return nil, nil
	}
	switch cfg.Cache.Backend {
	case "memory":
		return cache.NewMemoryStorage(), nil
	case "redis":
		s, err := cache.NewRedisStorage(cache.RedisConfig{
			Address:  cfg.Cache.RedisAddress,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open redis cache storage: %w", err)
		}
		logger.Info("Cache storage ready", "backend", "redis", "address", cfg.Cache.RedisAddress)
		return s, nil
	}

	path := cfg.StoragePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	var (
		s   cache.Storage
		err error
	)
	if cfg.Cache.Backend == "sqlite" {
		s, err = cache.NewSQLiteStorage(path)
	} else {
		s, err = cache.NewBoltStorage(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s cache storage at %s: %w", cfg.Cache.Backend, path, err)
	}
	logger.Info("Cache storage ready", "backend", cfg.Cache.Backend, "path", path)
	return s, nil
}

// buildSource chains the configured sources in priority order
func buildSource(cfg *uci.Config, logger *logx.Logger) (gps.PositionSource, error) {
	var google *gps.GoogleSource
	if cfg.Source.GoogleAPIKey != "" {
		var scanner gps.WiFiScanner
		if cfg.Source.WiFiInterface != "" {
			scanner = gps.NewUbusWiFiScanner(cfg.Source.WiFiInterface)
		}
		g, err := gps.NewGoogleSource(cfg.Source.GoogleAPIKey, scanner, logger.With("source", "google"))
		if err != nil {
			return nil, err
		}
		google = g
	}

	var sources []gps.PositionSource
	for _, name := range cfg.Source.Priority {
		switch name {
		case "google":
			if google == nil {
				logger.Warn("google source skipped, no API key configured")
				continue
			}
			sources = append(sources, google)
		case "starlink":
			client := starlink.NewClient(cfg.Source.StarlinkHost, cfg.Source.StarlinkPort,
				time.Duration(cfg.Source.StarlinkTimeoutS)*time.Second, logger.With("source", "starlink"))
			var geocoder gps.Geocoder
			if google != nil {
				geocoder = google
			}
			sources = append(sources, gps.NewStarlinkSource(client, geocoder, logger.With("source", "starlink")))
		case "fixed":
			sources = append(sources, &gps.FixedSource{
				Latitude:  cfg.Source.FixedLatitude,
				Longitude: cfg.Source.FixedLongitude,
				Accuracy:  cfg.Source.FixedAccuracyM,
			})
		}
	}
	if len(sources) == 0 {
		return nil, errors.New("no usable position source configured")
	}
	if len(sources) == 1 {
		return sources[0], nil
	}
	return gps.NewPrioritySource(sources...), nil
}

func auditDir(cfg *uci.Config) string {
	if !cfg.Privacy.Audit {
		return ""
	}
	return cfg.Privacy.AuditDir
}

func mqttConfig(cfg *uci.Config) *mqtt.Config {
	c := mqtt.DefaultConfig()
	c.Enabled = cfg.MQTT.Enabled
	c.Broker = cfg.MQTT.Broker
	c.Port = cfg.MQTT.Port
	c.ClientID = cfg.MQTT.ClientID
	c.Username = cfg.MQTT.Username
	c.Password = cfg.MQTT.Password
	c.TopicPrefix = cfg.MQTT.TopicPrefix
	c.QoS = cfg.MQTT.QoS
	c.Retain = cfg.MQTT.Retain
	return c
}
