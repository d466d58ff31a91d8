package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	minaret "github.com/minaret-app/minaret"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	storeFilenameFlag  string
	cacheFilenameFlag  string
	mqttBrokerFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL of the prayer-times app (overrides config)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&storeFilenameFlag, "store", "", "Record store DB file name")
	flag.StringVar(&cacheFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&mqttBrokerFlag, "mqtt", "", "MQTT broker URL for page messaging")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// environment from .env file, if present
	godotenv.Load()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	var config minaret.Config
	if configFilenameFlag != "" {
		var err error
		config, err = minaret.LoadConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot read config file")
		}
	}

	// environment fallbacks, then flag overrides
	applyEnv(&config)
	if originFlag != "" {
		config.Origin = originFlag
	}
	if portFlag != 0 {
		config.Port = portFlag
	}
	if storeFilenameFlag != "" {
		config.StoreFile = storeFilenameFlag
	}
	if cacheFilenameFlag != "" {
		config.CacheFile = cacheFilenameFlag
	}
	if config.CacheFile == "memory" {
		config.CacheFile = "file::memory:?cache=shared"
	}
	if mqttBrokerFlag != "" {
		config.MQTT.Broker = mqttBrokerFlag
	}
	if config.Generation == "" {
		config.Generation = version
	}

	agent, err := minaret.NewAgent(config, &log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot initialize agent")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Agent stopped")
	}
}

func applyEnv(config *minaret.Config) {
	if v := os.Getenv("MINARET_ORIGIN"); v != "" && config.Origin == "" {
		config.Origin = v
	}
	if v := os.Getenv("MINARET_PORT"); v != "" && config.Port == 0 {
		if port, err := strconv.Atoi(v); err == nil {
			config.Port = port
		}
	}
	if v := os.Getenv("MINARET_MQTT_BROKER"); v != "" && config.MQTT.Broker == "" {
		config.MQTT.Broker = v
	}
	if v := os.Getenv("MINARET_TIMEZONE"); v != "" && config.Timezone == "" {
		config.Timezone = v
	}
}
