package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-hammerblade/internal/config"
	"github.com/23skdu/longbow-hammerblade/internal/device"
	"github.com/23skdu/longbow-hammerblade/internal/parity"
	"github.com/23skdu/longbow-hammerblade/internal/tensor"
)

// Flags override the HB_* environment only when given explicitly.
var (
	seed          = flag.Uint64("seed", 1, "Seed for the random tensors")
	examples      = flag.Int("examples", 100, "Generated examples per property case")
	tilesX        = flag.Int("tiles-x", 16, "Tile group width")
	tilesY        = flag.Int("tiles-y", 8, "Tile group height")
	dramSize      = flag.String("dram", "64MB", "Simulated device DRAM (e.g. 64MB, 1GB)")
	reportPath    = flag.String("report", "", "Write the CBOR report to this file")
	arrowPath     = flag.String("arrow", "", "Write mismatching elements to this Arrow IPC file")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	maxConcurrent = flag.Int("max-concurrent", 64, "Maximum number of requests running on the device")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()
	os.Exit(run())
}

func run() int {
	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return 2
	}

	level, _ := zerolog.ParseLevel(cfg.App.LogLevel)
	zerolog.SetGlobalLevel(level)

	if cfg.App.OTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize tracer")
			return 1
		}
		defer shutdown(context.Background())
	}

	hbCfg := device.HammerBladeConfig{
		TilesX:      cfg.Device.TilesX,
		TilesY:      cfg.Device.TilesY,
		DRAMBytes:   cfg.Device.DRAMBytes,
		MaxFailures: cfg.Device.MaxFailures,
		CoolDown:    cfg.Device.CoolDown,
	}
	rt := tensor.NewRuntime(device.NewDefaultRegistry(hbCfg))

	suiteCfg := parity.DefaultSuiteConfig()
	suiteCfg.Seed = cfg.Parity.Seed
	suiteCfg.Examples = cfg.Parity.Examples

	if cfg.Server.Enabled() {
		if err := startServer(cfg.Server, rt, suiteCfg); err != nil {
			log.Error().Err(err).Msg("Server failed")
			return 1
		}
		return 0
	}

	rep := parity.Run(context.Background(), parity.NewChecker(rt, device.HammerBlade), suiteCfg, parity.DefaultCases(suiteCfg))

	if cfg.Parity.ReportPath != "" {
		if err := parity.WriteReportFile(cfg.Parity.ReportPath, rep); err != nil {
			log.Error().Err(err).Str("path", cfg.Parity.ReportPath).Msg("Failed to write report")
			return 1
		}
	}
	if cfg.Parity.ArrowPath != "" {
		rows, err := parity.WriteMismatchFile(cfg.Parity.ArrowPath, rep)
		if err != nil {
			log.Error().Err(err).Str("path", cfg.Parity.ArrowPath).Msg("Failed to write mismatch dump")
			return 1
		}
		log.Info().Int64("rows", rows).Str("path", cfg.Parity.ArrowPath).Msg("Wrote mismatch dump")
	}

	failed := rep.Failed()
	log.Info().
		Int("cases", len(rep.Results)).
		Int("failed", failed).
		Uint64("seed", rep.Seed).
		Dur("elapsed", time.Since(rep.Started)).
		Msg("Parity suite complete")
	if failed > 0 {
		return 1
	}
	return 0
}

// loadConfig reads the environment and applies explicitly set flags on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "seed":
			cfg.Parity.Seed = *seed
		case "examples":
			cfg.Parity.Examples = *examples
		case "tiles-x":
			cfg.Device.TilesX = *tilesX
		case "tiles-y":
			cfg.Device.TilesY = *tilesY
		case "dram":
			n, err := config.ParseBytes(*dramSize)
			if err != nil {
				flagErr = fmt.Errorf("invalid -dram: %w", err)
				return
			}
			cfg.Device.DRAMBytes = n
		case "report":
			cfg.Parity.ReportPath = *reportPath
		case "arrow":
			cfg.Parity.ArrowPath = *arrowPath
		case "listen":
			cfg.Server.Listen = *listenAddr
		case "otel":
			cfg.App.OTel = *enableOTel
		case "log-level":
			cfg.App.LogLevel = *logLevel
		case "max-concurrent":
			cfg.Server.MaxConcurrent = *maxConcurrent
		}
	})
	if flagErr != nil {
		return nil, flagErr
	}
	return cfg, cfg.Validate()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("hbparity"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
