package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-hammerblade/internal/config"
	"github.com/23skdu/longbow-hammerblade/internal/device"
	"github.com/23skdu/longbow-hammerblade/internal/parity"
	"github.com/23skdu/longbow-hammerblade/internal/tensor"
)

var (
	elementsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hammerblade_sign_elements_total",
		Help: "Elements passed through /sign",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hammerblade_request_duration_seconds",
		Help:    "Time spent processing HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler"})
)

// SuiteRunner runs the parity suite for POST /parity.
type SuiteRunner interface {
	RunSuite(ctx context.Context) parity.Report
}

type suiteRunner struct {
	checker *parity.Checker
	cfg     parity.SuiteConfig
}

func (s suiteRunner) RunSuite(ctx context.Context) parity.Report {
	return parity.Run(ctx, s.checker, s.cfg, parity.DefaultCases(s.cfg))
}

// SignResponse is the CBOR body returned by /sign.
type SignResponse struct {
	Device string    `cbor:"device"`
	Shape  []int     `cbor:"shape"`
	Values []float32 `cbor:"values"`
}

type Server struct {
	rt    *tensor.Runtime
	suite SuiteRunner
	sem   *semaphore.Weighted
}

func NewServer(rt *tensor.Runtime, suite SuiteRunner, maxConcurrent int) *Server {
	return &Server{
		rt:    rt,
		suite: suite,
		sem:   semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/sign", s.handleSign)
	mux.HandleFunc("/parity", s.handleParity)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// startServer serves until SIGINT or SIGTERM.
func startServer(cfg config.ServerConfig, rt *tensor.Runtime, suiteCfg parity.SuiteConfig) error {
	hb, err := rt.Registry().Lookup(device.HammerBlade)
	if err != nil {
		return err
	}
	srv := NewServer(rt, suiteRunner{checker: parity.NewChecker(rt, device.HammerBlade), cfg: suiteCfg}, cfg.MaxConcurrent)

	if acc, ok := hb.(*device.HammerBladeBackend); ok {
		hbCfg := acc.Config()
		log.Info().
			Int("tiles_x", hbCfg.TilesX).
			Int("tiles_y", hbCfg.TilesY).
			Int64("dram_bytes", hbCfg.DRAMBytes).
			Msg("Serving HammerBlade device")
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "hammerblade_dram_total_bytes",
				Help: "Simulated device DRAM capacity",
			},
			func() float64 {
				_, total := acc.GetVRAMUsage()
				return float64(total)
			},
		))
	}

	httpSrv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Listen).Str("backend", hb.Name()).Msg("Starting HammerBlade parity server")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

var tracer = otel.Tracer("hammerblade-server")

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleSign")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("sign").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req parity.Sample
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.Int("rank", len(req.Shape)),
		attribute.Int("numel", len(req.Values)),
	)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(1)

	resp, err := s.sign(ctx, req)
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Ints("shape", req.Shape).Msg("Sign request failed")
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	elementsProcessed.Add(float64(len(resp.Values)))

	data, err := cbor.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) sign(ctx context.Context, req parity.Sample) (SignResponse, error) {
	shape := device.Shape(req.Shape)
	if err := shape.Validate(); err != nil {
		return SignResponse{}, err
	}
	// Values are required so the allocation is bounded by the request body.
	if len(req.Values) != shape.Numel() {
		return SignResponse{}, fmt.Errorf("%w: %d values for shape %v", device.ErrShapeMismatch, len(req.Values), shape)
	}

	x, err := s.rt.FromFloat32(req.Values, req.Shape...)
	if err != nil {
		return SignResponse{}, err
	}
	xd, err := x.HammerBlade()
	if err != nil {
		return SignResponse{}, err
	}
	defer xd.Release()

	y, err := tensor.Sign(ctx, xd)
	if err != nil {
		return SignResponse{}, err
	}
	defer y.Release()

	back, err := y.CPU()
	if err != nil {
		return SignResponse{}, err
	}
	values, err := back.Float32s()
	if err != nil {
		return SignResponse{}, err
	}
	return SignResponse{Device: y.Device().String(), Shape: []int(y.Shape()), Values: values}, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, device.ErrInvalidArgument), errors.Is(err, device.ErrShapeMismatch):
		return http.StatusBadRequest
	case errors.Is(err, device.ErrOutOfMemory), errors.Is(err, device.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleParity(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleParity")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("parity").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(1)

	rep := s.suite.RunSuite(ctx)
	span.SetAttributes(
		attribute.Int("cases", len(rep.Results)),
		attribute.Int("failed", rep.Failed()),
	)

	w.Header().Set("Content-Type", "application/cbor")
	w.Header().Set("X-Parity-Failed", strconv.Itoa(rep.Failed()))
	w.WriteHeader(http.StatusOK)
	if err := parity.WriteReport(w, rep); err != nil {
		log.Error().Err(err).Msg("Failed to encode report")
	}
}

// handleHealth fails while the accelerator's launch breaker is open.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	b, err := s.rt.Registry().Lookup(device.HammerBlade)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if hb, ok := b.(*device.HammerBladeBackend); ok && hb.BreakerState() == device.StateOpen {
		http.Error(w, "device breaker open", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
