// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/akhenakh/gtiffread/geotiff"
	"github.com/akhenakh/gtiffread/source"
)

const appName = "raster-service"

var (
	grpcAPIServer     *grpc.Server
	grpcHealthServer  *grpc.Server
	httpMetricsServer *http.Server
	httpRestServer    *http.Server
	grpcMetrics       = grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram(
		grpcprom.WithHistogramBuckets([]float64{0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9}),
	))
)

// Config holds all configuration for the application, loaded from environment variables.
// Reader tuning (threads, cache, georeferencing sources) is read by geotiff.OptionsFromEnv.
type Config struct {
	LogLevel        string `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFile         string `env:"LOG_FILE"`
	LogFileMaxMB    int    `env:"LOG_FILE_MAX_MB" envDefault:"100"`
	HTTPPort        int    `env:"HTTP_PORT" envDefault:"8080"`
	APIPort         int    `env:"API_PORT" envDefault:"9200"`
	HealthPort      int    `env:"HEALTH_PORT" envDefault:"6666"`
	HTTPMetricsPort int    `env:"METRICS_PORT" envDefault:"8888"`
	RasterSource    string `env:"RASTER_SOURCE,required"`
	// BucketURL mounts a gocloud bucket (file:///data, mem://) under BucketPrefix.
	BucketURL     string `env:"BUCKET_URL"`
	BucketPrefix  string `env:"BUCKET_PREFIX" envDefault:"/vsiblob/"`
	MaxReadPixels int    `env:"MAX_READ_PIXELS" envDefault:"1048576"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("failed to parse config: %+v\n", err)
		os.Exit(1)
	}

	logger := createLogger(cfg, appName)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, ctx := errgroup.WithContext(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ds, closeRaster, err := setupRaster(ctx, cfg, logger, reg)
	if err != nil {
		logger.Error("failed to open raster, shutting down", "error", err)
		os.Exit(1)
	}
	defer closeRaster()

	healthServer := health.NewServer()

	// gRPC Health Server
	g.Go(func() error {
		return startHealthServer(logger, cfg, healthServer)
	})

	// HTTP Metrics Server (Prometheus)
	g.Go(func() error {
		return startMetricsServer(logger, cfg, reg)
	})

	// gRPC API Server
	g.Go(func() error {
		return startGRPCAPIServer(logger, cfg, healthServer, ds)
	})

	// HTTP REST Server
	g.Go(func() error {
		return startHTTPRestServer(logger, cfg, ds)
	})

	// Wait for termination signal or an error from one of the services
	select {
	case <-interrupt:
		slog.Warn("received termination signal, starting graceful shutdown")
		cancel()
	case <-ctx.Done():
		slog.Warn("context cancelled, starting graceful shutdown")
	}

	// Graceful Shutdown
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		if err := httpMetricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP metrics server shutdown error", "error", err)
		}
	}
	if httpRestServer != nil {
		if err := httpRestServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP REST server shutdown error", "error", err)
		}
	}
	if grpcHealthServer != nil {
		grpcHealthServer.GracefulStop()
	}
	if grpcAPIServer != nil {
		grpcAPIServer.GracefulStop()
	}

	// Wait for all services in the errgroup to finish
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server group returned an error", "error", err)
		os.Exit(2)
	}
}

func startHealthServer(logger *slog.Logger, cfg Config, healthServer *health.Server) error {
	addr := fmt.Sprintf(":%d", cfg.HealthPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC Health server failed to listen: %w", err)
	}

	grpcHealthServer = grpc.NewServer()
	healthpb.RegisterHealthServer(grpcHealthServer, healthServer)
	logger.Info("gRPC health server listening", "address", addr)
	return grpcHealthServer.Serve(lis)
}

func startMetricsServer(logger *slog.Logger, cfg Config, reg *prometheus.Registry) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPMetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	reg.MustRegister(grpcMetrics)

	httpMetricsServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP metrics server listening", "address", addr)

	if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP metrics server failed: %w", err)
	}
	return nil
}

func startGRPCAPIServer(logger *slog.Logger, cfg Config, healthServer *health.Server, ds *geotiff.Dataset) error {
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC API server failed to listen: %w", err)
	}

	lopts := []logging.Option{logging.WithLogOnEvents(logging.StartCall, logging.FinishCall)}
	grpcAPIServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(
				InterceptorLogger(logger),
				lopts...),
			grpcMetrics.UnaryServerInterceptor(),
		),
	)

	s := &Server{ds: ds, maxPixels: cfg.MaxReadPixels}
	RegisterRasterServiceServer(grpcAPIServer, s)
	reflection.Register(grpcAPIServer) // Enable reflection for tools like grpcurl
	grpcMetrics.InitializeMetrics(grpcAPIServer)

	// Set initial health status
	healthServer.SetServingStatus(RasterServiceName, healthpb.HealthCheckResponse_SERVING)
	logger.Info("gRPC API server listening", "address", addr)
	return grpcAPIServer.Serve(lis)
}

func startHTTPRestServer(logger *slog.Logger, cfg Config, ds *geotiff.Dataset) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)

	httpRestServer = &http.Server{
		Addr:              addr,
		Handler:           newRestHandler(logger, ds, cfg.MaxReadPixels),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("HTTP REST server listening", "address", addr)

	if err := httpRestServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP REST server failed: %w", err)
	}
	return nil
}

// setupRaster opens the configured raster. The returned function closes the
// dataset and the mounted bucket.
func setupRaster(ctx context.Context, cfg Config, logger *slog.Logger, reg prometheus.Registerer) (*geotiff.Dataset, func(), error) {
	opts, err := geotiff.OptionsFromEnv()
	if err != nil {
		return nil, nil, err
	}
	opts.Logger = logger
	opts.Metrics = geotiff.NewMetrics(reg)

	fsys := source.NewFS()
	var bucket *blob.Bucket
	if cfg.BucketURL != "" {
		bucket, err = blob.OpenBucket(ctx, cfg.BucketURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bucket %s: %w", cfg.BucketURL, err)
		}
		fsys.Mount(cfg.BucketPrefix, bucket)
		logger.Info("mounted bucket", "url", cfg.BucketURL, "prefix", cfg.BucketPrefix)
	}
	opts.FS = fsys

	logger.Info("opening raster", "source", cfg.RasterSource,
		"threads", opts.NumThreads, "cache_bytes", opts.BlockCacheBytes, "georef_sources", opts.GeorefSources.String())
	ds, err := geotiff.Open(ctx, cfg.RasterSource, opts)
	if err != nil {
		if bucket != nil {
			bucket.Close()
		}
		return nil, nil, err
	}
	if w := ds.Warnings(); w != nil {
		logger.Warn("raster opened with warnings", "warnings", w)
	}
	logger.Info("raster ready",
		"width", ds.Width(), "height", ds.Height(), "bands", ds.BandCount(),
		"overviews", ds.OverviewCount(), "georeferenced", ds.GeoTransform().Valid())

	return ds, func() {
		if err := ds.Close(); err != nil {
			logger.Error("closing raster", "error", err)
		}
		if bucket != nil {
			bucket.Close()
		}
	}, nil
}

func createLogger(cfg Config, appName string) *slog.Logger {
	var programLevel slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		programLevel = slog.LevelDebug
	case "INFO":
		programLevel = slog.LevelInfo
	case "WARN":
		programLevel = slog.LevelWarn
	case "ERROR":
		programLevel = slog.LevelError
	default:
		programLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename: cfg.LogFile,
			MaxSize:  cfg.LogFileMaxMB,
			Compress: true,
		}
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:     programLevel,
		AddSource: programLevel <= slog.LevelDebug,
	}).WithAttrs([]slog.Attr{slog.String("app", appName)})
	return slog.New(handler)
}

func InterceptorLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
