package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/sushant-115/gojodb-pagecache/api/admin"
	pageservice "github.com/sushant-115/gojodb-pagecache/api/page_service"
	"github.com/sushant-115/gojodb-pagecache/config"
	"github.com/sushant-115/gojodb-pagecache/config/certs"
	bufferpool "github.com/sushant-115/gojodb-pagecache/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojodb-pagecache/core/write_engine/flush_manager"
	internaltelemetry "github.com/sushant-115/gojodb-pagecache/internal/telemetry"
	"github.com/sushant-115/gojodb-pagecache/pkg/logger"
	"github.com/sushant-115/gojodb-pagecache/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to the YAML config file")
	dataPath   = flag.String("data", "", "Heap file path (overrides storage.path)")
	poolSize   = flag.Int("pool_size", 0, "Number of buffer frames (overrides storage.pool_size)")
	grpcAddr   = flag.String("grpc_addr", "", "gRPC bind address (overrides grpc.addr)")
	adminAddr  = flag.String("admin_addr", "", "Admin HTTP bind address (overrides admin.addr)")
	genCerts   = flag.String("gen_certs", "", "Write a CA, server and client certificate set into this directory and exit")
)

const shutdownTimeout = 10 * time.Second

func main() {
	flag.Parse()

	if *genCerts != "" {
		if err := certs.GenerateCerts(*genCerts); err != nil {
			log.Fatalf("CRITICAL: failed to generate certificates: %v", err)
		}
		fmt.Printf("Certificates written to %s\n", *genCerts)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer func() { _ = zlogger.Sync() }()

	if err := run(cfg, zlogger); err != nil {
		zlogger.Fatal("Page cache server exited with error", zap.Error(err))
	}
}

func applyFlags(cfg *config.Config) {
	if *dataPath != "" {
		cfg.Storage.Path = *dataPath
	}
	if *poolSize != 0 {
		cfg.Storage.PoolSize = *poolSize
	}
	if *grpcAddr != "" {
		cfg.GRPC.Addr = *grpcAddr
	}
	if *adminAddr != "" {
		cfg.Admin.Addr = *adminAddr
	}
}

func run(cfg config.Config, zlogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			zlogger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	zlogger.Info("Starting GojoDB page cache",
		zap.String("data", cfg.Storage.Path),
		zap.Int("pool_size", cfg.Storage.PoolSize),
		zap.String("grpc_addr", cfg.GRPC.Addr),
		zap.String("admin_addr", cfg.Admin.Addr),
		zap.Bool("mtls", cfg.GRPC.TLS.Enabled()),
		zap.String("instance_id", tel.InstanceID),
	)

	dm, err := flushmanager.OpenDiskManager(cfg.Storage.Path, zlogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := dm.Close(); err != nil {
			zlogger.Error("Failed to close heap file", zap.Error(err))
		}
	}()

	bpm, err := bufferpool.NewBufferPoolManager(cfg.Storage.PoolSize, dm, zlogger, tel)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := bpm.Close(closeCtx); err != nil {
			zlogger.Error("Failed to flush buffer pool on shutdown", zap.Error(err))
		}
	}()

	grpcServer, err := newGRPCServer(cfg, zlogger, tel, bpm)
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.GRPC.Addr, err)
	}

	adminServer := admin.NewServer(admin.Options{
		Addr:           cfg.Admin.Addr,
		HeapPath:       dm.Path(),
		SnapshotDir:    cfg.Admin.SnapshotDir,
		SnapshotRate:   int64(cfg.Admin.SnapshotRate),
		MetricsHandler: tel.MetricsHandler,
	}, bpm, zlogger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zlogger.Info("gRPC server listening", zap.String("addr", cfg.GRPC.Addr))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return adminServer.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		zlogger.Info("Shutting down gRPC server")
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(shutdownTimeout):
			grpcServer.Stop()
		}
		return nil
	})

	err = g.Wait()
	zlogger.Info("Servers stopped, flushing buffer pool")
	return err
}

func newGRPCServer(cfg config.Config, zlogger *zap.Logger, tel *telemetry.Telemetry, bpm *bufferpool.BufferPoolManager) (*grpc.Server, error) {
	metrics, err := internaltelemetry.NewPageServiceMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("init page service metrics: %w", err)
	}

	opts := []grpc.ServerOption{
		grpc.UnaryInterceptor(pageservice.UnaryServerInterceptor(zlogger, tel.Tracer, metrics)),
	}
	if t := cfg.GRPC.TLS; t.Enabled() {
		tlsConfig, err := certs.LoadServerTLSConfig(t.CAFile, t.CertFile, t.KeyFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	srv := grpc.NewServer(opts...)
	pageservice.RegisterPageServiceServer(srv, pageservice.NewServer(bpm, zlogger, metrics))
	return srv, nil
}
