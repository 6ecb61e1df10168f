package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/flower-id/internal/auth"
	"github.com/example/flower-id/internal/config"
	"github.com/example/flower-id/internal/grpcclient"
	"github.com/example/flower-id/internal/handlers"
	"github.com/example/flower-id/internal/logging"
	"github.com/example/flower-id/internal/session"
	"github.com/example/flower-id/internal/wiki"
	"github.com/example/flower-id/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Debug)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// A missing model host is not fatal to the process: sessions open on the
	// "unavailable" screen instead.
	cls, conn, err := grpcclient.DialClassifier(ctx, cfg.ClassifierAddr, logger)
	if err != nil {
		logger.Error("classifier unavailable, serving fatal screens", zap.Error(err), zap.String("addr", cfg.ClassifierAddr))
	} else {
		defer closeConn(conn, logger)
	}

	lookup, err := wiki.NewClient(wiki.Config{
		Endpoint:  cfg.WikiEndpoint,
		UserAgent: cfg.WikiUserAgent,
		Timeout:   cfg.LookupTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("invalid wiki configuration", zap.Error(err))
	}

	registry := session.NewRegistry(cls, lookup, workflow.Config{
		ClassifyTimeout: cfg.ClassifyTimeout,
		LookupTimeout:   cfg.LookupTimeout,
	}, cfg.SessionIdleTTL, logger)
	defer registry.CloseAll()

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go registry.RunJanitor(janitorCtx, time.Minute)

	gin.SetMode(cfg.GinMode)
	router := buildRouter(cfg, registry, logger)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("flower-id API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.Bool("auth", cfg.AuthEnabled()),
		zap.Bool("classifier", cls != nil),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func buildRouter(cfg *config.Config, registry *session.Registry, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	router.MaxMultipartMemory = handlers.MaxUploadSize

	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length", "Location"},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.CORSOrigins) == 0 || (len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.CORSOrigins
		corsCfg.AllowCredentials = true
	}
	router.Use(cors.New(corsCfg))

	handlers.RegisterRoutes(router, registry, auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience), logger)
	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	httpLogger := logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		httpLogger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func closeConn(conn *grpc.ClientConn, logger *zap.Logger) {
	if err := conn.Close(); err != nil {
		logger.Warn("closing classifier connection", zap.Error(err))
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
