package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/thomas-caarter-aic/agent-deployment-service/internal/reconciler"
	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/agent"
	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/logging"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// controller is the part of reconciler.Manager the HTTP surface needs.
type controller interface {
	IsRunning() bool
	Healthy() bool
	GetQueueLength() int
	GetStatus(key agent.Key) (reconciler.ReconcileStatus, bool)
	GetAllStatuses() []reconciler.ReconcileStatus
	TriggerReconcile(key agent.Key)
	Resync(ctx context.Context) error
}

// listenFunc opens the HTTP listener. Replaced in tests.
var listenFunc = func(address string) (net.Listener, error) {
	return net.Listen("tcp", address)
}

// runServer runs the manager and the HTTP server until ctx is cancelled,
// a termination signal arrives, or one of them fails.
func runServer(ctx context.Context, address string, services *Services) error {
	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	listener, err := listenFunc(address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	server := &http.Server{
		Handler:           newRouter(services.Manager, ctrlmetrics.Registry),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("Server", "Listening on %s", listener.Addr())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Warn("Server", "HTTP server shutdown: %v", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := services.Manager.Start(gctx); err != nil {
			if gctx.Err() != nil {
				// shutdown requested before the cache synced
				return nil
			}
			return fmt.Errorf("failed to start controller: %w", err)
		}
		notifySystemd(daemon.SdNotifyReady)
		<-gctx.Done()
		notifySystemd(daemon.SdNotifyStopping)
		logging.Info("Server", "Shutting down controller")
		return services.Manager.Stop()
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logging.Info("Server", "Shutdown complete")
	return nil
}

// newRouter builds the probe, metrics and status endpoints.
func newRouter(c controller, gatherer prometheus.Gatherer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(ctx *gin.Context) {
		if !c.IsRunning() {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopped"})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/readyz", func(ctx *gin.Context) {
		body := gin.H{"ready": c.Healthy(), "queueLength": c.GetQueueLength()}
		if !c.Healthy() {
			ctx.JSON(http.StatusServiceUnavailable, body)
			return
		}
		ctx.JSON(http.StatusOK, body)
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	r.GET("/status", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"agents": c.GetAllStatuses()})
	})

	r.GET("/status/:tenant/:agent", func(ctx *gin.Context) {
		key, ok := keyParam(ctx)
		if !ok {
			return
		}
		status, found := c.GetStatus(key)
		if !found {
			ctx.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no status for %s", key)})
			return
		}
		ctx.JSON(http.StatusOK, status)
	})

	r.POST("/reconcile/:tenant/:agent", func(ctx *gin.Context) {
		key, ok := keyParam(ctx)
		if !ok {
			return
		}
		if !c.IsRunning() {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "controller is not running"})
			return
		}
		c.TriggerReconcile(key)
		ctx.JSON(http.StatusAccepted, gin.H{"queued": key.String()})
	})

	r.POST("/resync", func(ctx *gin.Context) {
		if !c.IsRunning() {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "controller is not running"})
			return
		}
		if err := c.Resync(ctx.Request.Context()); err != nil {
			logging.Error("Server", err, "Manual resync failed")
			ctx.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		ctx.JSON(http.StatusAccepted, gin.H{"resync": "queued"})
	})

	return r
}

func keyParam(ctx *gin.Context) (agent.Key, bool) {
	key, err := agent.ParseKey(ctx.Param("tenant") + "/" + ctx.Param("agent"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return agent.Key{}, false
	}
	return key, true
}
