package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"runtime"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/ntuicpc/tioj-judge/cmd/tioj-judge/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
)

// judgeStatus is the scheduler state reported by /status
type judgeStatus struct {
	Queue           int    `json:"queue"`
	QueueCapacity   int    `json:"queueCapacity"`
	Parallel        int    `json:"parallel"`
	Active          int    `json:"active"`
	Abandoned       int    `json:"abandoned"`
	PendingVerdicts int    `json:"pendingVerdicts"`
	Waiting         int    `json:"waitingSubmissions"`
	PinnedCPUs      string `json:"pinnedCpus"`
	HeldCPUs        int    `json:"heldCpus"`
}

func initMonitorHTTPMux(st func() judgeStatus, builderParam map[string]any) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(logger, true))

	p := ginprometheus.NewWithConfig(ginprometheus.Config{
		Subsystem:          "gin",
		DisableBodyReading: true,
	})
	p.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
		return c.FullPath()
	}
	r.Use(p.HandlerFunc())

	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"buildVersion": version.Version,
			"goVersion":    runtime.Version(),
			"platform":     runtime.GOARCH,
			"os":           runtime.GOOS,
			"runnerConfig": builderParam,
		})
	})
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, st())
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// serveMonitor serves the monitor endpoint until ctx is done
func serveMonitor(addr string, h http.Handler) func(context.Context) error {
	return func(ctx context.Context) error {
		srv := http.Server{
			Addr:    addr,
			Handler: h,
		}
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		logger.Info("Starting monitoring http server", zap.String("addr", lis.Addr().String()))

		stop := context.AfterFunc(ctx, func() {
			sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		})
		defer stop()

		err = srv.Serve(lis)
		logger.Info("Monitoring http server stopped", zap.Error(err))
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
