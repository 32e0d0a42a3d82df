// @title         Discoveryd Registry
// @version       0.1.0
// @description   Service registry: instance registration, lease renewal and
// @description   snapshot reads behind the request gate

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"discoveryd/internal/eviction"
	"discoveryd/internal/gate"
	"discoveryd/internal/obsmetrics"
	"discoveryd/internal/platform/config"
	"discoveryd/internal/platform/logger"
	phttp "discoveryd/internal/platform/net/http"
	"discoveryd/internal/platform/net/middleware"
	"discoveryd/internal/registry"
	registryhttp "discoveryd/internal/registry/http"
	"discoveryd/internal/supervisor"
)

func main() {
	root := config.New()
	cfg := root.Prefix("CORE_REGISTRY_")

	l := logger.Get()

	strategy := eviction.New(cfg.MayFloat64("EVICTION_DROP_RATIO", 0.2))
	core := registry.New(strategy, cfg.MayFloat64("EWMA_ALPHA", 0.5))

	g := gate.New()
	gateCfg := gate.Config{
		Enabled:                 cfg.MayBool("GATE_ENABLED", true),
		ThrottleStandardClients: cfg.MayBool("GATE_THROTTLE_STANDARD_CLIENTS", false),
		BurstSize:               int64(cfg.MayInt("GATE_BURST_SIZE", 10)),
		CombinedAverageRate:     int64(cfg.MayInt("GATE_COMBINED_RATE", 500)),
		FullFetchAverageRate:    int64(cfg.MayInt("GATE_FULL_FETCH_RATE", 100)),
	}
	gateCfgSrc := func() gate.Config { return gateCfg }

	srv := phttp.NewServer(cfg)
	router := srv.Router()
	router.Use(
		middleware.RequestID(),
		middleware.RealIP(),
		middleware.RecoverJSON,
		middleware.AccessLogZerolog(middleware.AccessLogOptions{Slow: 500 * time.Millisecond}),
	)

	registryhttp.New(core).Mount(router, g, gateCfgSrc)
	router.Handle("/metrics", promhttp.HandlerFor(obsmetrics.Registry, promhttp.HandlerOpts{}))
	phttp.MountSwagger(router, cfg.MayBool("SWAGGER", true))

	sweepPool := supervisor.NewPool(1)
	sweepInterval := cfg.MayDuration("SWEEP_INTERVAL", 30*time.Second)
	sweepTask := supervisor.New("registry-sweep", func(ctx context.Context) error {
		n := core.Sweep(time.Now())
		if n > 0 {
			l.Info().Int("expired", n).Msg("registry sweep expired stale instances")
		}
		return nil
	}, sweepPool, sweepInterval, 1)
	sweepTask.Start()
	defer sweepTask.Cancel()

	if err := srv.Run(context.Background()); err != nil {
		l.Panic().Err(err).Msg("registry http server stopped")
	}
}
