// Copyright 2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Command orchestratord runs the orchestrator core as a long-lived daemon:
// it probes the host platform, wires the Application Lifecycle Manager to
// the Script Engine/Shell Runner/Tunnel Broker, and exposes the result over
// the RPC/Event Surface. Grounded on cmd/runner/main.go's own
// flag+envflag, signal-driven-cancellation shape, narrowed to this
// process's much smaller startup sequence.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/karlmutch/envflag"

	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
	"github.com/pinokio-cloud/orchestrator-core/internal/events"
	"github.com/pinokio-cloud/orchestrator-core/internal/fsapi"
	"github.com/pinokio-cloud/orchestrator-core/internal/lifecycle"
	"github.com/pinokio-cloud/orchestrator-core/internal/platform"
	"github.com/pinokio-cloud/orchestrator-core/internal/registry"
	"github.com/pinokio-cloud/orchestrator-core/internal/rpcsurface"
	"github.com/pinokio-cloud/orchestrator-core/internal/shellrun"
	"github.com/pinokio-cloud/orchestrator-core/internal/supervisor"
	"github.com/pinokio-cloud/orchestrator-core/internal/tunnel"
	"github.com/pinokio-cloud/orchestrator-core/pkg/studio"
)

const defaultMetricsInterval = 15 * time.Second

var logger = studio.NewLogger("orchestratord")

func main() {
	flag.Usage = usage
	envflag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopC := make(chan os.Signal, 2)
	signal.Notify(stopC, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stopC
		logger.Warn("shutdown signal received")
		cancel()
	}()

	if err := run(ctx); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}

	<-ctx.Done()
	time.Sleep(time.Second)
}

func usage() {
	fmt.Fprintln(os.Stderr, "orchestratord: runs third-party AI apps on this host behind the orchestrator's RPC/Event Surface")
	fmt.Fprintln(os.Stderr, "")
	flag.PrintDefaults()
}

// run wires every service and starts the RPC/Event Surface; it returns an
// error for a fatal startup failure, and otherwise returns nil once the
// services and the HTTP server have been started in the background.
func run(ctx context.Context) *apperrors.Error {
	profile, errGo := platform.Probe(*platformOverrideOpt)
	if errGo != nil {
		return apperrors.Wrap(apperrors.KindInternal, errGo).WithDetail("platform probe failed")
	}
	limits := profile.LimitsOf()
	logger.Info("platform detected",
		"class", string(profile.Class),
		"root", profile.RootDir(),
		"cpus", limits.CPUCount,
		"memory", humanize.Bytes(limits.MemoryMiB*humanize.MiByte),
		"disk", humanize.Bytes(limits.DiskMiB*humanize.MiByte),
	)

	tunnelPreferences := splitPreferences(*tunnelPreferencesOpt)
	var probeInterval time.Duration
	if *configFileOpt != "" {
		cfg, err := loadFileConfig(*configFileOpt)
		if err != nil {
			return err
		}
		if len(cfg.TunnelPreferences) > 0 {
			tunnelPreferences = cfg.TunnelPreferences
		}
		if cfg.ProbeInterval != "" {
			d, errGo := time.ParseDuration(cfg.ProbeInterval)
			if errGo != nil {
				return apperrors.Wrap(apperrors.KindInternal, errGo).WithDetail(cfg.ProbeInterval)
			}
			probeInterval = d
		}
		logger.Info("loaded daemon config file", "path", *configFileOpt)
	}

	mapper := platform.NewMapper(profile)
	sup := supervisor.New()
	runner := shellrun.New(sup)
	venvMgr := shellrun.NewVenvManager(mapper.VenvsRoot())
	cache := fsapi.NewDownloadCache(mapper.CacheRoot())

	reg, err := registry.New(mapper.RegistryPath())
	if err != nil {
		return err
	}

	bus := events.NewBus(ctx)

	var credSource tunnel.CredentialSource
	if *vaultAddrOpt != "" {
		vaultCreds, err := tunnel.NewVaultCredentialSource(*vaultAddrOpt, *vaultTokenOpt, *vaultMountOpt, *vaultSecretOpt)
		if err != nil {
			return err
		}
		credSource = vaultCreds
	}

	broker := tunnel.NewBroker(
		[]tunnel.Provider{tunnel.NewNgrokProvider(), tunnel.NewCloudflareQuickProvider(), tunnel.NewLocaltunnelProvider()},
		credSource,
		func(appID string, rec *tunnel.Record) {
			bus.Publish(events.Event{Kind: events.KindTunnelHealth, AppID: appID, State: string(rec.Health), Detail: rec.PublicURL})
			if existing := reg.Get(appID); existing != nil {
				existing.Tunnel = &registry.TunnelRecord{
					Provider:  rec.Provider,
					LocalPort: rec.LocalPort,
					PublicURL: rec.PublicURL,
					CreatedAt: rec.CreatedAt,
					Health:    string(rec.Health),
				}
				reg.Put(existing)
			}
		},
	)
	broker.SetProbeInterval(probeInterval)

	orc := &orchestrator{
		logger:            logger,
		profile:           profile,
		mapper:            mapper,
		sup:               sup,
		runner:            runner,
		venvMgr:           venvMgr,
		cache:             cache,
		reg:               reg,
		bus:               bus,
		broker:            broker,
		tunnelPreferences: tunnelPreferences,
	}

	mgr := lifecycle.NewManager(reg, bus, orc.install, orc.start, orc.stop, orc.uninstall)
	orc.mgr = mgr

	surface := rpcsurface.NewSurface(mgr)
	mux := http.NewServeMux()
	surface.Register(mux)

	if *amqpURLOpt != "" {
		pub, err := rpcsurface.NewAMQPPublisher(*amqpURLOpt)
		if err != nil {
			return err
		}
		ch := make(chan events.Event, 32)
		bus.Subscribe(ch)
		go pub.Run(ctx, ch)
	}

	if *sqsQueueURLOpt != "" {
		intake, err := rpcsurface.NewSQSIntake(mgr, *sqsRegionOpt, *sqsQueueURLOpt)
		if err != nil {
			return err
		}
		go intake.Run(ctx)
	}

	if *amqpMgtURLOpt != "" && *amqpQueueOpt != "" {
		go watchQueueDepth(ctx)
	}

	if *promAddrOpt != "" {
		studio.StartPrometheusExporter(ctx, *promAddrOpt, appCounter{mgr}, *metricsIntervalOpt, logger)
	}

	server := &http.Server{Addr: *httpAddrOpt, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("rpc surface listening", "address", *httpAddrOpt)
		if errGo := server.ListenAndServe(); errGo != nil && errGo != http.ErrServerClosed {
			logger.Warn("http server stopped", "error", errGo.Error())
		}
	}()

	return nil
}

func splitPreferences(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// watchQueueDepth periodically logs the diagnostic AMQP queue's backlog,
// exercising rpcsurface.QueueDepth for deployments that wired an AMQP
// transport and want that visibility without a separate tool.
func watchQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := rpcsurface.QueueDepth(*amqpMgtURLOpt, *amqpUserOpt, *amqpPassOpt, *amqpVHostOpt, *amqpQueueOpt)
			if err != nil {
				logger.Warn("queue depth check failed", "error", err.Error())
				continue
			}
			logger.Info("amqp queue depth", "queue", *amqpQueueOpt, "depth", depth)
		}
	}
}

// appCounter adapts lifecycle.Manager to pkg/studio's AppCounter interface
// for the per-state prometheus gauges.
type appCounter struct {
	mgr *lifecycle.Manager
}

func (c appCounter) CountByState() map[string]int {
	out := map[string]int{}
	for _, rec := range c.mgr.List() {
		out[string(rec.State)]++
	}
	return out
}
