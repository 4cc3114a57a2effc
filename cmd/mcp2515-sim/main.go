package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/modelrail/mcp2515-sim/internal/bridge"
	"github.com/modelrail/mcp2515-sim/internal/can"
	"github.com/modelrail/mcp2515-sim/internal/cs3"
	"github.com/modelrail/mcp2515-sim/internal/hub"
	"github.com/modelrail/mcp2515-sim/internal/mcp2515"
	"github.com/modelrail/mcp2515-sim/internal/metrics"
	"github.com/modelrail/mcp2515-sim/internal/server"
	"github.com/modelrail/mcp2515-sim/internal/transport"
	"github.com/modelrail/mcp2515-sim/internal/world"
)

// hubTap mirrors every frame crossing the simulator onto the tap hub.
type hubTap struct{ h *hub.Hub }

func (t hubTap) ObserveFrame(f can.Frame, outbound bool) { t.h.Broadcast(f) }

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("mcp2515-sim %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	w := world.New()
	ids, _ := cfg.trainIDs() // validated during parse
	for _, id := range ids {
		w.AddTrain(id)
	}
	l.Info("world_ready", "trains", len(ids))

	gpio := transport.NewGPIOLink(transport.TCPDialer(cfg.gpioAddr))
	eng := mcp2515.NewEngine(gpio)
	disp := cs3.NewDispatcher(w)

	opts := []bridge.Option{bridge.WithAckDelay(cfg.switchAckDelay)}
	var h *hub.Hub
	if cfg.tapListen != "" {
		h = hub.New()
		h.OutBufSize = cfg.hubBuffer
		if cfg.hubPolicy == "kick" {
			h.Policy = hub.PolicyKick
		}
		opts = append(opts, bridge.WithTap(hubTap{h}))
	}
	br := bridge.New(eng, disp, opts...)

	poller := cs3.NewPoller(w, br, cfg.pollInterval)
	poller.Start(ctx)
	defer poller.Stop()

	if h != nil {
		srv := server.New(
			server.WithListenAddr(cfg.tapListen),
			server.WithHub(h),
			server.WithInject(br.Inject),
			server.WithMaxClients(cfg.maxClients),
			server.WithHandshakeTimeout(cfg.handshakeTO),
			server.WithReadDeadline(cfg.clientReadTO),
			server.WithLogger(l),
		)
		go func() {
			if err := srv.Serve(ctx); err != nil {
				l.Error("tap_server_error", "error", err)
			}
		}()
		go func() {
			if !cfg.mdnsEnable {
				return
			}
			select {
			case <-srv.Ready():
			case <-ctx.Done():
				return
			}
			var portNum int
			if _, p, err := net.SplitHostPort(srv.Addr()); err == nil {
				if pn, perr := strconv.Atoi(p); perr == nil {
					portNum = pn
				}
			}
			cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
				return
			}
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
			go func() { <-ctx.Done(); cleanupMDNS() }()
		}()
		defer func() {
			shCtx, shCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer shCancel()
			_ = srv.Shutdown(shCtx)
		}()
	}

	var spiDial transport.Dialer
	switch cfg.spiLink {
	case "serial":
		spiDial = transport.SerialDialer(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	default:
		spiDial = transport.TCPDialer(cfg.spiAddr)
	}
	spi := transport.NewSPILink(spiDial, br)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := spi.Run(ctx); err != nil && ctx.Err() == nil {
			l.Error("spi_link_error", "error", err)
			cancel()
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gpio.Run(ctx); err != nil && ctx.Err() == nil {
			l.Error("gpio_link_error", "error", err)
		}
	}()

	// Ready once the host driver's SPI link is up.
	metrics.SetReadinessFunc(func() bool { return spi.Connected() && ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	wg.Wait()
}
