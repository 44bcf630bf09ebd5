// Command cspnode hosts a named channel, feeds stdin into a remote one, or both.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sessamekesh/spanreed-csp/internal/config"
	"github.com/sessamekesh/spanreed-csp/pkg/csp"
	"github.com/sessamekesh/spanreed-csp/pkg/dispatch"
	csperrors "github.com/sessamekesh/spanreed-csp/pkg/errors"
	"github.com/sessamekesh/spanreed-csp/pkg/message"
	"github.com/sessamekesh/spanreed-csp/pkg/proxy"
	"github.com/sessamekesh/spanreed-csp/pkg/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Printf("Failed to load .env file! %s\n", err.Error())
	}

	logger := zap.Must(zap.NewProduction())
	if os.Getenv("APP_ENV") != "production" {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()

	//
	// Flags
	configPath := flag.String("config", "", "Optional YAML configuration file")
	host := flag.String("host", "", "Interface to listen on, overrides the config file")
	port := flag.Uint("port", 0, "Port to listen on, overrides the config file")
	serve := flag.String("serve", "", "Host a channel with this name and log every value written to it")
	connect := flag.String("connect", "", "host:port of a node hosting -channel; stdin lines are written to it")
	channelName := flag.String("channel", "", "Channel to write to with -connect")
	wsPort := flag.Uint("ws-port", 0, "Bridge WebSocket clients into the -serve channel on this port")
	metricsPort := flag.Uint("metrics-port", 0, "Serve Prometheus metrics on this port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", zap.Error(err))
		os.Exit(1)
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = uint16(*port)
	}
	if *wsPort != 0 {
		cfg.Bridge.Port = uint16(*wsPort)
	}

	if *serve == "" && *connect == "" {
		logger.Error("Nothing to do, pass -serve and/or -connect")
		flag.Usage()
		os.Exit(2)
	}

	dispatchConfig := cfg.ToDispatchConfig(logger)
	dispatchConfig.Registerer = prometheus.DefaultRegisterer
	dispatchConfig.OnPeerDisconnect = func(remote net.Addr) {
		logger.Info("Peer disconnected", zap.Stringer("remote", remote))
	}
	d, err := dispatch.New(dispatchConfig)
	if err != nil {
		logger.Error("Failed to start dispatcher", zap.Error(err))
		os.Exit(1)
	}
	defer d.Close()
	logger.Info("Dispatcher listening", zap.Stringer("addr", d.Addr()))

	shutdownCtx, shutdownRelease := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer shutdownRelease()

	g, ctx := errgroup.WithContext(shutdownCtx)

	if *metricsPort != 0 {
		g.Go(func() error {
			return serveMetrics(ctx, logger, uint16(*metricsPort))
		})
	}

	if *serve != "" {
		ch := csp.NewChannel(*serve)
		h, err := proxy.HostChannel(d, ch, proxy.HostParams{Logger: logger})
		if err != nil {
			logger.Error("Failed to host channel", zap.String("channel", *serve), zap.Error(err))
			os.Exit(1)
		}

		g.Go(func() error {
			h.Start(ctx)
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			ch.Poison()
			return nil
		})
		in := ch.Reader()
		g.Go(func() error {
			return sink(logger, in)
		})

		if cfg.Bridge.Port != 0 {
			bridgeParams := cfg.ToBridgeParams(logger)
			bridgeParams.AllowAllHosts = bridgeParams.AllowAllHosts || len(bridgeParams.AllowlistedHosts) == 0
			g.Go(func() error {
				return transport.ServeChannelBridge(ctx, ch, nil, bridgeParams)
			})
		}
	}

	if *connect != "" {
		addr, err := message.ParseAddr(*connect)
		if err != nil {
			logger.Error("Invalid -connect address", zap.String("connect", *connect), zap.Error(err))
			os.Exit(2)
		}
		g.Go(func() error {
			err := feed(ctx, logger, d, addr, *channelName)
			if *serve == "" {
				shutdownRelease()
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("Node stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Node stopped")
}

func sink(logger *zap.Logger, in *csp.ReaderEnd) error {
	for {
		v, err := in.Read()
		if csperrors.IsPoison(err) || csperrors.IsRetire(err) {
			logger.Info("Channel closed", zap.Error(err))
			return nil
		}
		if err != nil {
			return err
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		logger.Info("Received", zap.Any("value", v))
	}
}

func feed(ctx context.Context, logger *zap.Logger, d *dispatch.Dispatcher, addr message.Addr, name string) error {
	rc, err := proxy.Connect(d, addr, name, proxy.RemoteParams{Logger: logger})
	if err != nil {
		return err
	}
	w, err := rc.Writer()
	if err != nil {
		return err
	}
	defer w.Retire()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				logger.Info("Input finished, retiring writer", zap.String("channel", name))
				return <-scanErr
			}
			if err := w.Write(line); err != nil {
				return err
			}
		}
	}
}

func serveMetrics(ctx context.Context, logger *zap.Logger, port uint16) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, release := context.WithTimeout(context.Background(), 5*time.Second)
		defer release()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", zap.Uint16("port", port))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
