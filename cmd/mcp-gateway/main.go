// main implements the CLI for the MCP aggregation gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/fedmcp/gateway/internal/breaker"
	"github.com/fedmcp/gateway/internal/config"
	"github.com/fedmcp/gateway/internal/gateway"
	"github.com/fedmcp/gateway/internal/registry"
	"github.com/fedmcp/gateway/internal/router"
	"github.com/fedmcp/gateway/internal/transport"
)

func main() {
	var (
		addrFlag        string
		configFile      string
		configAuthToken string
		loglevel        int
		logFormat       string
	)
	flag.StringVar(&addrFlag, "address", "0.0.0.0:8080", "The address the gateway listens on")
	flag.StringVar(
		&configFile,
		"gateway-config",
		"./config/gateway.yaml",
		"where to locate the backend config",
	)
	flag.StringVar(
		&configAuthToken,
		"config-auth-token",
		os.Getenv("GATEWAY_CONFIG_AUTH_TOKEN"),
		"bearer token required for config pushes, empty disables the check",
	)
	flag.IntVar(
		&loglevel,
		"log-level",
		int(slog.LevelInfo),
		"set the log level 0=info, 4=warn, 8=error and -4=debug",
	)
	flag.StringVar(&logFormat, "log-format", "txt", "switch to json logs with --log-format=json")
	flag.Parse()

	var handler slog.Handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.Level(loglevel)})
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.Level(loglevel)})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	conf, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("Error loading config: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New(conf.MaxSubscriptionsPerClient, logger)
	pool := transport.NewPool(conf, logger)
	breakers := breaker.NewManager(conf, logger)
	rtr := router.New(conf, reg, pool, breakers, logger)
	gw := gateway.New(conf, reg, rtr, pool, breakers, logger)

	conf.RegisterObserver(gw)
	config.Watch(ctx, configFile, conf, logger)

	logger.Info("connecting backends", "count", len(conf.EnabledBackends()))
	gw.Start(ctx)

	httpSrv := setUpHTTP(addrFlag, conf, gw, configAuthToken, logger)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("[http] starting MCP gateway", "listening", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[http] Cannot start gateway: %v", err)
		}
	}()

	<-stop
	logger.Info("shutting down MCP gateway")
	shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), conf.ShutdownTimeout)
	defer shutdownRelease()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", "error", err)
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown error", "error", err)
	}
}

func setUpHTTP(address string, conf *config.GatewayConfig, gw *gateway.Server, configAuthToken string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, "MCP aggregation gateway. The MCP endpoint is on /mcp")
	})

	httpSrv := &http.Server{
		Addr:         address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // streaming responses on /mcp
	}

	streamableHTTPServer := server.NewStreamableHTTPServer(
		gw.MCPServer(),
		server.WithStreamableHTTPServer(httpSrv),
	)
	mux.Handle("/mcp", streamableHTTPServer)

	statusHandler := gateway.NewStatusHandler(gw, logger)
	mux.Handle("/status", statusHandler)
	mux.Handle("/status/", statusHandler)

	updateHandler := config.NewUpdateHandler(conf, configAuthToken, logger)
	mux.HandleFunc("POST /config", updateHandler.UpdateConfig)

	return httpSrv
}
