// prism-agent is the heartbeat client: it registers the local hostname
// with a prism server at a fixed interval until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prismhq/prism/internal/agent"
	"github.com/prismhq/prism/internal/logger"
)

func main() {
	var (
		serverAddr = flag.String("server", getEnv("PRISM_SERVER_ADDR", "127.0.0.1:8080"), "prism server address (host:port)")
		hostname   = flag.String("hostname", getEnv("PRISM_HOSTNAME", ""), "hostname to register (default: OS hostname)")
		token      = flag.String("token", getEnv("PRISM_AUTH_TOKEN", ""), "registration auth token")
		interval   = flag.Duration("interval", getDurationEnv("HEARTBEAT_INTERVAL", 60*time.Second), "heartbeat interval")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	log := logger.New(logger.DefaultConfig())
	slog.SetDefault(log)

	a := agent.New(agent.Config{
		ServerAddr: *serverAddr,
		Hostname:   *hostname,
		AuthToken:  *token,
		Interval:   *interval,
	}, log)
	a.Start(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("shutdown signal received", slog.String("signal", sig.String()))

	a.Stop()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
