// Package main provides a CLI that prints vault change events as JSON lines.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/fruitsalade/vault/internal/client"
	"github.com/fruitsalade/vault/internal/events"
	"github.com/fruitsalade/vault/internal/logging"
)

// listFlag collects repeated and comma-separated values.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*l = append(*l, part)
		}
	}
	return nil
}

func main() {
	var collections listFlag
	serverURL := flag.String("server", "http://localhost:8080", "Server URL")
	logLevel := flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
	flag.Var(&collections, "collection", "Collection to follow (repeatable, comma-separated; default: server root)")
	flag.Parse()

	if err := logging.Init(logging.Config{
		Level:      *logLevel,
		Format:     "console",
		OutputPath: "stderr",
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.NewEventClient(*serverURL, collections)
	ch, _ := c.Subscribe(ctx)

	logging.Info("tailing events",
		zap.String("server", *serverURL),
		zap.Strings("collections", collections))

	for e := range ch {
		line, err := events.MarshalEvent(e)
		if err != nil {
			logging.Warn("encode event", zap.Error(err))
			continue
		}
		fmt.Println(string(line))
	}
}
