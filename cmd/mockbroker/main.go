// Command mockbroker is the out-of-scope (§6) reference broker used to
// exercise the channel engine end-to-end: a minimal, scriptable MQTT 3.1
// broker whose entire behavior is controlled by command-line flags, no
// config file or environment variables.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"busy-cloud/mqttchan/channel"
	"busy-cloud/mqttchan/internal/broker"
	"busy-cloud/mqttchan/internal/reactor"
	"busy-cloud/mqttchan/internal/wsconn"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("mockbroker", flag.ContinueOnError)
	port := fs.Int("p", 1883, "TCP port to bind (0 for an ephemeral port)")
	resendSeconds := fs.Int("t", 15, "resend interval in seconds for unacknowledged QoS 1/2 messages (0 disables resend)")
	maxInFlight := fs.Int("m", 0, "maximum in-flight ackable messages per client session (0 means unlimited)")
	allowAnon := fs.Bool("a", false, "allow anonymous connect when no credentials are presented")
	userlist := fs.String("u", "", "credential whitelist, user:pass[,user:pass...]")
	ignoreCreds := fs.Bool("i", false, "accept every client regardless of credentials presented")
	wsAddr := fs.String("l", "", "optional WebSocket listener address, e.g. :8080 (disabled if empty)")
	logFile := fs.String("log-file", "", "rotate logs through this file instead of stderr")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	var handler slog.Handler
	if *logFile != "" {
		handler = slog.NewJSONHandler(&lumberjack.Logger{
			Filename:   *logFile,
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     28,
		}, nil)
	} else {
		handler = slog.NewTextHandler(os.Stderr, nil)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	auth, err := broker.NewAuthenticator(*userlist, *allowAnon, *ignoreCreds)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	b, err := broker.New(broker.Config{
		MaxInFlight: *maxInFlight,
		Auth:        auth,
		Logger:      logger,
	}, 8)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer b.Close()

	newHandler := func() (channel.Handler, channel.RoleHooks) {
		s := b.NewHandler()
		return s, s
	}

	resendMillis := int64(*resendSeconds) * 1000
	r, err := reactor.New(*port, resendMillis, newHandler)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var wsServer *wsconn.Server
	if *wsAddr != "" {
		wsServer = wsconn.NewServer(*wsAddr, resendMillis, newHandler, logger)
	}

	logger.Info("mockbroker listening", "port", r.Port(), "ws", *wsAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The TCP reactor and the optional WebSocket listener run as two
	// independent goroutines under one errgroup, so either one failing
	// unblocks the other's shutdown instead of leaking a goroutine.
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return r.Run() })
	if wsServer != nil {
		group.Go(func() error { return wsServer.Serve() })
	}

	<-gctx.Done()
	var shutdownErr error
	r.Stop()
	if wsServer != nil {
		shutdownErr = multierr.Append(shutdownErr, wsServer.Close())
	}
	shutdownErr = multierr.Append(shutdownErr, group.Wait())

	if shutdownErr != nil {
		fmt.Fprintln(os.Stderr, shutdownErr)
		return 1
	}
	return 0
}
