package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NodePath81/nqprobe/internal/config"
	"github.com/NodePath81/nqprobe/internal/geo"
	"github.com/NodePath81/nqprobe/internal/protocol"
	"github.com/NodePath81/nqprobe/internal/quality"
	"github.com/NodePath81/nqprobe/internal/report"
	"github.com/NodePath81/nqprobe/internal/resolver"
	"github.com/NodePath81/nqprobe/internal/route"
	"github.com/NodePath81/nqprobe/internal/session"
	"github.com/NodePath81/nqprobe/internal/transport"
	"github.com/NodePath81/nqprobe/internal/util"
)

const (
	runDefaultCount   = 100
	runDefaultPayload = "1024"
)

// runProbe executes one session and returns the process exit code.
func runProbe(args []string) int {
	defaults := config.DefaultProbeConfig()
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	kind := fs.String("transport", defaults.Transport, "Probe transport (icmp, udp, tcp, ping)")
	count := fs.Int("count", runDefaultCount, "Number of probes")
	timeout := fs.Duration("timeout", defaults.Timeout.Duration(), "Per-probe reply timeout")
	interval := fs.Duration("interval", defaults.IntervalDuration(), "Minimum spacing between probes")
	payload := fs.String("payload", runDefaultPayload, "Probe payload size (e.g. 1024, 1kib)")
	port := fs.Int("port", protocol.DefaultPort, "Responder port for udp and tcp")
	privileged := fs.Bool("privileged", defaults.IsPrivileged(), "Use raw ICMP sockets")
	tos := fs.Int("tos", 0, "IP TOS / traffic class for udp and tcp probes")
	geoDB := fs.String("geoip", "", "MaxMind database for path enrichment")
	asJSON := fs.Bool("json", false, "Print the report as JSON")
	quiet := fs.Bool("quiet", false, "Only print the final results")
	logLevel := fs.String("log-level", "warn", "Log level")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: nqprobe run [flags] <target>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	size, err := config.ParseSize(*payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -payload: %v\n", err)
		return 2
	}

	logger := util.NewLoggerTo(os.Stderr, *logLevel, "text")
	res := resolver.NewResolver(config.DNSConfig{})
	tr, err := transport.New(*kind, transport.Options{
		Port:       *port,
		Privileged: *privileged,
		TOS:        *tos,
		Resolver:   res,
		Logger:     logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	geoReader, err := geo.Open(*geoDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open geoip database: %v\n", err)
		return 1
	}
	defer geoReader.Close()

	cfg := quality.Config{
		Target:      fs.Arg(0),
		Count:       *count,
		Timeout:     *timeout,
		Interval:    *interval,
		PayloadSize: size,
	}
	stdout := io.Writer(os.Stdout)
	opts := []session.Option{
		session.WithLogger(logger),
		session.WithTransportName(*kind),
		session.WithEnricher(route.NewEnricher(res)),
	}
	if geoReader != nil {
		opts = append(opts, session.WithEnricher(geoReader))
	}
	if !*asJSON && !*quiet {
		fmt.Fprintln(stdout, report.Header(cfg, *kind))
		opts = append(opts, session.WithObserver(func(ev session.Event) {
			fmt.Fprintln(stdout, report.ProbeLine(ev.Index, ev.Outcome))
		}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	start := time.Now()
	rep, err := session.New(cfg, tr, opts...).Run(ctx)
	var cfgErr *session.ConfigError
	if errors.As(err, &cfgErr) {
		fmt.Fprintf(os.Stderr, "invalid probe settings: %v\n", err)
		return 1
	}
	logger.Debug("session finished", "status", rep.Status, "elapsed", time.Since(start))

	if *asJSON {
		err = report.WriteJSON(stdout, rep)
	} else {
		err = report.WriteSummary(stdout, rep)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "write report: %v\n", err)
		return 1
	}
	if rep.Status == session.StatusFailed {
		return 1
	}
	return 0
}
