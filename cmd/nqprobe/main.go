package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/NodePath81/nqprobe/internal/app"
	"github.com/NodePath81/nqprobe/internal/config"
	"github.com/NodePath81/nqprobe/internal/echo"
	"github.com/NodePath81/nqprobe/internal/protocol"
	"github.com/NodePath81/nqprobe/internal/util"
	"github.com/NodePath81/nqprobe/internal/version"
	"github.com/joho/godotenv"
)

const defaultConfigPath = "config.yaml"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	if len(os.Args) < 2 {
		printHelp()
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "run":
		os.Exit(runProbe(args))
	case "serve":
		serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
		configPath := serveCmd.String("config", configDefault(), "Path to config file")
		_ = serveCmd.Parse(args)
		if serveCmd.NArg() > 0 {
			*configPath = serveCmd.Arg(0)
		}
		runAgent(*configPath)
	case "echo":
		echoCmd := flag.NewFlagSet("echo", flag.ExitOnError)
		port := echoCmd.Int("port", protocol.DefaultPort, "Port to answer udp and tcp probes on")
		bind := echoCmd.String("bind", "", "Address to bind")
		logLevel := echoCmd.String("log-level", "info", "Log level")
		_ = echoCmd.Parse(args)
		runEcho(*bind, *port, *logLevel)
	case "check":
		checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
		configPath := checkCmd.String("config", configDefault(), "Path to config file")
		_ = checkCmd.Parse(args)
		if checkCmd.NArg() > 0 {
			*configPath = checkCmd.Arg(0)
		}
		checkConfig(*configPath)
	case "help", "-h", "--help":
		printHelp()
	case "version", "-v", "--version":
		fmt.Println(version.Version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printHelp()
		os.Exit(2)
	}
}

func configDefault() string {
	if path := os.Getenv("NQPROBE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func runAgent(configPath string) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	logger := util.NewLogger(cfg.Log.Level, cfg.Log.Format)
	supervisor := app.NewSupervisor(configPath, logger)
	if err := supervisor.Start(); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			logger.Info("reload requested")
			if err := supervisor.Restart(); err != nil {
				logger.Error("reload failed", "error", err)
				os.Exit(1)
			}
			continue
		}
		break
	}
	logger.Info("shutdown requested")
	supervisor.Stop()
}

func runEcho(bind string, port int, logLevel string) {
	logger := util.NewLogger(logLevel, "text")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	server := echo.New(echo.Config{BindAddr: bind, Port: port}, logger)
	if err := server.Run(ctx); err != nil {
		logger.Error("echo responder failed", "error", err)
		os.Exit(1)
	}
}

func checkConfig(path string) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("config valid: %d targets, schedule every %s\n", len(cfg.Targets), cfg.Schedule.Interval.Duration())
}

func printHelp() {
	fmt.Print(`nqprobe - active network quality prober

Usage:
  nqprobe run [flags] <target>       Probe a target once and print the report
  nqprobe serve --config <path>      Probe configured targets on a schedule
  nqprobe echo [-port N] [-bind a]   Answer udp and tcp probes
  nqprobe check --config <path>      Validate config file
  nqprobe help                       Show this help
  nqprobe version                    Print version

The config path defaults to $NQPROBE_CONFIG, then config.yaml. A .env file in
the working directory is loaded first.
`)
}
