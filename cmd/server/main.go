package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/aeolun/fedchat/pkg/logging"
	"github.com/aeolun/fedchat/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	app := cli.NewApp()
	app.Name = "fedchat-server"
	app.Usage = "Federated text chat server"
	app.Version = Version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config,c",
			Usage: "Path to config file",
			Value: "~/.fedchat/config.toml",
		},
		cli.IntFlag{
			Name:  "port,p",
			Usage: "TCP chat port (overrides config)",
		},
		cli.IntFlag{
			Name:  "max-clients,m",
			Usage: "Maximum concurrent clients (overrides config)",
		},
		cli.IntFlag{
			Name:  "http-port",
			Usage: "Admin HTTP and WebSocket port, -1 disables (overrides config)",
		},
		cli.IntFlag{
			Name:  "ssh-port",
			Usage: "SSH chat port, -1 disables (overrides config)",
		},
		cli.StringFlag{
			Name:  "db",
			Usage: "Path to SQLite database (overrides config)",
		},
		cli.StringFlag{
			Name:  "server-name",
			Usage: "Name shown to clients and peers (overrides config)",
		},
		cli.BoolFlag{
			Name:  "federation,f",
			Usage: "Enable server-to-server federation",
		},
		cli.IntFlag{
			Name:  "interserver-port",
			Usage: "Federation port (overrides config)",
		},
		cli.StringSliceFlag{
			Name:  "peer",
			Usage: "Peer host:port to dial on startup (repeatable)",
		},
		cli.StringFlag{
			Name:   "network-password",
			Usage:  "Shared federation password (overrides config)",
			EnvVar: "FEDCHAT_NETWORK_PASSWORD",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn or error (overrides config)",
		},
		cli.StringFlag{
			Name:  "log-format",
			Usage: "json or console (overrides config)",
		},
		cli.BoolFlag{
			Name:  "no-console",
			Usage: "Do not read operator commands from stdin",
		},
		cli.StringFlag{
			Name:  "pprof",
			Usage: "Serve pprof on this address, e.g. localhost:6060",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// applyFlags lets command line flags override the config file
func applyFlags(c *cli.Context, config *server.TOMLConfig) {
	if c.IsSet("port") {
		config.Server.TCPPort = c.Int("port")
	}
	if c.IsSet("max-clients") {
		config.Server.MaxClients = c.Int("max-clients")
	}
	if c.IsSet("http-port") {
		config.Server.HTTPPort = c.Int("http-port")
	}
	if c.IsSet("ssh-port") {
		config.Server.SSHPort = c.Int("ssh-port")
	}
	if db := c.String("db"); db != "" {
		config.Server.DatabasePath = db
	}
	if name := c.String("server-name"); name != "" {
		config.Server.ServerName = name
	}
	if c.Bool("federation") {
		config.Federation.Enabled = true
	}
	if c.IsSet("interserver-port") {
		config.Federation.InterserverPort = c.Int("interserver-port")
	}
	if peers := c.StringSlice("peer"); len(peers) > 0 {
		config.Federation.Peers = append(config.Federation.Peers, peers...)
	}
	if pw := c.String("network-password"); pw != "" {
		config.Federation.NetworkPassword = pw
	}
	if level := c.String("log-level"); level != "" {
		config.Logging.Level = level
	}
	if format := c.String("log-format"); format != "" {
		config.Logging.Format = format
	}
}

func resolvePath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	if absPath, err := filepath.Abs(path); err == nil {
		path = absPath
	}
	return path
}

func run(c *cli.Context) error {
	configPath := c.String("config")

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(c, &config)

	logger, err := logging.NewLogger(config.Logging.Level, config.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	dbPath, err := config.GetDatabasePath()
	if err != nil {
		return fmt.Errorf("failed to resolve database path: %w", err)
	}
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	serverConfig := config.ToServerConfig()
	serverConfig.DatabasePath = dbPath

	resolvedConfigPath := resolvePath(configPath)
	logger.Info("configuration loaded",
		zap.String("config", resolvedConfigPath),
		zap.String("database", dbPath),
		zap.String("version", Version))

	srv, err := server.NewServer(serverConfig, server.Options{
		Logger:     logger,
		ConfigPath: resolvedConfigPath,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(); err != nil {
		srv.Stop()
		return fmt.Errorf("failed to start server: %w", err)
	}

	methods := []zap.Field{zap.Int("tcp", serverConfig.TCPPort)}
	if serverConfig.SSHPort > 0 {
		methods = append(methods, zap.Int("ssh", serverConfig.SSHPort))
	}
	if serverConfig.HTTPPort > 0 {
		methods = append(methods, zap.String("websocket", fmt.Sprintf("ws://server:%d/ws", serverConfig.HTTPPort)))
	}
	if fed := srv.Federation(); fed != nil {
		methods = append(methods, zap.String("server_id", fed.ServerID()), zap.Int("interserver", serverConfig.Federation.InterserverPort))
	}
	logger.Info("chat server started", methods...)

	if addr := c.String("pprof"); addr != "" {
		go func() {
			logger.Info("starting pprof server", zap.String("addr", addr))
			if err := http.ListenAndServe(addr, nil); err != nil {
				logger.Warn("pprof server error", zap.Error(err))
			}
		}()
	}

	// Wait for an interrupt or the console's stop command
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !c.Bool("no-console") {
		go func() {
			con := &console{srv: srv, out: os.Stdout, log: logger.Named("console")}
			if con.run(ctx, os.Stdin) {
				stop()
			}
		}()
	}

	<-ctx.Done()

	logger.Info("shutting down server")
	if err := srv.Stop(); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}
	return nil
}
