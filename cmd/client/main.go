package main

import (
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/aeolun/fedchat/pkg/client"
	"github.com/aeolun/fedchat/pkg/client/ui"
	"github.com/aeolun/fedchat/pkg/logging"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	app := cli.NewApp()
	app.Name = "fedchat"
	app.Usage = "Terminal client for the federated chat server"
	app.Version = Version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config,c",
			Usage: "Path to client config file",
			Value: "~/.fedchat/client.toml",
		},
		cli.StringFlag{
			Name:  "server,s",
			Usage: "Server address: host[:port], ws://host[:port] or ssh://[user@]host[:port]",
		},
		cli.StringFlag{
			Name:  "username,u",
			Usage: "Join under this name without prompting",
		},
		cli.BoolFlag{
			Name:  "reconnect",
			Usage: "Reconnect automatically when the connection drops",
		},
		cli.BoolFlag{
			Name:  "no-notify",
			Usage: "Disable desktop notifications for private messages",
		},
		cli.StringFlag{
			Name:  "debug-log",
			Usage: "Write connection debug logs to this file",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	configPath := c.String("config")
	config, err := client.LoadClientConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := c.String("server")
	if addr == "" {
		addr = config.GetServerAddress()
	}

	username := c.String("username")
	if username == "" && config.Local.AutoSetUsername {
		username = config.Local.LastUsername
	}

	logger := zap.NewNop()
	if path := c.String("debug-log"); path != "" {
		logger, err = logging.NewFileLogger(path, "debug")
		if err != nil {
			return err
		}
		defer logger.Sync()
	}

	conn, err := client.NewConnection(addr)
	if err != nil {
		return err
	}
	conn.SetLogger(logger.Named("connection"))
	if c.Bool("reconnect") || config.Connection.AutoReconnect {
		conn.EnableAutoReconnect(time.Duration(config.Connection.ReconnectMaxDelaySeconds) * time.Second)
	}

	fmt.Printf("Connecting to %s...\n", conn.GetAddress())
	if err := conn.Connect(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	opts := ui.Options{
		Username:       username,
		ShowTimestamps: config.UI.ShowTimestamps,
		HistoryLines:   config.UI.HistoryLines,
		OnUsername: func(name string) {
			if err := client.RememberUsername(configPath, name); err != nil {
				logger.Warn("failed to save username", zap.Error(err))
			}
		},
	}
	if config.UI.Notifications && !c.Bool("no-notify") {
		opts.Notifier = client.DesktopNotifier{}
	}

	p := tea.NewProgram(ui.NewModel(conn, opts), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running program: %w", err)
	}
	return nil
}
