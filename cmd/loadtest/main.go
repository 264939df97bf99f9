package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/aeolun/fedchat/pkg/client"
	"github.com/aeolun/fedchat/pkg/logging"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

const (
	joinTimeout    = 5 * time.Second
	pingTimeout    = 10 * time.Second
	joinedMarker   = "=== Successfully joined chat ==="
	userListMarker = "=== Online Users ==="
	pingEvery      = 3
)

// generateUsername returns a short unique bot name
func generateUsername() string {
	return "bot-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// randomMessage returns 5-20 lorem words
func randomMessage(r *rand.Rand) string {
	n := 5 + r.Intn(16)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[r.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// Stats tracks load test counters
type Stats struct {
	messagesPosted    atomic.Int64
	messagesReceived  atomic.Int64
	messagesFailed    atomic.Int64
	connectionErrors  atomic.Int64
	timeouts          atomic.Int64
	disconnections    atomic.Int64
	pings             atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
}

func (s *Stats) recordPing(rtt time.Duration) {
	s.pings.Add(1)
	s.totalResponseTime.Add(rtt.Microseconds())
}

func (s *Stats) snapshot() (posted, received, failed, connErrors int64, avgResponseUs float64) {
	posted = s.messagesPosted.Load()
	received = s.messagesReceived.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()
	if pings := s.pings.Load(); pings > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(pings)
	}
	return
}

// BotClient is a scripted chat user
type BotClient struct {
	id       int
	username string
	conn     *client.Connection
	stats    *Stats
	rng      *rand.Rand
	log      *zap.Logger

	// lines not consumed by a pending wait are counted here
	pingReply chan struct{}
	joined    chan struct{}
	lost      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewBotClient(id int, serverAddr string, stats *Stats, log *zap.Logger) (*BotClient, error) {
	conn, err := client.NewConnection(serverAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}

	return &BotClient{
		id:        id,
		username:  generateUsername(),
		conn:      conn,
		stats:     stats,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
		log:       log.With(zap.Int("bot", id)),
		pingReply: make(chan struct{}, 1),
		joined:    make(chan struct{}),
		lost:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Connect dials the server and joins under the bot's username
func (bc *BotClient) Connect() error {
	if err := bc.conn.Connect(); err != nil {
		bc.stats.connectionErrors.Add(1)
		return err
	}

	bc.wg.Add(1)
	go bc.readLoop()

	select {
	case <-bc.joined:
		return nil
	case <-bc.lost:
		bc.stats.connectionErrors.Add(1)
		return fmt.Errorf("connection closed before join")
	case <-time.After(joinTimeout):
		bc.stats.connectionErrors.Add(1)
		return fmt.Errorf("timeout waiting to join")
	}
}

// readLoop consumes server output: answers the prompt, counts chat lines and signals pings
func (bc *BotClient) readLoop() {
	defer bc.wg.Done()

	joined := false
	for {
		select {
		case line := <-bc.conn.Incoming():
			p := client.ParseLine(line)
			switch {
			case p.Kind == client.KindPrompt:
				if err := bc.conn.Send(bc.username); err != nil {
					bc.log.Debug("failed to send username", zap.Error(err))
				}
			case !joined && p.Raw == joinedMarker:
				joined = true
				close(bc.joined)
			case p.Raw == userListMarker:
				select {
				case bc.pingReply <- struct{}{}:
				default:
				}
			case p.Kind == client.KindPublic:
				bc.stats.messagesReceived.Add(1)
			}
		case update := <-bc.conn.StateChanges():
			if update.State == client.StateTypeDisconnected {
				close(bc.lost)
				return
			}
		case <-bc.done:
			return
		}
	}
}

// Stop closes the connection and waits for the read loop
func (bc *BotClient) Stop() {
	bc.stopOnce.Do(func() {
		close(bc.done)
		bc.conn.Close()
		bc.wg.Wait()
	})
}

// ping sends /list and waits for the user list header
func (bc *BotClient) ping() error {
	// Drop a stale reply from an earlier timed-out ping
	select {
	case <-bc.pingReply:
	default:
	}

	start := time.Now()
	if err := bc.conn.Send("/list"); err != nil {
		return err
	}

	select {
	case <-bc.pingReply:
		bc.stats.recordPing(time.Since(start))
		return nil
	case <-bc.lost:
		bc.stats.disconnections.Add(1)
		return fmt.Errorf("connection closed")
	case <-time.After(pingTimeout):
		bc.stats.timeouts.Add(1)
		return fmt.Errorf("timeout waiting for user list")
	}
}

// PostRandomMessage sends one public message
func (bc *BotClient) PostRandomMessage() error {
	if err := bc.conn.Send(randomMessage(bc.rng)); err != nil {
		bc.stats.messagesFailed.Add(1)
		return err
	}
	bc.stats.messagesPosted.Add(1)
	return nil
}

// Run posts until ctx is done or duration passes, then leaves with /quit
func (bc *BotClient) Run(ctx context.Context, duration, minDelay, maxDelay, shutdownDelay time.Duration) {
	defer bc.Stop()

	deadline := time.After(duration)
	for iteration := 1; ; iteration++ {
		if err := bc.PostRandomMessage(); err != nil {
			bc.log.Debug("post failed", zap.Error(err))
		}
		if iteration%pingEvery == 0 {
			if err := bc.ping(); err != nil {
				bc.log.Debug("ping failed", zap.Error(err))
			}
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(bc.rng.Int63n(int64(maxDelay - minDelay)))
		}

		select {
		case <-ctx.Done():
			return
		case <-bc.lost:
			return
		case <-deadline:
			// Stagger shutdown to avoid a thundering herd of departures
			if shutdownDelay > 0 {
				select {
				case <-time.After(shutdownDelay):
				case <-ctx.Done():
				}
			}
			_ = bc.conn.Send("/quit")
			time.Sleep(100 * time.Millisecond)
			return
		case <-time.After(delay):
		}
	}
}

// loadTestConfig holds one run's parameters
type loadTestConfig struct {
	server   string
	clients  int
	duration time.Duration
	minDelay time.Duration
	maxDelay time.Duration
}

// runLoadTest starts the bots and waits for them to finish
func runLoadTest(ctx context.Context, cfg loadTestConfig, stats *Stats, log *zap.Logger) {
	rampUp := cfg.duration / 4
	stagger := max(rampUp/time.Duration(cfg.clients), time.Millisecond)

	var wg sync.WaitGroup

	for i := 0; i < cfg.clients; i++ {
		shutdownDelay := stagger * time.Duration(cfg.clients-i-1)

		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			bot, err := NewBotClient(id, cfg.server, stats, log)
			if err != nil {
				stats.connectionErrors.Add(1)
				return
			}
			if err := bot.Connect(); err != nil {
				log.Debug("bot failed to join", zap.Int("bot", id), zap.Error(err))
				bot.Stop()
				return
			}
			if id%100 == 0 {
				log.Info("bot connected", zap.Int("bot", id), zap.String("username", bot.username))
			}
			bot.Run(ctx, cfg.duration, cfg.minDelay, cfg.maxDelay, shutdownDelay)
		}(i)

		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-time.After(stagger):
		}
	}

	wg.Wait()
}

func main() {
	app := cli.NewApp()
	app.Name = "fedchat-loadtest"
	app.Usage = "Drive many concurrent chat clients against a server"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "server", Value: "localhost:8080", Usage: "Server address (host:port or ws://host:port)"},
		cli.IntFlag{Name: "clients", Value: 10, Usage: "Number of concurrent clients"},
		cli.DurationFlag{Name: "duration", Value: time.Minute, Usage: "Test duration"},
		cli.DurationFlag{Name: "min-delay", Value: 100 * time.Millisecond, Usage: "Minimum delay between posts"},
		cli.DurationFlag{Name: "max-delay", Value: time.Second, Usage: "Maximum delay between posts"},
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn or error"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger, err := logging.NewLogger(c.String("log-level"), "console")
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg := loadTestConfig{
		server:   c.String("server"),
		clients:  c.Int("clients"),
		duration: c.Duration("duration"),
		minDelay: c.Duration("min-delay"),
		maxDelay: c.Duration("max-delay"),
	}
	if cfg.clients <= 0 {
		return fmt.Errorf("clients must be positive")
	}
	if cfg.maxDelay < cfg.minDelay {
		return fmt.Errorf("max-delay must not be below min-delay")
	}

	logger.Info("starting load test",
		zap.String("server", cfg.server),
		zap.Int("clients", cfg.clients),
		zap.Duration("duration", cfg.duration),
		zap.Duration("min_delay", cfg.minDelay),
		zap.Duration("max_delay", cfg.maxDelay))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats := &Stats{}
	done := make(chan struct{})
	start := time.Now()

	go func() {
		defer close(done)
		runLoadTest(ctx, cfg, stats, logger)
	}()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			report(logger, stats, time.Since(start), cfg)
			return nil
		case <-ticker.C:
			posted, received, failed, connErrors, avgUs := stats.snapshot()
			logger.Info("progress",
				zap.Int64("posted", posted),
				zap.Int64("received", received),
				zap.Int64("failed", failed),
				zap.Int64("connection_errors", connErrors),
				zap.Float64("avg_round_trip_ms", avgUs/1000))
		}
	}
}

func report(logger *zap.Logger, stats *Stats, elapsed time.Duration, cfg loadTestConfig) {
	posted, received, failed, connErrors, avgUs := stats.snapshot()

	avgDelay := (cfg.minDelay + cfg.maxDelay) / 2
	var expected float64
	if avgDelay > 0 {
		expected = float64(cfg.duration) / float64(avgDelay) * float64(cfg.clients)
	}

	fields := []zap.Field{
		zap.Duration("elapsed", elapsed.Truncate(time.Millisecond)),
		zap.Int64("posted", posted),
		zap.Float64("posted_per_sec", float64(posted)/elapsed.Seconds()),
		zap.Int64("received", received),
		zap.Int64("failed", failed),
		zap.Int64("timeouts", stats.timeouts.Load()),
		zap.Int64("disconnections", stats.disconnections.Load()),
		zap.Int64("connection_errors", connErrors),
		zap.Float64("avg_round_trip_ms", avgUs/1000),
	}
	if expected > 0 {
		fields = append(fields, zap.Float64("efficiency_pct", float64(posted)/expected*100))
	}
	logger.Info("load test finished", fields...)
}
