// Command watchtowerd runs the Wazuh security assistant service: alert
// ingest, archive, retrieval, chat API, Telegram bot, and alert monitor.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelsec/watchtower"
	"github.com/kestrelsec/watchtower/alert"
	"github.com/kestrelsec/watchtower/archive"
	"github.com/kestrelsec/watchtower/bridge"
	"github.com/kestrelsec/watchtower/cag"
	"github.com/kestrelsec/watchtower/frontend/telegram"
	"github.com/kestrelsec/watchtower/ingest"
	"github.com/kestrelsec/watchtower/internal/config"
	"github.com/kestrelsec/watchtower/observer"
	"github.com/kestrelsec/watchtower/provider/openaicompat"
	"github.com/kestrelsec/watchtower/report"
	"github.com/kestrelsec/watchtower/retrieve"
	"github.com/kestrelsec/watchtower/semindex"
	"github.com/kestrelsec/watchtower/session"
	sessionpg "github.com/kestrelsec/watchtower/session/postgres"
	"github.com/kestrelsec/watchtower/toolsrv"
	"github.com/kestrelsec/watchtower/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "watchtowerd:", err)
		os.Exit(1)
	}
}

// sessionStore is the union of the store surface main wires together.
// Both the sqlite and postgres stores satisfy it.
type sessionStore interface {
	web.SessionStore
	bridge.SessionStore
	UserByUsername(ctx context.Context, username string) (watchtower.User, error)
	Close() error
}

// lazyNotifier defers the notification transport until the bot exists.
// With no transport configured sends fail; the monitor only sends when a
// subscriber exists, which also requires the bot.
type lazyNotifier struct {
	mu    sync.Mutex
	inner watchtower.Notifier
}

func (l *lazyNotifier) set(n watchtower.Notifier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inner = n
}

func (l *lazyNotifier) SendMessage(ctx context.Context, recipient, text string) error {
	l.mu.Lock()
	inner := l.inner
	l.mu.Unlock()
	if inner == nil {
		return watchtower.E(watchtower.KindUpstreamUnavailable, "notify", "no notification transport configured", nil)
	}
	return inner.SendMessage(ctx, recipient, text)
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()}))

	cfgPath := os.Getenv("WATCHTOWER_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return watchtower.E(watchtower.KindConfigMissing, "main", "invalid configuration", err)
	}
	if cfgPath == "" {
		cfgPath = "watchtower.json"
	}
	handle := config.NewHandle(cfg, cfgPath)

	// Observability is optional; it activates only when an OTLP endpoint is
	// configured in the environment.
	var inst *observer.Instruments
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			return fmt.Errorf("init observability: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("observability shutdown failed", "error", err)
			}
		}()
	}

	// Providers
	var provider watchtower.Provider = openaicompat.NewProvider(
		cfg.Model.APIKey, cfg.Model.Name, cfg.Model.BaseURL,
		openaicompat.WithTemperature(cfg.Model.Temperature),
		openaicompat.WithMaxTokens(cfg.Model.MaxTokens),
		openaicompat.WithProviderLogger(logger),
	)
	if inst != nil {
		provider = observer.WrapProvider(provider, cfg.Model.Name, inst)
	}
	provider = watchtower.WithRetry(provider, watchtower.RetryLogger(logger))

	var embedder watchtower.EmbeddingProvider = openaicompat.NewEmbeddingClient(
		cfg.Model.APIKey, cfg.Retrieval.EmbeddingModel, cfg.Retrieval.EmbeddingBaseURL,
		cfg.Retrieval.VectorDim,
	)
	if inst != nil {
		embedder = observer.WrapEmbedding(embedder, cfg.Retrieval.EmbeddingModel, inst)
	}
	embedder = watchtower.WithEmbeddingRetry(embedder, watchtower.RetryLogger(logger))

	if err := probeModel(ctx, provider, logger); err != nil {
		return watchtower.E(watchtower.KindUpstreamUnavailable, "main", "model endpoint unreachable", err)
	}

	// Stores
	archiveStore := archive.New(cfg.Database.ArchivePath, archive.WithLogger(logger))
	if err := archiveStore.Init(ctx); err != nil {
		return fmt.Errorf("init archive: %w", err)
	}
	defer archiveStore.Close()

	sessions, err := openSessionStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init session store: %w", err)
	}
	defer sessions.Close()

	// Retrieval stack
	idx := semindex.New(archiveStore, embedder,
		semindex.WithWindow(cfg.Retrieval.IndexWindow),
		semindex.WithBatchSize(cfg.Performance.EmbedBatchSize),
		semindex.WithLogger(logger),
	)
	go func() {
		if err := idx.Build(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("semantic index build failed; retrieval degrades to keyword matching", "error", err)
		}
	}()

	cagBuilder := cag.New(archiveStore,
		cag.WithWindowDays(cfg.Retrieval.CAGWindowDays),
		cag.WithTokenBudget(cfg.Retrieval.CAGTokenBudget),
		cag.WithLogger(logger),
	)

	searcher := retrieve.NewSearcher(archiveStore,
		retrieve.WithIndex(idx),
		retrieve.WithExpander(provider),
		retrieve.WithLogger(logger),
	)

	// Tool server: a watchtower-tools child process when available,
	// otherwise an in-process pipe over the same registry.
	toolClient, toolCleanup, err := connectToolServer(ctx, cfg, archiveStore, searcher, logger)
	if err != nil {
		return fmt.Errorf("start tool server: %w", err)
	}
	defer toolCleanup()

	loop := bridge.NewLoop(provider, toolClient, sessions,
		bridge.WithContextSource(cagBuilder),
		bridge.WithMaxIterations(cfg.Performance.MaxDispatchIterations),
		bridge.WithLogger(logger),
	)

	// Alerting + Telegram. The bot subscribes through the monitor and the
	// monitor notifies through the bot; the lazy notifier breaks the cycle.
	notifier := &lazyNotifier{}
	alertConfig := func() alert.Config {
		c := handle.Current()
		return alert.Config{
			PollInterval:  time.Duration(c.Alerts.PollIntervalSeconds) * time.Second,
			MinLevel:      c.Thresholds.MediumLevel,
			CriticalLevel: c.Thresholds.CriticalLevel,
			HighLevel:     c.Thresholds.HighLevel,
			SubscriberCap: c.Thresholds.SubscriberCap,
			DeliveredCap:  c.Thresholds.DeliveredRetention,
			DeliveredKeep: c.Thresholds.DeliveredKeepOnEvict,
			MaxPerHour:    c.Alerts.MaxPerHour,
			Cooldown:      time.Duration(c.Alerts.CooldownSeconds) * time.Second,
		}
	}
	monitor := alert.NewMonitor(archiveStore, notifier, alertConfig(),
		alert.WithConfigSource(alertConfig), alert.WithLogger(logger))
	defer monitor.Stop()

	var bot *telegram.Bot
	if cfg.Security.TelegramToken != "" {
		answer := &telegramAnswerer{loop: loop, sessions: sessions, chats: map[string]string{}}
		bot = telegram.NewBot(cfg.Security.TelegramToken, monitor, answer,
			telegram.WithLogger(logger),
			telegram.WithStatusReporter(&statusSource{store: archiveStore, index: idx}),
		)
		notifier.set(bot)
	}

	// Ingest
	tailer, err := ingest.NewDockerTailer(cfg.Network.ContainerName, cfg.Network.ArchivesPath,
		ingest.WithTailerLogger(logger))
	if err != nil {
		return fmt.Errorf("connect docker: %w", err)
	}
	defer tailer.Close()
	pipeline := ingest.NewPipeline(tailer, archiveStore,
		ingest.WithInterval(time.Duration(cfg.Performance.IngestIntervalSeconds)*time.Second),
		ingest.WithTailLines(cfg.Performance.IngestTailLines),
		ingest.WithLogger(logger),
	)

	// Web
	api := web.NewServer(sessions, loop, toolClient, archiveStore, handle,
		web.WithLogger(logger),
		web.WithIndexStatus(idx),
		web.WithSubscribers(monitor),
	)
	httpSrv := &http.Server{
		Addr:              cfg.Network.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Network.ListenAddr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	g.Go(func() error { return pipeline.Run(gctx) })
	g.Go(func() error {
		// keep the semantic index tracking fresh ingest
		err := idx.Follow(gctx, time.Duration(cfg.Performance.IngestIntervalSeconds)*time.Second)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if bot != nil {
		g.Go(func() error {
			err := bot.Poll(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	if cfg.Reports.Enabled {
		if err := report.ParseSchedule(cfg.Reports.Schedule); err != nil {
			return err
		}
		if bot != nil {
			sched := report.NewScheduler(archiveStore, monitor, bot, cfg.Reports.Schedule,
				report.WithSynthesis(provider),
				report.WithThresholds(report.Thresholds{
					Critical: cfg.Thresholds.CriticalLevel,
					High:     cfg.Thresholds.HighLevel,
					Medium:   cfg.Thresholds.MediumLevel,
				}),
				report.WithLogger(logger),
			)
			g.Go(func() error {
				err := sched.Run(gctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		} else {
			logger.Warn("reports enabled but no notification transport is configured")
		}
	}

	logger.Info("watchtowerd started")
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("watchtowerd stopped")
	return err
}

func logLevel() slog.Level {
	if os.Getenv("WATCHTOWER_DEBUG") != "" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// probeModel verifies the chat endpoint responds before serving traffic.
// An unreachable model at startup is fatal.
func probeModel(ctx context.Context, p watchtower.Provider, logger *slog.Logger) error {
	pctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err := p.Chat(pctx, watchtower.ChatRequest{
		Messages: []watchtower.ChatMessage{watchtower.UserMessage("ping")},
	})
	if err != nil {
		return err
	}
	logger.Info("model endpoint ready", "provider", p.Name())
	return nil
}

// pgStore pairs the postgres session store with its caller-owned pool.
type pgStore struct {
	*sessionpg.Store
	pool *pgxpool.Pool
}

func (p pgStore) Close() error {
	p.pool.Close()
	return nil
}

func openSessionStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (sessionStore, error) {
	if dsn := cfg.Database.SessionDSN; dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := sessionpg.New(pool, sessionpg.WithLogger(logger),
			sessionpg.WithBcryptCost(cfg.Security.BcryptCost),
			sessionpg.WithTokenTTL(time.Duration(cfg.Security.SessionTokenTTL)*time.Second),
		)
		if err := store.Init(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pgStore{Store: store, pool: pool}, nil
	}
	store := session.New(cfg.Database.SessionPath, session.WithLogger(logger),
		session.WithBcryptCost(cfg.Security.BcryptCost),
		session.WithTokenTTL(time.Duration(cfg.Security.SessionTokenTTL)*time.Second),
	)
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// connectToolServer spawns the watchtower-tools child process when the
// binary is on PATH; otherwise it serves the tool registry over an
// in-process pipe.
func connectToolServer(ctx context.Context, cfg config.Config, store *archive.Store, searcher *retrieve.Searcher, logger *slog.Logger) (*bridge.Client, func(), error) {
	if path, err := exec.LookPath("watchtower-tools"); err == nil {
		cmd := exec.CommandContext(ctx, path)
		cmd.Env = append(os.Environ(), "WATCHTOWER_ARCHIVE_PATH="+cfg.Database.ArchivePath)
		cmd.Stderr = os.Stderr
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, nil, err
		}
		logger.Info("tool server started", "path", path, "pid", cmd.Process.Pid)
		cleanup := func() {
			stdin.Close()
			_ = cmd.Wait()
		}
		return bridge.NewClient(stdout, stdin), cleanup, nil
	}

	logger.Info("watchtower-tools not found on PATH; serving tools in process")
	registry := watchtower.NewToolRegistry()
	registry.Add(toolsrv.NewSecurityTools(store, searcher))

	clientRead, serverWrite := io.Pipe()
	serverRead, clientWrite := io.Pipe()
	srv := toolsrv.NewServer(registry, toolsrv.WithStreams(serverRead, serverWrite), toolsrv.WithLogger(logger))
	go func() {
		if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("in-process tool server exited", "error", err)
		}
	}()
	cleanup := func() {
		clientWrite.Close()
		serverWrite.Close()
	}
	return bridge.NewClient(clientRead, clientWrite), cleanup, nil
}

// telegramAnswerer routes free-form Telegram messages through the dispatch
// loop, one persistent session per chat.
type telegramAnswerer struct {
	loop     *bridge.Loop
	sessions sessionStore

	mu    sync.Mutex
	chats map[string]string // chat id -> session id
	owner string            // telegram system user id
}

func (a *telegramAnswerer) Answer(ctx context.Context, chatID, text string) (string, error) {
	sessionID, err := a.sessionFor(ctx, chatID)
	if err != nil {
		return "", err
	}
	reply, err := a.loop.Run(ctx, sessionID, text)
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

func (a *telegramAnswerer) sessionFor(ctx context.Context, chatID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.chats[chatID]; ok {
		return id, nil
	}
	if a.owner == "" {
		user, err := a.sessions.CreateUser(ctx, "telegram", "", watchtower.NewID(), "Telegram transport")
		if watchtower.KindOf(err) == watchtower.KindConflict {
			user, err = a.sessions.UserByUsername(ctx, "telegram")
		}
		if err != nil {
			return "", err
		}
		a.owner = user.ID
	}
	sess, err := a.sessions.CreateSession(ctx, a.owner, "telegram "+chatID)
	if err != nil {
		return "", err
	}
	a.chats[chatID] = sess.ID
	return sess.ID, nil
}

// statusSource renders the /status body for the Telegram bot.
type statusSource struct {
	store *archive.Store
	index *semindex.Index
}

func (s *statusSource) Status(ctx context.Context) (string, error) {
	total, err := s.store.TotalCount(ctx)
	if err != nil {
		return "", err
	}
	wm, err := s.store.Watermark(ctx)
	if err != nil {
		return "", err
	}
	indexState := "building"
	if s.index.Ready() {
		indexState = "ready"
	}
	return fmt.Sprintf("Archive: %d events\nWatermark: %s\nSemantic index: %s",
		total, wm.Timestamp, indexState), nil
}
