package bugreports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/Harmiox/discord-bugreports/bugreports.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// Bot is the main application struct: it wires the Discord gateway, the
// database, the report collector and the backend API together, and owns
// their lifecycles.
type Bot struct {
	config *Config

	// Pointer to a read-only GORM connection. This is from an
	// overabundance of caution for using SQLite.
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations. The only
	// difference between this and [Bot.db] is that, when using sqlite,
	// a mutex is used.
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Provides the back-end API
	api *API

	// Orchestrates report conversations
	collector *ReportCollector

	// At most one active conversation per user
	registry *ConversationRegistry

	// Cached per-guild question list / reports channel
	settings *GuildSettingsCache

	// Persistence for completed reports
	store ReportStore

	// Cross-instance settings reload / stop signals
	notifier SettingsNotifier

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished starting
	// all components
	signalReady chan struct{}

	// A signal is sent on this channel when [Bot.shutdown] finishes
	eventShutdown chan struct{}

	// triggerSettingsRefreshCh drops the guild settings cache when a
	// value arrives (from the API, or a postgres NOTIFY)
	triggerSettingsRefreshCh chan bool

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time
}

// New creates and initializes a new Bot instance from the given
// configuration: loggers per component, the Discord integration and the
// API server. Call Run on the result to start it.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:                   config,
		signalReady:              make(chan struct{}, 1),
		eventShutdown:            make(chan struct{}, 1),
		triggerSettingsRefreshCh: make(chan bool, 1),
		registry:                 NewConversationRegistry(),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.LogLevel,
			AddSource: true,
		},
	)

	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.config.Discord.httpClient = b.config.HTTPClient

	disc, err := newDiscord(b.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if disc != nil {
		disc.logger = slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     b.config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord")
	}
	b.discord = disc

	api, err := newAPI(b, config.API)
	errs = append(errs, err)
	b.api = api

	return b, errors.Join(errs...)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

func (b *Bot) getLogger(ctx context.Context) (context.Context, *slog.Logger) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// Run starts the bot: database initialization, the API server, the
// Discord gateway connection and the settings listeners. It blocks until
// the given context is cancelled or a stop signal arrives, then shuts
// down gracefully.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newSettingsNotifier(b)
	if err != nil {
		logger.Error("error creating settings notifier", tint.Err(err))
		return err
	}
	b.notifier = notifier

	ctx = WithLogger(ctx, logger)

	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))
	if b.signalReady == nil {
		b.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			b.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			b.logger.Warn("context canceled, sending stop signal")
			b.signalStop <- struct{}{}
			return
		}
	}()

	go func() {
		httpErr := b.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			b.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case e := <-initErr:
		if e != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(e))
			if b.api != nil && b.api.listener != nil {
				go func() {
					if closeErr := b.api.listener.Close(); closeErr != nil {
						logger.ErrorContext(
							ctx,
							"error closing listener",
							tint.Err(closeErr),
						)
					}
				}()
			}
			return e
		}
		logger.InfoContext(ctx, "init complete")
	}

	if discErr := b.initDiscordSession(ctx, runtimeWG); discErr != nil {
		b.logger.ErrorContext(
			ctx,
			"error creating discord session",
			tint.Err(discErr),
		)
		return discErr
	}

	b.logger.InfoContext(ctx, "connecting to discord")
	if openErr := b.discord.session.Open(); openErr != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(openErr))
		return fmt.Errorf("error connecting to discord: %w", openErr)
	}

	b.startSettingsRefresher(ctx, runtimeWG)

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := b.notifier.Listen(
			ctx,
			b.notifier.SettingsChannelName(),
		); e != nil {
			b.logger.ErrorContext(
				ctx,
				"error listening to settings channel",
				tint.Err(e),
			)
		}
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := b.notifier.Listen(ctx, b.notifier.StopChannelName()); e != nil {
			b.logger.ErrorContext(
				ctx,
				"error listening to stop channel",
				tint.Err(e),
			)
		}
	}()

	b.signalReady <- struct{}{}
	b.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return b.shutdown(ctx, runtimeWG)
}

// initRun initializes the database and the components built on it: the
// user cache, guild settings cache, report store and collector.
func (b *Bot) initRun(ctx context.Context) error {
	b.logger.Debug("initializing DB...")
	if err := b.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.logger.Debug("finished initializing DB")

	users := b.writeDB.LoadUsers()
	b.logger.InfoContext(ctx, "loaded users", "count", len(users))

	b.settings = NewGuildSettingsCache(b.db, b.writeDB, b.logger)
	b.store = NewReportStore(b.db, b.writeDB, b.logger)

	return nil
}

// initDB opens the database connection, runs migrations, and assigns the
// read and write handles.
func (b *Bot) initDB(ctx context.Context) error {
	db, err := CreateDB(ctx, b.config.DatabaseType, b.config.Database)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	gormLogger := newGORMLogger(handler, b.config.DatabaseSlowThreshold)
	db.Logger = gormLogger

	b.db = db
	b.writeDB = NewDatabase(
		db,
		nil,
		b.config.DatabaseType == dbTypePostgres,
	)
	return nil
}

// initDiscordSession creates the gateway session if needed, builds the
// report collector on top of it, and registers the gateway handlers.
func (b *Bot) initDiscordSession(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	logger := b.logger.With(loggerNameKey, "discord_session")

	if b.discord.session == nil {
		disc, discErr := b.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		b.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	if b.collector == nil {
		b.collector = NewReportCollector(
			b.config.Reports,
			b.config.Discord.GuildID,
			b.registry,
			b.store,
			b.settings,
			b.discord.session,
			b.writeDB,
			b.logger,
		)
	}

	if len(b.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range b.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleMessageCreate(ctx, m)
				}()
			},
		),
	}

	return nil
}

// handleMessageCreate routes inbound messages. Only direct messages
// reach the collector; guild channel traffic is ignored.
func (b *Bot) handleMessageCreate(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	ctx, logger := b.getLogger(ctx)

	if m == nil || m.Author == nil {
		return
	}
	if m.GuildID != "" {
		logger.DebugContext(
			ctx,
			"ignoring guild message",
			"guild_id", m.GuildID,
		)
		return
	}
	b.collector.HandleMessage(ctx, m)
}

// startSettingsRefresher drops the guild settings cache whenever a
// refresh signal arrives (from the API or a postgres NOTIFY).
func (b *Bot) startSettingsRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				b.logger.Info("context canceled, stopping settings refresher")
				return
			case <-b.triggerSettingsRefreshCh:
				b.logger.Info("reloading guild settings cache")
				b.settings.InvalidateAll()
			}
		}
	}()
}

func (b *Bot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	b.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if b.eventShutdown != nil {
			go func() {
				b.eventShutdown <- struct{}{}
			}()
		}
	}()

	shutdownStart := time.Now()
	shutdownTimeout := b.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		b.logger.Warn("immediate shutdown")
		go func() {
			_ = b.api.httpServer.Close()
		}()
		if b.discord != nil && b.discord.session != nil {
			_ = b.discord.session.Close()
		}
		return nil
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		// in-flight conversations first, then everything they spawned
		b.collector.Wait()
		runtimeWG.Wait()

		g := new(errgroup.Group)
		g.Go(
			func() error {
				if b.discord != nil && b.discord.session != nil {
					if closeErr := b.discord.session.Close(); closeErr != nil {
						return fmt.Errorf(
							"error closing discord session: %w",
							closeErr,
						)
					}
				}
				return nil
			},
		)
		g.Go(
			func() error {
				if b.api != nil && b.api.httpServer != nil {
					if apiErr := b.api.httpServer.Shutdown(closeCtx); apiErr != nil {
						return fmt.Errorf(
							"error shutting down api server: %w",
							apiErr,
						)
					}
				}
				return nil
			},
		)
		if stopErr := g.Wait(); stopErr != nil {
			b.logger.Error("error stopping services", tint.Err(stopErr))
		}
		gracefulShutdownCh <- struct{}{}
	}()

	select {
	case <-gracefulShutdownCh:
		b.logger.Info(
			"graceful shutdown complete",
			"duration", time.Since(shutdownStart),
		)
		return nil
	case <-closeCtx.Done():
		b.logger.Warn("shutdown deadline passed, forcing exit")
		if b.api != nil && b.api.httpServer != nil {
			_ = b.api.httpServer.Close()
		}
		return fmt.Errorf("shutdown timed out after %s", shutdownTimeout)
	}
}
