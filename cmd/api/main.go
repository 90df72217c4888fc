package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-coach/backend/internal/config"
	"github.com/zhouzirui/z-coach/backend/internal/handler"
	handlerSpeech "github.com/zhouzirui/z-coach/backend/internal/handler/speech"
	"github.com/zhouzirui/z-coach/backend/internal/model/scenario"
	"github.com/zhouzirui/z-coach/backend/internal/service/ai"
	chatsvc "github.com/zhouzirui/z-coach/backend/internal/service/chat"
	"github.com/zhouzirui/z-coach/backend/internal/service/notify"
	"github.com/zhouzirui/z-coach/backend/internal/service/review"
	"github.com/zhouzirui/z-coach/backend/internal/service/speech"
	"github.com/zhouzirui/z-coach/backend/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("no .env file, using system environment only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	setupLogger(cfg.Log)

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	notifier := notify.NewNotifier()
	relay, err := newRelay(ctx, cfg.Notify, notifier)
	if err != nil {
		return err
	}
	defer relay.Close()

	// 语音服务
	var speechSvc *speech.Service
	if cfg.Speech.Enabled() {
		speechSvc = speech.NewService(cfg.Speech.Config)
		log.Info().Bool("tts", cfg.Speech.TTSEnabled).Msg("speech service initialized")
	} else {
		log.Info().Msg("语音服务凭证未配置，跳过语音功能初始化")
	}

	producer, err := newProducer(ctx, cfg, speechSvc)
	if err != nil {
		return err
	}

	dispatcher := chatsvc.NewDispatcher(st, producer, relay, chatsvc.DispatcherConfig{
		TurnTimeout:    cfg.AI.TurnTimeout,
		MaxConcurrency: cfg.AI.MaxConcurrency,
	})

	scenarios := scenario.NewMemoryStore(scenario.Seed())
	opts := chatsvc.Options{
		Store:        st,
		Notifier:     notifier,
		Signal:       relay,
		Dispatcher:   dispatcher,
		Scenarios:    scenarios,
		LongPollWait: cfg.Server.LongPollMaxWait,
		HistoryLimit: cfg.AI.HistoryLimit,
	}
	deps := handler.Deps{
		Scenarios:  scenarios,
		AuthTokens: cfg.Auth.Tokens,
		Health: map[string]string{
			"store":  cfg.Store.Driver,
			"ai":     availability(producer != nil),
			"speech": availability(speechSvc != nil),
			"notify": notifyMode(cfg.Notify),
		},
	}
	if speechSvc != nil {
		opts.Transcriber = speechSvc
		deps.Speech = handlerSpeech.SpeechService(speechSvc)
	}
	if cfg.Speech.TTSEnabled {
		deps.AudioDir = cfg.Speech.AudioDir
	}

	chatService, err := chatsvc.NewService(opts)
	if err != nil {
		return err
	}
	deps.Chat = chatService

	if len(cfg.Auth.Tokens) == 0 {
		log.Warn().Msg("AUTH_TOKENS is empty, bearer token is used as user id")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		// 长轮询需要比等待上限更长的写超时
		WriteTimeout: cfg.Server.LongPollMaxWait + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Z Coach backend listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown incomplete")
		}
		dispatcher.Close()
		if err := dispatcher.Wait(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("in-flight turns abandoned at shutdown")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("server stopped")
	return err
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	if cfg.Driver == config.StoreDriverMemory {
		log.Info().Msg("using in-memory turn store")
		return store.NewMemoryStore(), nil
	}
	if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn, err := store.SQLiteDSNForFile(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	st, err := store.NewSQLiteStore(dsn)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", cfg.SQLitePath).Msg("using sqlite turn store")
	return st, nil
}

func newRelay(ctx context.Context, cfg config.NotifyConfig, notifier *notify.Notifier) (*notify.Relay, error) {
	if cfg.RedisAddr == "" {
		return notify.NewInProcessRelay(notifier, cfg.Stream), nil
	}
	relay, err := notify.NewRedisRelay(ctx, notify.RedisSettings{
		Addr:     cfg.RedisAddr,
		Stream:   cfg.Stream,
		Group:    cfg.Group,
		Consumer: cfg.Consumer,
		MaxLen:   cfg.MaxLen,
	}, notifier)
	if err != nil {
		return nil, err
	}
	log.Info().Str("addr", cfg.RedisAddr).Str("stream", cfg.Stream).Msg("completion relay on redis streams")
	return relay, nil
}

// newProducer returns nil when AI is not configured; the dispatcher then
// fails every turn as unavailable.
func newProducer(ctx context.Context, cfg *config.Config, speechSvc *speech.Service) (chatsvc.Producer, error) {
	if !cfg.AI.Enabled() {
		log.Info().Msg("Ark 凭证未配置，助手回复不可用")
		return nil, nil
	}

	chatModel, err := cfg.AI.NewChatModel(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to create chat model, continuing without AI")
		return nil, nil
	}

	reviewer, err := review.NewService(ctx, chatModel, review.Config{
		Enabled:        cfg.AI.ReviewEnabled,
		NativeLanguage: cfg.AI.NativeLanguage,
	})
	if err != nil {
		return nil, err
	}

	opts := ai.Options{
		Reviewer:       reviewer,
		HistoryLimit:   cfg.AI.HistoryLimit,
		NativeLanguage: cfg.AI.NativeLanguage,
	}
	if speechSvc != nil && cfg.Speech.TTSEnabled {
		opts.Synthesizer = speechSvc
		opts.AudioDir = cfg.Speech.AudioDir
	}

	coach, err := ai.NewCoach(ctx, chatModel, opts)
	if err != nil {
		return nil, err
	}
	log.Info().Str("model", cfg.AI.Model).Bool("review_llm", reviewer.Enabled()).Msg("AI coach initialized")
	return coach, nil
}

func availability(ok bool) string {
	if ok {
		return "enabled"
	}
	return "disabled"
}

func notifyMode(cfg config.NotifyConfig) string {
	if cfg.RedisAddr != "" {
		return "redis"
	}
	return "in-process"
}
