package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/webphone/pkg/capture"
	"github.com/arzzra/webphone/pkg/config"
	"github.com/arzzra/webphone/pkg/control"
	"github.com/arzzra/webphone/pkg/logging"
	"github.com/arzzra/webphone/pkg/signaling/sipua"
	"github.com/arzzra/webphone/pkg/softphone"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fs := pflag.NewFlagSet("webphone", pflag.ExitOnError)
	config.BindFlags(fs)
	_ = fs.Parse(os.Args[1:])

	loader, err := config.NewLoader(fs)
	if err != nil {
		l := logging.New(logging.DefaultConfig(), os.Stderr)
		l.Fatal().Err(err).Msg("ошибка инициализации конфигурации")
	}
	cfg, err := loader.Load()
	if err != nil {
		l := logging.New(logging.DefaultConfig(), os.Stderr)
		l.Fatal().Err(err).Msg("ошибка загрузки конфигурации")
	}

	logger := logging.New(cfg.Log, os.Stderr)
	if err := run(ctx, loader, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("webphone остановлен с ошибкой")
		os.Exit(1)
	}
	logger.Info().Msg("webphone остановлен")
}

func run(ctx context.Context, loader *config.Loader, cfg config.Config, logger zerolog.Logger) error {
	capOpts := capture.DefaultOptions()
	capOpts.VideoWidth = cfg.Media.VideoWidth
	capOpts.VideoHeight = cfg.Media.VideoHeight
	capOpts.Logger = logging.Component(logger, "capture")
	capturer, err := capture.New(capOpts)
	if err != nil {
		return err
	}
	logger.Info().Strs("devices", capturer.Devices()).Msg("Устройства захвата")

	libOpts := sipua.DefaultOptions()
	libOpts.ICEServers = cfg.Media.ICEServers
	libOpts.Codecs = capturer
	libOpts.Logger = logger
	lib, err := sipua.New(libOpts)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	phoneCfg := softphone.DefaultConfig()
	phoneCfg.NoAnswerTimeout = cfg.SIP.NoAnswerTimeout
	phoneCfg.RegisterExpires = cfg.SIP.RegisterExpires
	phoneCfg.UserAgentName = cfg.SIP.UserAgent
	phoneCfg.HistoryLimit = cfg.HistoryLimit
	phoneCfg.Logger = logger
	phoneCfg.Registerer = registry
	phone, err := softphone.New(lib, capturer, phoneCfg)
	if err != nil {
		return err
	}
	for _, c := range cfg.Contacts {
		if _, err := phone.Contacts().Add(c); err != nil {
			logger.Warn().Err(err).Str("name", c.Name).Msg("Контакт из конфигурации пропущен")
		}
	}

	if cfg.SIP.AutoConnect {
		connect(ctx, phone, cfg, logger)
	}
	watchConfig(ctx, loader, phone, cfg, logger)

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: control.New(ctx, phone, control.Options{
			Mode:       cfg.HTTP.Mode,
			PingPeriod: cfg.HTTP.PingPeriod,
			Gatherer:   registry,
			Logger:     logger,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("Сервер управления запущен")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Остановка")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Принудительная остановка сервера")
		}
		return phone.Close(shutdownCtx)
	})
	return g.Wait()
}

func connect(ctx context.Context, phone *softphone.Phone, cfg config.Config, logger zerolog.Logger) {
	reg, err := cfg.Registration()
	if err != nil {
		logger.Error().Err(err).Msg("Некорректная конфигурация SIP")
		return
	}
	if err := phone.Connect(ctx, reg); err != nil {
		logger.Error().Err(err).Msg("Ошибка подключения")
	}
}

// watchConfig переподключается при изменении учетных данных SIP в файле
func watchConfig(ctx context.Context, loader *config.Loader, phone *softphone.Phone, cfg config.Config, logger zerolog.Logger) {
	var mu sync.Mutex
	current := cfg

	err := loader.Watch(func(next config.Config) {
		mu.Lock()
		prev := current
		current = next
		mu.Unlock()

		if !config.SIPChanged(prev, next) {
			return
		}
		logger.Info().Str("server", next.SIP.Server).Str("username", next.SIP.Username).Msg("Конфигурация SIP изменена, переподключение")
		if next.SIP.Username == "" || next.SIP.Server == "" {
			if err := phone.Disconnect(ctx); err != nil {
				logger.Error().Err(err).Msg("Ошибка отключения")
			}
			return
		}
		connect(ctx, phone, next, logger)
	}, func(err error) {
		logger.Warn().Err(err).Msg("Изменение конфигурации отклонено")
	})
	if err != nil && !errors.Is(err, config.ErrNoConfigFile) {
		logger.Warn().Err(err).Msg("Отслеживание конфигурации отключено")
	}
}
