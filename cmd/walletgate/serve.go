package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/layer-3/walletgate/adapters/allowlist"
	"github.com/layer-3/walletgate/adapters/events"
	"github.com/layer-3/walletgate/adapters/store"
	"github.com/layer-3/walletgate/adapters/tokenizer"
	"github.com/layer-3/walletgate/internal/config"
	"github.com/layer-3/walletgate/internal/logging"
	"github.com/layer-3/walletgate/ports"
	"github.com/layer-3/walletgate/service"
	transport "github.com/layer-3/walletgate/transport/http"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	cleanupInterval = 10 * time.Minute
	shutdownTimeout = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authentication server",
	Long: `
Usage: walletgate serve [--env-file=.env]

  Starts the HTTP server. Configuration comes from the environment, after
  loading the optional env file. JWT_SECRET is required.
`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srv.close()

	return srv.run(ctx)
}

// server holds everything serve wires together
type server struct {
	cfg    *config.Config
	logger zerolog.Logger
	origin string

	store      ports.Store
	redis      *redis.Client
	source     ports.AllowlistSource
	allowlist  *service.Allowlist
	auth       *service.AuthService
	cache      *service.VerificationCache
	publisher  message.Publisher
	subscriber message.Subscriber
	// set when publisher and subscriber are one in-process pubsub
	sharedPubSub bool
	httpServer   *http.Server
}

func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	s := &server{cfg: cfg, logger: logger, origin: uuid.NewString()}

	var err error
	s.store, err = store.New(ctx, store.Config{
		Driver:       cfg.StoreDriver,
		DatabasePath: cfg.DatabasePath,
		RedisURL:     cfg.RedisURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.StoreDriver, err)
	}

	if redisStore, ok := s.store.(*store.RedisStore); ok {
		s.redis = redisStore.Client()
	} else if cfg.RedisURL != "" {
		if s.redis, err = store.NewRedisClient(ctx, cfg.RedisURL); err != nil {
			s.close()
			return nil, err
		}
	}

	if err := s.setupEvents(); err != nil {
		s.close()
		return nil, err
	}

	switch {
	case cfg.AllowlistFile != "":
		s.source = allowlist.NewFileSource(cfg.AllowlistFile, logging.Component(logger, "allowlist"))
	case cfg.AllowlistRedisKey != "" && s.redis != nil:
		s.source = allowlist.NewRedisSource(s.redis, cfg.AllowlistRedisKey)
	default:
		s.source = allowlist.NewStaticSource(cfg.AllowedAddresses)
	}
	s.allowlist = service.NewAllowlist(s.source, cfg.AdminAddresses, cfg.AllowlistCacheTTL, logging.Component(logger, "allowlist"))
	if err := s.allowlist.Reload(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial allowlist load failed")
	}

	tok, err := tokenizer.NewJWTTokenizer([]byte(cfg.JWTSecret))
	if err != nil {
		s.close()
		return nil, err
	}

	eventPub := events.NewWatermillPublisher(s.publisher, s.origin)
	tokens := service.NewTokenService(tok, s.store, s.store, s.allowlist, eventPub, cfg.TokenLifetime, logging.Component(logger, "tokens")).
		WithRefreshWindow(cfg.RefreshWindow)

	if s.cache, err = service.NewVerificationCache(cfg.VerifyCacheTTL); err != nil {
		s.close()
		return nil, err
	}
	s.auth = service.NewAuthService(tokens, s.allowlist, s.store, eventPub, s.cache,
		service.NewMemoryExpiryState(cfg.TokenLifetime),
		service.AuthOptions{RequireChallenge: cfg.RequireChallenge},
		logging.Component(logger, "auth"))

	var limiter *transport.RateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = transport.NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMax)
	}

	router := transport.SetupRouter(transport.RouterOptions{
		AuthService: s.auth,
		Devices:     service.NewDeviceRegistry(s.store, logging.Component(logger, "devices")),
		Limiter:     limiter,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logging.Component(logger, "http"),
	})
	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// setupEvents publishes session events on Redis streams when Redis is
// available, so other instances can drop cached verifications
func (s *server) setupEvents() error {
	wmLogger := events.NewZerologAdapter(logging.Component(s.logger, "events"))

	if s.redis == nil {
		pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, wmLogger)
		s.publisher, s.subscriber, s.sharedPubSub = pubSub, pubSub, true
		return nil
	}

	var err error
	s.publisher, err = redisstream.NewPublisher(redisstream.PublisherConfig{Client: s.redis}, wmLogger)
	if err != nil {
		return fmt.Errorf("failed to create Redis publisher: %w", err)
	}
	// No consumer group: every instance reads every event
	s.subscriber, err = redisstream.NewSubscriber(redisstream.SubscriberConfig{Client: s.redis}, wmLogger)
	if err != nil {
		return fmt.Errorf("failed to create Redis subscriber: %w", err)
	}
	return nil
}

func (s *server) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info().Str("addr", s.cfg.HTTPAddr).Msg("walletgate listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		s.logger.Info().Msg("shutting down")
		return s.httpServer.Shutdown(shutdownCtx)
	})

	if watchable, ok := s.source.(ports.WatchableSource); ok {
		g.Go(func() error {
			err := watchable.Watch(ctx, func() {
				if err := s.allowlist.Reload(ctx); err != nil {
					s.logger.Warn().Err(err).Msg("allowlist reload failed")
				}
			})
			if err != nil {
				// Changes are still picked up when the cached list expires
				s.logger.Error().Err(err).Msg("allowlist watcher stopped")
			}
			return nil
		})
	}

	g.Go(func() error {
		listener := events.NewListener(s.subscriber, s.origin, logging.Component(s.logger, "events"))
		return listener.Run(ctx, func(event events.SessionEvent) {
			if event.Topic == events.TopicLogin {
				return
			}
			s.logger.Debug().Str("topic", event.Topic).Str("user_id", event.UserID).Msg("session changed elsewhere")
			s.auth.ForgetVerifications()
		})
	})

	g.Go(func() error {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				removed, err := s.auth.CleanupExpired(ctx)
				if err != nil {
					s.logger.Warn().Err(err).Msg("session cleanup failed")
					continue
				}
				if removed > 0 {
					s.logger.Info().Int("removed", removed).Msg("expired sessions cleaned up")
				}
			}
		}
	})

	return g.Wait()
}

func (s *server) close() {
	if s.publisher != nil {
		_ = s.publisher.Close()
	}
	if s.subscriber != nil && !s.sharedPubSub {
		_ = s.subscriber.Close()
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close store")
		}
	}
	if s.redis != nil {
		if _, shared := s.store.(*store.RedisStore); !shared {
			_ = s.redis.Close()
		}
	}
}
