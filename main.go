package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/board"
	"taskboard/client"
	"taskboard/config"
	"taskboard/domain"
	"taskboard/realtime"
	"taskboard/server"
)

const shutdownTimeout = 10 * time.Second

var errMissingVerifier = errors.New("missing Auth0 config")

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
		logger.SetLevel(log.DebugLevel)
	}

	auth, err := newAuth(cfg.Auth)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	if !auth.Verifies() {
		logger.Warn("insecure auth enabled; bearer tokens are not verified")
	}

	var rc *redis.Client
	var deduper server.Deduper
	if cfg.Realtime.RedisURL != "" {
		opts, err := parseRedisOptions(cfg.Realtime.RedisURL)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(opts)
		defer rc.Close()
		deduper = server.NewRedisDeduper(rc, cfg.DedupeTTL)
	} else {
		deduper = server.NewMemoryDeduper(cfg.DedupeTTL)
	}

	sessions := server.NewSessions(newViewFactory(cfg, rc, logger), cfg.SessionIdleTTL, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, client.HeaderIdempotencyKey},
	}))
	server.Register(e, sessions, auth, deduper, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go sessions.Run(ctx)

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	sessions.CloseAll()
}

func newAuth(cfg config.Auth) (*server.Auth, error) {
	if cfg.SharedSecret != "" {
		return server.NewAuth(nil, cfg.Audience, "", []byte(cfg.SharedSecret)), nil
	}
	if cfg.Domain == "" {
		if !cfg.Insecure {
			return nil, errMissingVerifier
		}
		return server.NewUnverifiedAuth(), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	auth := server.NewAuth(jwks, cfg.Audience, "https://"+cfg.Domain+"/", nil)
	auth.SetKeyCacheTTL(cfg.JWKSCacheTTL)
	return auth, nil
}

// newViewFactory builds board views wired to the configured transport. rc
// is shared by every view when the redis transport is selected.
func newViewFactory(cfg config.Config, rc *redis.Client, logger *log.Logger) server.ViewFactory {
	backoff := realtime.Backoff{Initial: cfg.Realtime.BackoffInitial, Max: cfg.Realtime.BackoffMax}

	return func(user domain.User, token *client.Token) (*board.View, error) {
		var ch realtime.Channel
		switch cfg.Realtime.Transport {
		case config.TransportRedis:
			rch := realtime.NewRedisChannel(rc, cfg.Realtime.RedisChannel, user.ID, logger)
			rch.Backoff = backoff
			ch = rch
		case config.TransportQueue:
			name := realtime.QueueNameFor(cfg.Realtime.QueueName, user.ID)
			qch, err := realtime.NewQueueChannel(cfg.Realtime.QueueConnectionString, name, user.ID, logger)
			if err != nil {
				return nil, err
			}
			qch.Backoff = backoff
			ch = qch
		default:
			sch := realtime.NewSSEChannel(cfg.Realtime.StreamURL, token, logger)
			sch.Backoff = backoff
			ch = sch
		}
		api := client.NewWithToken(cfg.APIBaseURL, token, cfg.RequestTimeout)
		return board.NewView(user, api, ch, cfg.FetchLimit, logger), nil
	}
}

// redisConnSetters apply the keys of an Azure style connection string,
// "host:port,password=...,ssl=True,abortConnect=False". Unknown keys are
// ignored.
var redisConnSetters = map[string]func(*redis.Options, string) error{
	"password": func(o *redis.Options, v string) error {
		o.Password = v
		return nil
	},
	"user": func(o *redis.Options, v string) error {
		o.Username = v
		return nil
	},
	"ssl": func(o *redis.Options, v string) error {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		o.TLSConfig = nil
		if on {
			o.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		return nil
	},
	"defaultdatabase": func(o *redis.Options, v string) error {
		db, err := strconv.Atoi(v)
		o.DB = db
		return err
	},
	"connecttimeout": func(o *redis.Options, v string) error {
		ms, err := strconv.Atoi(v)
		o.DialTimeout = time.Duration(ms) * time.Millisecond
		return err
	},
}

// parseRedisOptions accepts a redis:// (or rediss://) URL or an Azure style
// connection string.
func parseRedisOptions(conn string) (*redis.Options, error) {
	conn = strings.TrimSpace(conn)
	if strings.Contains(conn, "://") {
		return redis.ParseURL(conn)
	}
	addr, rest, _ := strings.Cut(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(addr)}
	if opts.Addr == "" {
		return nil, errors.New("redis connection string has no address")
	}
	for rest != "" {
		var item string
		item, rest, _ = strings.Cut(rest, ",")
		key, val, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		set, known := redisConnSetters[strings.ToLower(strings.TrimSpace(key))]
		if !known {
			continue
		}
		if err := set(opts, strings.TrimSpace(val)); err != nil {
			return nil, fmt.Errorf("redis option %s: %w", strings.TrimSpace(key), err)
		}
	}
	return opts, nil
}
