// Command hotelauthd serves the hotel account endpoints: login, logout and
// the current user with PII resolved through the encrypted cache.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/adeilh/hotelauth/auth"
	"github.com/adeilh/hotelauth/cache"
	"github.com/adeilh/hotelauth/cache/memory"
	"github.com/adeilh/hotelauth/cache/redis"
	"github.com/adeilh/hotelauth/config"
	"github.com/adeilh/hotelauth/db/sql/postgres"
	"github.com/adeilh/hotelauth/directory/rest"
	"github.com/adeilh/hotelauth/encryption"
	"github.com/adeilh/hotelauth/httpx"
	"github.com/adeilh/hotelauth/internal/logging"
	"github.com/adeilh/hotelauth/internal/server"
	"github.com/adeilh/hotelauth/pii"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath   string
	addr         string
	logLevel     string
	migrate      bool
	hashPassword bool
}

func run(args []string) error {
	var f flags
	flagSet := pflag.NewFlagSet("hotelauthd", pflag.ContinueOnError)
	flagSet.StringVar(&f.configPath, "config", os.Getenv("HOTEL_CONFIG"), "path to the YAML config file")
	flagSet.StringVar(&f.addr, "addr", "", "listen address, overrides http.address")
	flagSet.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error, overrides log.level")
	flagSet.BoolVar(&f.migrate, "migrate", false, "apply the postgres schema and exit")
	flagSet.BoolVar(&f.hashPassword, "hash-password", false, "read a password from stdin, print its bcrypt hash and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if f.hashPassword {
		return hashPassword(os.Stdin, os.Stdout)
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if f.addr != "" {
		cfg.HTTP.Address = f.addr
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.migrate {
		return migrate(ctx, cfg, logger)
	}
	return serve(ctx, cfg, logger)
}

func hashPassword(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	hash, err := auth.NewBcryptHasher().Hash(context.Background(), []byte(strings.TrimRight(line, "\r\n")))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}

func migrate(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if cfg.Directory.Driver != config.DirectoryPostgres {
		return fmt.Errorf("--migrate needs the postgres directory, got %q", cfg.Directory.Driver)
	}
	db, err := postgres.Open(ctx, postgres.WithDSN(cfg.Directory.DSN))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := postgres.ApplyMigrations(ctx, db, postgres.Schema...); err != nil {
		return err
	}
	logger.Info("schema applied", "statements", len(postgres.Schema))
	return nil
}

type userStore interface {
	pii.Directory
	auth.CredentialStore
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var checks []server.Check

	store, err := openStore(cfg.Cache, &checks)
	if err != nil {
		return err
	}
	defer store.Close()

	users, db, err := openDirectory(ctx, cfg.Directory, &checks)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	piiCache, err := pii.NewCache(store, users, encryption.NewAESGCM(""), pii.Options{
		EncryptionKey: cfg.PII.EncryptionKey,
		KeyVersion:    cfg.PII.CacheKeyVersion,
		TTL:           cfg.PII.TTL,
		Sliding:       cfg.PII.Sliding,
		SafetyMargin:  cfg.PII.SafetyMargin,
		Coalesce:      cfg.PII.Coalesce,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	codec, err := auth.NewTokenCodec(auth.TokenCodecConfig{
		Secret:   []byte(cfg.Auth.Secret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	})
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessionManager(codec, auth.SessionOptions{
		CookieName: cfg.Auth.CookieName,
		Secure:     cfg.Auth.SecureCookie,
		Lifetime:   cfg.Auth.Lifetime(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	enricher, err := auth.NewClaimsEnricher(piiCache, logger)
	if err != nil {
		return err
	}
	mw, err := auth.NewMiddleware(sessions,
		auth.WithEnricher(enricher),
		auth.WithLogger(logger),
		auth.WithTokenExtractor(auth.ChainExtractors(
			auth.CookieTokenExtractor(sessions.CookieName()),
			auth.BearerTokenExtractor(),
		)),
	)
	if err != nil {
		return err
	}
	authenticator, err := auth.NewAuthenticator(users, auth.NewBcryptHasher(), logger)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Deps{
		Sessions:      sessions,
		Authenticator: authenticator,
		Middleware:    mw,
		PII:           piiCache,
		LoginPath:     cfg.Auth.LoginPath,
		Checks:        checks,
		Logger:        logger,
	},
		httpx.WithAddress(cfg.HTTP.Address),
		httpx.WithTimeouts(cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout),
	)
	if err != nil {
		return err
	}

	logger.Info("starting hotelauthd",
		"cache", cfg.Cache.Driver,
		"directory", cfg.Directory.Driver,
		"pii_key_version", cfg.PII.CacheKeyVersion,
	)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("hotelauthd stopped")
	return nil
}

type closableStore interface {
	cache.Store
	Close() error
}

func openStore(cfg config.CacheConfig, checks *[]server.Check) (closableStore, error) {
	switch cfg.Driver {
	case config.CacheRedis:
		s := redis.NewStore(redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   "hotelauth",
		})
		*checks = append(*checks, server.Check{Name: "cache", Fn: s.Ping})
		return s, nil
	default:
		return memory.New(), nil
	}
}

func openDirectory(ctx context.Context, cfg config.DirectoryConfig, checks *[]server.Check) (userStore, *sql.DB, error) {
	switch cfg.Driver {
	case config.DirectoryREST:
		d, err := rest.New(rest.Options{BaseURL: cfg.BaseURL, Token: cfg.Token})
		if err != nil {
			return nil, nil, err
		}
		return d, nil, nil
	default:
		db, err := postgres.Open(ctx, postgres.WithDSN(cfg.DSN))
		if err != nil {
			return nil, nil, err
		}
		*checks = append(*checks, server.Check{Name: "directory", Fn: db.PingContext})
		return postgres.NewUserDirectory(db), db, nil
	}
}
