package commands

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/MrEthical07/goAuthSync/backend"
	"github.com/MrEthical07/goAuthSync/channel/wschannel"
	"github.com/MrEthical07/goAuthSync/jwt"
	"github.com/MrEthical07/goAuthSync/password"
	"github.com/MrEthical07/goAuthSync/session"
)

type serveFlags struct {
	addr           string
	publicURL      string
	basePath       string
	users          []string
	providers      []string
	jwtKey         string
	csrfSecret     string
	maxAge         time.Duration
	idleTimeout    time.Duration
	maxAttempts    int
	secureCookies  bool
	allowedOrigins []string
}

// serve: reference backend + websocket relay + /metrics.
func serveCmd() *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference session backend and the sync relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, f)
		},
	}

	cmd.Flags().StringVar(&f.addr, "addr", envOr("GOAUTHSYNC_ADDR", ":8080"), "listen address (env GOAUTHSYNC_ADDR)")
	cmd.Flags().StringVar(&f.publicURL, "public-url", envOr("GOAUTHSYNC_PUBLIC_URL", ""), "origin browsers use; derived from requests when empty")
	cmd.Flags().StringVar(&f.basePath, "base-path", "/api/auth", "route prefix of the session surface")
	cmd.Flags().StringArrayVar(&f.users, "user", nil, "credentials user as username:password (repeatable)")
	cmd.Flags().StringArrayVar(&f.providers, "provider", nil, "external provider as id=authorizeURL[,clientID] (repeatable)")
	cmd.Flags().StringVar(&f.jwtKey, "jwt-key", envOr("GOAUTHSYNC_JWT_KEY", ""), "hex HS256 key, >= 32 bytes; random when empty (env GOAUTHSYNC_JWT_KEY)")
	cmd.Flags().StringVar(&f.csrfSecret, "csrf-secret", envOr("GOAUTHSYNC_CSRF_SECRET", ""), "hex csrf secret, >= 32 bytes; random when empty (env GOAUTHSYNC_CSRF_SECRET)")
	cmd.Flags().DurationVar(&f.maxAge, "max-age", 30*24*time.Hour, "absolute session lifetime")
	cmd.Flags().DurationVar(&f.idleTimeout, "idle-timeout", 0, "sliding expiry window; 0 disables sliding")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 5, "failed sign-ins allowed per username in 15 minutes")
	cmd.Flags().BoolVar(&f.secureCookies, "secure-cookies", false, "mark cookies Secure")
	cmd.Flags().StringSliceVar(&f.allowedOrigins, "allowed-origin", nil, "origins allowed to join the relay; same host only when empty")
	return cmd
}

func runServe(ctx context.Context, f *serveFlags) error {
	rdb, closeRedis, err := openRedis(ctx)
	if err != nil {
		return err
	}
	defer closeRedis()

	jwtKey, err := secretOrRandom("jwt-key", f.jwtKey)
	if err != nil {
		return err
	}
	csrfSecret, err := secretOrRandom("csrf-secret", f.csrfSecret)
	if err != nil {
		return err
	}

	hasher, err := password.New(password.DefaultConfig())
	if err != nil {
		return err
	}
	users := backend.NewMemoryUsers()
	for _, raw := range f.users {
		name, pw, err := parseUser(raw)
		if err != nil {
			return err
		}
		if err := users.Add(hasher, backend.User{ID: name, Username: name, Name: name}, pw); err != nil {
			return fmt.Errorf("user %q: %w", name, err)
		}
	}
	providers := make([]backend.ProviderConfig, 0, len(f.providers))
	for _, raw := range f.providers {
		p, err := parseProvider(raw)
		if err != nil {
			return err
		}
		providers = append(providers, p)
	}

	opts := backend.Options{
		PublicURL:     f.publicURL,
		BasePath:      f.basePath,
		Redis:         rdb,
		Hasher:        hasher,
		JWT:           jwt.Config{SigningMethod: jwt.MethodHS256, PrivateKey: jwtKey, Issuer: "goauthsync"},
		Session:       session.Config{MaxAge: f.maxAge, IdleTimeout: f.idleTimeout},
		Throttle:      backend.ThrottleConfig{MaxAttempts: f.maxAttempts, PerIP: true},
		Providers:     providers,
		CSRFSecret:    csrfSecret,
		SecureCookies: f.secureCookies,
		Logger:        logger,
	}
	if len(f.users) > 0 {
		opts.Users = users
	}
	auth, err := backend.New(opts)
	if err != nil {
		return err
	}

	relay := wschannel.NewRelay(wschannel.RelayOptions{AllowedOrigins: f.allowedOrigins, Logger: logger})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "goauthsync_relay_frames_total",
			Help: "Frames fanned out by the sync relay.",
		}, func() float64 { return float64(relay.Relayed()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "goauthsync_relay_dropped_total",
			Help: "Frames dropped by the sync relay on full peer queues.",
		}, func() float64 { return float64(relay.Dropped()) }),
	)

	mux := http.NewServeMux()
	mux.Handle(auth.BasePath()+"/", auth)
	mux.Handle("/sync", relay)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              f.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("goauthsync: serving", "addr", f.addr, "base_path", auth.BasePath(), "users", len(f.users), "providers", len(providers))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Info("goauthsync: shutting down")
	return srv.Shutdown(shutdownCtx)
}

func secretOrRandom(name, hexValue string) ([]byte, error) {
	if hexValue == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		logger.Warn("goauthsync: generated a random key; sessions will not survive a restart", "flag", name)
		return key, nil
	}
	key, err := hex.DecodeString(hexValue)
	if err != nil {
		return nil, fmt.Errorf("--%s must be hex: %w", name, err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("--%s must be at least 32 bytes", name)
	}
	return key, nil
}

func parseUser(raw string) (string, string, error) {
	name, pw, ok := strings.Cut(raw, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" || pw == "" {
		return "", "", fmt.Errorf("--user %q: want username:password", raw)
	}
	return name, pw, nil
}

func parseProvider(raw string) (backend.ProviderConfig, error) {
	id, rest, ok := strings.Cut(raw, "=")
	id = strings.TrimSpace(id)
	if !ok || id == "" || rest == "" {
		return backend.ProviderConfig{}, fmt.Errorf("--provider %q: want id=authorizeURL[,clientID]", raw)
	}
	authorize, clientID, _ := strings.Cut(rest, ",")
	return backend.ProviderConfig{
		ID:           id,
		Name:         id,
		AuthorizeURL: strings.TrimSpace(authorize),
		ClientID:     strings.TrimSpace(clientID),
	}, nil
}
