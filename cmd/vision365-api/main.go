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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/einen2021/vision365-web/internal/auth"
	"github.com/einen2021/vision365-web/internal/buildings"
	"github.com/einen2021/vision365-web/internal/config"
	"github.com/einen2021/vision365-web/internal/directory"
	"github.com/einen2021/vision365-web/internal/live"
	"github.com/einen2021/vision365-web/internal/logging"
	"github.com/einen2021/vision365-web/internal/membership"
	"github.com/einen2021/vision365-web/internal/metrics"
	"github.com/einen2021/vision365-web/internal/reconcile"
	"github.com/einen2021/vision365-web/internal/server"
	"github.com/einen2021/vision365-web/internal/session"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vision365-api",
		Short: "Vision365 operator dashboard backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "CORS allowed origins")
	cmd.PersistentFlags().String("store", defaults.GetString("store.backend"), "Document store backend (memory, sqlite, redis, none)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "store.backend", "store")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newIssueTokenCommand() *cobra.Command {
	var (
		email string
		role  string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Sign a session token for an operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(email, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Operator email")
	cmd.Flags().StringVar(&role, "role", "", "Role claim overriding the directory role")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	documents, closeStore, err := openStore(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	collectors := metrics.New()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	identity := directory.NewIdentityClient(directory.IdentityClientConfig{Store: documents, Logger: logger})
	communities := directory.NewCommunityClient(directory.CommunityClientConfig{Store: documents, Logger: logger})
	resolver, err := membership.NewResolver(membership.ResolverConfig{
		Communities: communities,
		Catalog:     communities,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	reader := buildings.NewReader(buildings.ReaderConfig{Store: documents, Logger: logger})
	writer := buildings.NewWriter(buildings.WriterConfig{Store: documents, Logger: logger})
	manager := live.NewManager(live.ManagerConfig{
		Store:      documents,
		Logger:     logger,
		Observer:   collectors,
		StaleAfter: appConfig.LiveStaleAfter,
	})
	defer manager.Close()

	registry, err := session.NewRegistry(session.RegistryConfig{
		Identity:         identity,
		Resolver:         resolver,
		Subscriber:       manager,
		Writer:           writer,
		Reader:           reader,
		Logger:           logger,
		Observer:         collectors,
		MutationObserver: collectors,
		Retry: reconcile.RetryPolicy{
			MaxAttempts: appConfig.MutationMaxAttempts,
			Backoff:     appConfig.MutationBackoff,
		},
		WriteTimeout: appConfig.MutationWriteTimeout,
	})
	if err != nil {
		return err
	}
	defer registry.CloseAll()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator:  validator,
		Sessions:       registry,
		Identity:       identity,
		Resolver:       resolver,
		Communities:    communities,
		Reader:         reader,
		Writer:         writer,
		Metrics:        collectors.Handler(),
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if appConfig.LiveStaleAfter > 0 {
		go reportStaleSubscriptions(signalCtx, manager, appConfig.LiveStaleAfter, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store", appConfig.StoreBackend))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		registry.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// reportStaleSubscriptions warns about subscriptions still waiting for their first snapshot.
func reportStaleSubscriptions(ctx context.Context, manager *live.Manager, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, subscription := range manager.Stale() {
				logger.Warn("live subscription has not delivered a snapshot",
					zap.String("building", subscription.BuildingID()),
					zap.String("kind", string(subscription.Kind())),
					zap.Uint64("token", subscription.Token()))
			}
		}
	}
}
