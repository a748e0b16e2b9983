package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/driftsync/internal/changelog"
	"github.com/MarcoPoloResearchLab/driftsync/internal/config"
	"github.com/MarcoPoloResearchLab/driftsync/internal/engine"
	"github.com/MarcoPoloResearchLab/driftsync/internal/entity"
	"github.com/MarcoPoloResearchLab/driftsync/internal/logging"
	"github.com/MarcoPoloResearchLab/driftsync/internal/recovery"
	"github.com/MarcoPoloResearchLab/driftsync/internal/server"
	"github.com/MarcoPoloResearchLab/driftsync/internal/status"
	"github.com/MarcoPoloResearchLab/driftsync/internal/store"
	"github.com/MarcoPoloResearchLab/driftsync/internal/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "driftsync-agent",
		Short: "Offline-first sync agent",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Status API listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Remote sync API base URL")
	cmd.PersistentFlags().String("agent-id", defaults.GetString("remote.agent_id"), "Agent identifier embedded in tokens")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("remote.token_ttl_minutes"), "Agent token TTL in minutes")
	cmd.PersistentFlags().Int("sync-interval-seconds", defaults.GetInt("sync.interval_seconds"), "Periodic sync interval in seconds")
	cmd.PersistentFlags().StringSlice("entity-types", defaults.GetStringSlice("sync.entity_types"), "Entity types pulled from the remote")
	cmd.PersistentFlags().String("signing-secret", "", "Remote signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "remote.agent_id", "agent-id")
	bindFlag(cmd, "remote.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "sync.interval_seconds", "sync-interval-seconds")
	bindFlag(cmd, "sync.entity_types", "entity-types")
	bindFlag(cmd, "remote.signing_secret", "signing-secret")
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

func runAgent(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := store.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	queue, err := changelog.NewQueue(changelog.QueueConfig{
		Database:   db,
		IDProvider: changelog.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	localStore, err := store.NewStore(store.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tokenSource, err := transport.NewServiceTokenSource(transport.ServiceTokenConfig{
		SigningSecret: []byte(appConfig.RemoteSigningSecret),
		AgentID:       appConfig.AgentID,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	remote, err := transport.NewHTTPClient(transport.HTTPClientConfig{
		BaseURL:     appConfig.RemoteBaseURL,
		Tokens:      tokenSource,
		CallTimeout: appConfig.CallTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	pullTypes, err := parseEntityTypes(appConfig.EntityTypes)
	if err != nil {
		return err
	}

	dispatcher := status.NewDispatcher()

	syncEngine, err := engine.New(engine.Config{
		Queue:  queue,
		Store:  localStore,
		Remote: remote,
		Strategy: recovery.NewStrategy(recovery.StrategyConfig{
			Backoff: recovery.NewBackoff(recovery.BackoffConfig{
				BaseDelay: appConfig.BackoffBase,
				MaxDelay:  appConfig.BackoffMax,
			}),
		}),
		Dispatcher:  dispatcher,
		Logger:      logger,
		Interval:    appConfig.SyncInterval,
		BatchSize:   appConfig.BatchSize,
		MaxAttempts: appConfig.MaxAttempts,
		PullTypes:   pullTypes,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Queue:      queue,
		Dispatcher: dispatcher,
		Trigger:    syncEngine,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	syncEngine.Start(signalCtx)
	defer syncEngine.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status api starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func parseEntityTypes(raw []string) ([]entity.EntityType, error) {
	types := make([]entity.EntityType, 0, len(raw))
	for _, value := range raw {
		entityType, err := entity.NewEntityType(strings.TrimSpace(value))
		if err != nil {
			return nil, err
		}
		types = append(types, entityType)
	}
	return types, nil
}
