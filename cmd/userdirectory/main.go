package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/userdirectory/internal/auth"
	"github.com/MarcoPoloResearchLab/userdirectory/internal/background"
	"github.com/MarcoPoloResearchLab/userdirectory/internal/config"
	"github.com/MarcoPoloResearchLab/userdirectory/internal/logging"
	"github.com/MarcoPoloResearchLab/userdirectory/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "userdirectory",
		Short: "User directory indexing and search service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newDirectoryCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("server-name", "", "Homeserver name used to tell local users from remote ones")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Access token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Access token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "server.name", "server-name")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
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

func loadApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}
	app, err := buildApplication(appConfig, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return app, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background population scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	app, err := loadApplication()
	if err != nil {
		return err
	}
	defer app.close()
	defer app.logger.Sync() //nolint:errcheck

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         app.validator,
		Searcher:       app.searcher,
		Admin:          app.admin,
		Feed:           app.feed,
		MetricsHandler: app.metrics.Handler(),
		Limits: server.SearchLimits{
			Default: app.config.Directory.DefaultLimit,
			Max:     app.config.Directory.MaxLimit,
		},
		Logger: app.logger.Named("http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if app.config.Background.Enabled {
		group.Go(func() error {
			return app.scheduler.Run(groupCtx)
		})
	} else {
		app.logger.Warn("background updates disabled; the directory will not be populated")
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func newDirectoryCommand() *cobra.Command {
	directoryCmd := &cobra.Command{
		Use:   "directory",
		Short: "Administer the user directory",
	}

	var runNow bool
	rebuildCmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Wipe the user directory and schedule a full population",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApplication()
			if err != nil {
				return err
			}
			defer app.close()

			rebuildID, err := app.admin.Rebuild(cmd.Context())
			if err != nil {
				return err
			}
			if runNow {
				if err := background.RunToCompletion(cmd.Context(), app.runner, app.config.Background.BatchSize); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), rebuildID)
			return nil
		},
	}
	rebuildCmd.Flags().BoolVar(&runNow, "run", false, "Run the population to completion before exiting")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the population status as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApplication()
			if err != nil {
				return err
			}
			defer app.close()

			status, err := app.admin.Status(cmd.Context())
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(status)
		},
	}

	directoryCmd.AddCommand(rebuildCmd, statusCmd)
	return directoryCmd
}

func newTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage access tokens",
	}

	var (
		userID string
		admin  bool
	)
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an access token for a user id",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			var roles []string
			if admin {
				roles = append(roles, auth.RoleAdmin)
			}
			token, expiresIn, err := issuer.Issue(cmd.Context(), userID, roles...)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
				"access_token": token,
				"expires_in":   expiresIn,
				"token_type":   "Bearer",
			})
		},
	}
	issueCmd.Flags().StringVar(&userID, "user", "", "User id the token authenticates, e.g. @alice:example.org")
	issueCmd.Flags().BoolVar(&admin, "admin", false, "Grant the admin role")
	_ = issueCmd.MarkFlagRequired("user")

	tokenCmd.AddCommand(issueCmd)
	return tokenCmd
}
