package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wiregate/internal/app"
	"github.com/vovakirdan/wiregate/internal/auth"
	"github.com/vovakirdan/wiregate/internal/config"
	"github.com/vovakirdan/wiregate/internal/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "wiregate",
		Short:         "Real-time channel gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	config.RegisterFlags(root.PersistentFlags())

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket gateway and REST API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, configPath)
		},
	}
	root.RunE = serve.RunE

	root.AddCommand(serve, newUserCmd(&configPath))
	return root
}

func loadConfig(cmd *cobra.Command, configPath string) (config.Config, error) {
	bootLogger := log.New("info", "console")
	cfg, path, err := config.Load(bootLogger, configPath, cmd.Flags())
	if err != nil {
		bootLogger.Error().Err(err).Str("path", path).Msg("failed to load config")
		return cfg, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	logger := log.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, &cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize application")
		return err
	}

	if err := application.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newUserCmd(configPath *string) *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage identities",
	}

	var acct auth.NewAccount
	add := &cobra.Command{
		Use:   "add",
		Short: "Create an identity in the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}
			logger := log.New(cfg.Log.Level, cfg.Log.Format)

			st, err := app.OpenStore(cmd.Context(), cfg.Database)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			created, err := auth.NewService(st, app.JWTConfig(cfg.JWT)).CreateUser(cmd.Context(), acct)
			if err != nil {
				logger.Error().Err(err).Str("username", acct.Username).Msg("failed to create user")
				return err
			}
			logger.Info().
				Int64("id", created.ID).
				Str("username", created.Username).
				Bool("is_moderator", created.IsModerator).
				Msg("user created")
			return nil
		},
	}
	add.Flags().StringVar(&acct.Username, "name", "", "username")
	add.Flags().StringVar(&acct.Email, "email", "", "email address")
	add.Flags().StringVar(&acct.Password, "password", "", "password (optional)")
	add.Flags().BoolVar(&acct.IsModerator, "moderator", false, "grant the moderator role")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("email")

	user.AddCommand(add)
	return user
}
