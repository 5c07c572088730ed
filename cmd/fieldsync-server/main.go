// Copyright 2026 SmartLeakPro
// SPDX-License-Identifier: Apache-2.0

// fieldsync-server serves the offline sync and GPS tracking API backing
// the field technician apps.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/smartleakpro/fieldsync/syncserver"
)

var rootCmd = &cobra.Command{
	Use:          "fieldsync-server",
	Short:        "Offline sync and GPS tracking server",
	SilenceUsage: true,
	RunE:         runServer,
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id> <device-id>",
	Short: "Generate a client JWT for a user and device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl := viper.GetDuration("token-ttl")
		token, err := syncserver.NewJWTAuth(viper.GetString("jwt-secret")).
			GenerateToken(args[0], args[1], ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("listen", ":8080", "address to listen on")
	flags.String("database-url", "", "Postgres connection string")
	flags.String("jwt-secret", "", "HS256 secret for client tokens")
	flags.Duration("token-ttl", 30*24*time.Hour, "lifetime of generated client tokens")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-file", "", "log file path (empty = stderr)")
	flags.StringSlice("data-types", []string{"clients", "interventions", "inspections", "tracking_point"}, "data types accepted for sync")
	flags.Int("max-batch-size", 500, "maximum mutations per sync request")

	viper.SetEnvPrefix("FIELDSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(tokenCmd)
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if path := viper.GetString("log-file"); path != "" {
		out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}

func runServer(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	slog.SetDefault(logger)

	databaseURL := viper.GetString("database-url")
	if databaseURL == "" {
		return fmt.Errorf("database-url is required (flag or FIELDSYNC_DATABASE_URL)")
	}
	jwtSecret := viper.GetString("jwt-secret")
	if jwtSecret == "" {
		return fmt.Errorf("jwt-secret is required (flag or FIELDSYNC_JWT_SECRET)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	service, err := syncserver.NewService(ctx, pool, &syncserver.Config{
		AppName:      "fieldsync",
		DataTypes:    viper.GetStringSlice("data-types"),
		MaxBatchSize: viper.GetInt("max-batch-size"),
	}, logger)
	if err != nil {
		return err
	}

	jwtAuth := syncserver.NewJWTAuth(jwtSecret)
	handlers := syncserver.NewHTTPHandlers(service, jwtAuth, logger)
	api := http.NewServeMux()
	handlers.Register(api)

	// Everything behind the JWT middleware except the reachability probe,
	// which clients poll before they have a token.
	mux := http.NewServeMux()
	mux.HandleFunc("/offline/status", handlers.HandleStatus)
	mux.Handle("/", jwtAuth.Middleware(api))

	server := &http.Server{
		Addr:              viper.GetString("listen"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
