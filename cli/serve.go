package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dotracing/auth"
	"dotracing/config"
	"dotracing/game"
	httpserver "dotracing/http"
	"dotracing/live"
	"dotracing/race"
	"dotracing/store"
	"dotracing/ws"
)

const shutdownTimeout = 10 * time.Second

type ServeOptions struct {
	*RootOptions
	Port     string
	Database string
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the race server",
		Long: `Run the HTTP and websocket server.

Configuration comes from the environment and an optional .env file;
--port and --db override SERVER_PORT and DB_PATH.

Example:
  AUTH_SECRET=c2VjcmV0 dotracing serve --port :3000 --db ./dotracing.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if opts.Port != "" {
				cfg.ServerPort = opts.Port
			}
			if opts.Database != "" {
				cfg.DBPath = opts.Database
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&opts.Port, "port", "", "listen address, overrides SERVER_PORT")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the SQLite database, overrides DB_PATH")

	return cmd
}

func raceConfig(cfg *config.Config) (race.Config, error) {
	rc := race.DefaultConfig()
	if cfg.BoardFile == "" {
		return rc, nil
	}
	board, err := race.LoadBoard(cfg.BoardFile)
	if err != nil {
		return rc, err
	}
	rc.Board = board
	return rc, nil
}

func runServer(parent context.Context, cfg *config.Config) error {
	slog.SetDefault(cfg.Logger())

	verifier, err := auth.NewVerifier(cfg.AuthSecret)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid AUTH_SECRET", err)
	}

	rc, err := raceConfig(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load board", err)
	}

	slog.Info("opening database", "path", cfg.DBPath)
	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "err", closeErr)
		}
	}()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lobby := game.NewLobby(db)
	hub := ws.NewHub()
	races := race.NewManager(hub, lobby, rc)
	defer races.CloseAll()

	wsManager := ws.NewManager(hub, lobby, live.FromStore(db), verifier, races, ws.Options{
		ForceInterval: cfg.ForceInterval,
	})

	server := httpserver.NewServer(ctx, lobby, db, wsManager, cfg.StaticDir)
	srv := server.GetHTTPServer(cfg.ServerPort)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.ServerPort, "static", cfg.StaticDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return WrapExitError(ExitFailure, "server error", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "err", err)
	}
	slog.Info("server stopped")
	return nil
}
