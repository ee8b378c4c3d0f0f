package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"icsreminder/internal/accountdata"
	"icsreminder/internal/bot"
	"icsreminder/internal/config"
	"icsreminder/internal/ics"
	appLog "icsreminder/internal/log"
	"icsreminder/internal/matrix"
	"icsreminder/internal/reminder"
	"icsreminder/internal/scheduler"
	"icsreminder/internal/web"
)

var (
	serveListen  string
	serveEnvFile string
)

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (overrides config if set)")
	serveCmd.Flags().StringVar(&serveEnvFile, "env-file", ".env", "Optional dotenv file with secrets")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load reminders, run the trigger scheduler and serve the HTTP API",
	RunE:  runServe,
}

// roomLister is implemented by storage backends that can enumerate rooms.
type roomLister interface {
	Rooms(ctx context.Context) ([]string, error)
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(serveEnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		appLog.Warn("env file not loaded", "path", serveEnvFile, "error", err.Error())
	}

	conf, loc, err := loadServeConfig(configPath, serveListen)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", configPath)
		return err
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("icsreminder starting",
		"version", version,
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"storage", conf.Storage.Backend,
		"permissions", conf.Permission.Mode,
		"matrix", conf.MatrixEnabled(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var mx *matrix.Client
	if conf.MatrixEnabled() {
		mx = matrix.New(conf.Matrix.HomeserverURL, conf.Matrix.AccessToken, conf.Namespace)
		userID, err := mx.UserID(ctx)
		if err != nil {
			return fmt.Errorf("matrix login check: %w", err)
		}
		appLog.Info("matrix connected", "user_id", userID)
	}

	data, closer, err := openStorage(conf, mx)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	registry := reminder.NewRegistry(reminder.NewRoomStore(data, conf.Namespace), loc)
	rooms, err := discoverRooms(ctx, conf, mx, data)
	if err != nil {
		appLog.Error("room discovery failed; continuing with configured rooms", err)
	}
	if err := registry.LoadRooms(ctx, rooms); err != nil {
		appLog.Error("some rooms failed to load", err)
	}

	fetcher := ics.NewFetcher(conf.CacheDir)
	hub := web.NewHub()
	defer hub.Close()

	senders := scheduler.MultiSender{hub}
	var checker web.PowerLevelChecker
	if mx != nil {
		fetcher.Register("mxc", mx)
		senders = append(senders, mx)
		checker = mx
	}

	authz, err := web.NewAuthorizer(conf.Permission, checker)
	if err != nil {
		return err
	}

	sched := scheduler.New(registry, senders, loc, conf.Tick)
	if err := sched.Start(); err != nil {
		return err
	}

	if mx != nil {
		uploads := bot.NewUploads(registry, authz, fetcher, senders, loc)
		syncer := matrix.NewSyncer(mx, uploads, matrix.FileCheckpoint(conf.Matrix.SyncTokenPath))
		go syncer.Run(ctx)
	}

	srv := web.NewServer(conf, web.Deps{
		Registry:   registry,
		Fetcher:    fetcher,
		Sender:     senders,
		Authorizer: authz,
		Hub:        hub,
		Location:   loc,
	})
	httpSrv := &http.Server{
		Addr:              conf.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case err := <-errCh:
		if err != nil {
			appLog.Error("HTTP server failed", err)
			sched.Stop()
			return err
		}
	}

	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP shutdown failed", err)
	}
	sched.Wait()
	appLog.Info("icsreminder exiting")
	return nil
}

// loadServeConfig loads the config file, applies environment and flag
// overrides, and resolves the timezone.
func loadServeConfig(path, listen string) (*config.Config, *time.Location, error) {
	conf, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	conf.ApplyEnv()
	if listen != "" {
		conf.Listen = listen
	}
	if err := conf.Validate(); err != nil {
		return nil, nil, err
	}
	loc, err := conf.Location()
	if err != nil {
		return nil, nil, fmt.Errorf("config: timezone %q: %w", conf.Timezone, err)
	}
	return conf, loc, nil
}

// openStorage selects the account data backend. The returned closer is
// nil when the backend holds no resources.
func openStorage(conf *config.Config, mx *matrix.Client) (accountdata.Store, io.Closer, error) {
	switch conf.Storage.Backend {
	case config.StorageMatrix:
		if mx == nil {
			return nil, nil, errors.New("matrix storage needs a homeserver")
		}
		return mx, nil, nil
	case config.StorageMemory:
		appLog.Warn("memory storage selected; reminders are lost on restart")
		return accountdata.NewMemory(), nil, nil
	default:
		db, err := accountdata.OpenSQLite(conf.Storage.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", conf.Storage.SQLitePath, err)
		}
		return db, db, nil
	}
}

// discoverRooms merges configured rooms with joined rooms (when connected
// to a homeserver) and rooms the store already holds data for.
func discoverRooms(ctx context.Context, conf *config.Config, mx *matrix.Client, data accountdata.Store) ([]string, error) {
	seen := make(map[string]struct{})
	for _, r := range conf.Rooms {
		seen[r] = struct{}{}
	}

	var errs []error
	if mx != nil {
		joined, err := mx.JoinedRooms(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		for _, r := range joined {
			seen[r] = struct{}{}
		}
	}
	if lister, ok := data.(roomLister); ok {
		stored, err := lister.Rooms(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		for _, r := range stored {
			seen[r] = struct{}{}
		}
	}

	rooms := make([]string, 0, len(seen))
	for r := range seen {
		if r != "" {
			rooms = append(rooms, r)
		}
	}
	sort.Strings(rooms)
	return rooms, errors.Join(errs...)
}
