package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/geotracker-go/feed"
	"github.com/ggoodman/geotracker-go/internal/config"
	"github.com/ggoodman/geotracker-go/internal/logctx"
	"github.com/ggoodman/geotracker-go/prefs"
	"github.com/ggoodman/geotracker-go/store"
	"github.com/ggoodman/geotracker-go/store/memory"
	"github.com/ggoodman/geotracker-go/store/mongostore"
	"github.com/ggoodman/geotracker-go/store/redisstore"
	"github.com/ggoodman/geotracker-go/tracker"
)

const version = "0.1.0"

const usage = `Share a live location with the other participants of a session.

Commands are read from stdin, one per line; type "help" for the list.

Usage:
    geotracker [--store=<store>] [--user=<id>] [--name=<name>]
        [--prefs=<path>] [--feed=<addr>] [--env=<file>]
    geotracker -h | --help
    geotracker --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --store=<store>    Backend: memory, redis or mongo [default from GEOTRACKER_STORE].
    --user=<id>        User id. Defaults to the id saved in the preferences.
    --name=<name>      Display name shown on other devices.
    --prefs=<path>     Preferences file, watched for display name changes.
    --feed=<addr>      Serve the websocket event feed on this address.
    --env=<file>       Load environment variables from this file [default: .env].`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "geotracker:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts docopt.Opts) error {
	envFile, _ := opts.String("--env")
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	override(&cfg.Store, opts, "--store")
	override(&cfg.UserID, opts, "--user")
	override(&cfg.DisplayName, opts, "--name")
	override(&cfg.PrefsPath, opts, "--prefs")
	override(&cfg.FeedAddr, opts, "--feed")
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := newLogger(cfg)
	slog.SetDefault(log)

	p, err := prefs.Load(cfg.PrefsPath)
	if err != nil {
		return err
	}
	userID, dirty := resolveUser(cfg, &p)
	if dirty {
		if err := prefs.Save(cfg.PrefsPath, p); err != nil {
			log.Warn("geotracker: could not save preferences", slog.String("path", cfg.PrefsPath), slog.String("err", err.Error()))
		}
	}

	client, err := newClient(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	tr := tracker.New(client, userID,
		tracker.WithLogger(log),
		tracker.WithDisplayName(p.DisplayName),
		tracker.WithReconnectBackoff(cfg.ReconnectMin, cfg.ReconnectMax),
	)
	defer func() {
		_ = tr.Close()
	}()

	var hub *feed.Hub
	if cfg.FeedAddr != "" {
		hub = feed.NewHub(tr, feed.WithLogger(log))
	}

	a := &app{tr: tr, out: os.Stdout, prefsPath: cfg.PrefsPath, log: log}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tr.Run(gctx) })
	g.Go(func() error { return a.printEvents(gctx, hub) })
	g.Go(func() error {
		return prefs.Watch(gctx, cfg.PrefsPath, func(p prefs.Prefs) {
			if p.DisplayName == "" || p.DisplayName == tr.DisplayName() {
				return
			}
			if err := tr.SetDisplayName(gctx, p.DisplayName); err != nil {
				log.Warn("geotracker: display name not applied", slog.String("err", err.Error()))
			}
		}, prefs.WithLogger(log))
	})
	if hub != nil {
		srv := &http.Server{Addr: cfg.FeedAddr, Handler: hub, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			log.Info("geotracker: feed listening", slog.String("addr", cfg.FeedAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			hub.Close()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		cctx, cancel := context.WithTimeout(gctx, 30*time.Second)
		err := tr.Connect(cctx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		log.Info("geotracker: ready", slog.String("user_id", userID), slog.String("store", cfg.Store))
		return a.readCommands(gctx, bufio.NewScanner(os.Stdin))
	})

	err = g.Wait()
	if errors.Is(err, errQuit) {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tr.Disconnect(disconnectCtx)
	}
	return err
}

func override(dst *string, opts docopt.Opts, flag string) {
	if v, err := opts.String(flag); err == nil && v != "" {
		*dst = v
	}
}

// resolveUser picks the user id and display name. The environment wins over
// saved preferences; a generated id is saved so the device keeps it.
func resolveUser(cfg config.Config, p *prefs.Prefs) (string, bool) {
	dirty := false
	if cfg.DisplayName != "" && cfg.DisplayName != p.DisplayName {
		p.DisplayName = cfg.DisplayName
		dirty = true
	}
	if cfg.UserID != "" {
		return cfg.UserID, dirty
	}
	if p.UserID == "" {
		p.UserID = uuid.NewString()
		dirty = true
	}
	return p.UserID, dirty
}

func newLogger(cfg config.Config) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: cfg.Level()}
	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stderr, hopts)
	} else {
		h = slog.NewTextHandler(os.Stderr, hopts)
	}
	return slog.New(logctx.Handler{Handler: h})
}

func newClient(cfg config.Config, log *slog.Logger) (store.Client, error) {
	pubs := tracker.Publications()
	switch cfg.Store {
	case config.StoreRedis:
		c, err := redisstore.NewFromEnv(pubs, redisstore.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		return c, nil
	case config.StoreMongo:
		mopts := []mongostore.Option{mongostore.WithLogger(log)}
		for _, ix := range tracker.Indexes() {
			mopts = append(mopts, mongostore.WithIndex(ix.Collection, ix.Field))
		}
		return mongostore.NewFromEnv(pubs, mopts...), nil
	default:
		// Single-process backend; useful for trying the CLI without a server.
		return memory.NewServer(pubs, memory.WithLogger(log)).NewClient(), nil
	}
}
