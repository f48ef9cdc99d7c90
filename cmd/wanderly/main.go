package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/52poke/wanderly/internal/config"
	httpx "github.com/52poke/wanderly/internal/http"
	"github.com/52poke/wanderly/internal/lock"
	mylog "github.com/52poke/wanderly/internal/log"
	"github.com/52poke/wanderly/internal/manifest"
	"github.com/52poke/wanderly/internal/origin"
	"github.com/52poke/wanderly/internal/update"
	"github.com/52poke/wanderly/internal/worker"
	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:   "wanderly",
		Usage:  "offline-first cache in front of the Wanderly site",
		Action: serveAction,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "install the configured cache version and serve requests",
				Action: serveAction,
			},
			{
				Name:   "install",
				Usage:  "install and activate the configured cache version, then exit",
				Action: installAction,
			},
			{
				Name:  "manifest",
				Usage: "print the asset manifest",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "file",
						Usage:   "manifest YAML file (built-in list when empty)",
						Sources: cli.EnvVars("WANDERLY_MANIFEST_FILE"),
					},
					&cli.StringFlag{
						Name:    "origin",
						Usage:   "fetch every asset from this origin and print its size",
						Sources: cli.EnvVars("WANDERLY_ORIGIN_BASE_URL"),
					},
					&cli.BoolFlag{
						Name:  "sizes",
						Usage: "fetch assets from --origin and report their sizes",
					},
				},
				Action: manifestAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.cfg

	handler, err := httpx.NewHandler(cfg.OriginBaseURL, rt.manager, log.Log)
	if err != nil {
		return err
	}
	updateHandler := &update.Handler{
		Manager: rt.manager,
		Locker:  rt.locker,
		LockTTL: cfg.LockTTL(),
		Token:   cfg.AdminToken,
		Log:     log.Log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/readyz", httpx.ReadyHandler(rt.manager))
	mux.Handle("/_worker/status", httpx.StatusHandler(rt.manager))
	mux.Handle("/_worker/update", updateHandler)
	mux.Handle("/", handler)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := rt.manager.Run(ctx, cfg.InstallAttempts); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).WithField("version", cfg.CacheVersion).Error("cache never became active, requests go straight to the origin")
		}
	}()

	if cfg.SharedStorage() && cfg.SyncInterval() > 0 {
		go rt.manager.Watch(ctx, cfg.SyncInterval())
	}

	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	log.Info("shutting down")
	err = server.Shutdown(shutdownCtx)
	rt.manager.Wait()
	return err
}

func installAction(ctx context.Context, cmd *cli.Command) error {
	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.manager.Run(ctx, rt.cfg.InstallAttempts); err != nil {
		return err
	}
	st := rt.manager.Status()
	log.WithField("version", st.Version).WithField("state", st.State.String()).Info("done")
	return nil
}

func manifestAction(ctx context.Context, cmd *cli.Command) error {
	mylog.Init("warn")

	assets := manifest.Default()
	if path := cmd.String("file"); path != "" {
		var err error
		if assets, err = manifest.Load(path); err != nil {
			return err
		}
	}
	if !cmd.Bool("sizes") {
		for _, a := range assets {
			fmt.Println(a)
		}
		return nil
	}

	base := cmd.String("origin")
	if base == "" {
		return errors.New("--sizes needs --origin or WANDERLY_ORIGIN_BASE_URL")
	}
	client := origin.NewClient(base, 10*time.Second)
	var total uint64
	for _, a := range assets {
		path, rawQuery, _ := strings.Cut(a, "?")
		resp, body, err := client.Fetch(ctx, http.MethodGet, path, rawQuery, nil, nil)
		if err != nil {
			fmt.Printf("%-40s  error: %v\n", a, err)
			continue
		}
		total += uint64(len(body))
		fmt.Printf("%-40s  %3d  %s\n", a, resp.StatusCode, humanize.Bytes(uint64(len(body))))
	}
	fmt.Printf("%d assets, %s\n", len(assets), humanize.Bytes(total))
	return nil
}

// services is everything a command needs after configuration.
type services struct {
	cfg     config.Config
	manager *worker.Manager
	locker  lock.Locker
	closers []func() error
}

func (rt *services) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			log.WithError(err).Warn("close")
		}
	}
}
