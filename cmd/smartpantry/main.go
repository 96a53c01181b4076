package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ayusman/smartpantry/internal/app"
	"github.com/ayusman/smartpantry/internal/config"
	"github.com/ayusman/smartpantry/internal/ledger"
	"github.com/ayusman/smartpantry/internal/logging"
	"github.com/ayusman/smartpantry/internal/mirror"
	"github.com/ayusman/smartpantry/internal/pipeline"
	"github.com/ayusman/smartpantry/internal/replay"
	"github.com/ayusman/smartpantry/internal/server"
	"github.com/ayusman/smartpantry/internal/store"
	"github.com/ayusman/smartpantry/internal/tray"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON configuration file")
	replayPath := flag.String("replay", "", "replay recorded frames from a JSONL file (\"-\" for stdin) instead of the camera")
	session := flag.String("session", "", "resume this session id instead of starting a new one")
	serve := flag.Bool("serve", false, "keep serving the API after a replay has finished")
	withTray := flag.Bool("tray", false, "show the system tray menu")
	record := flag.String("record", "", "record camera frames to a JSONL file that -replay can read")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log, options{
		replay:  *replayPath,
		session: *session,
		serve:   *serve,
		tray:    *withTray,
		record:  *record,
	}); err != nil {
		log.WithError(err).Fatal("smartpantry stopped")
	}
}

type options struct {
	replay  string
	session string
	serve   bool
	tray    bool
	record  string
}

func run(cfg *config.Config, log *logrus.Logger, opts options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	var (
		src        pipeline.Source
		sourceName string
	)
	if opts.replay != "" {
		src, err = app.OpenReplay(opts.replay, log)
		if err != nil {
			return err
		}
		sourceName = "replay"
	} else {
		src = app.OpenCapture(cfg, log)
		sourceName = "capture"
	}
	if opts.record != "" {
		rec, err := replay.Record(opts.record, src, log)
		if err != nil {
			src.Close()
			return err
		}
		log.WithField("path", opts.record).Info("recording frames")
		src = rec
	}

	a, err := app.New(ctx, app.Config{
		Settings:   cfg,
		Store:      st,
		Source:     src,
		SourceName: sourceName,
		SessionID:  opts.session,
		Log:        log,
	})
	if err != nil {
		src.Close()
		return err
	}
	l := a.Ledger()

	events := server.NewEventHub(l.Snapshot, log)
	l.OnCommit(events.Publish)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Redis.Addr != "" {
		if m, err := openMirror(gctx, cfg, log, l.Snapshot()); err != nil {
			log.WithError(err).Warn("redis mirror disabled")
		} else {
			l.OnCommit(m.Publish)
			g.Go(func() error {
				defer m.Close()
				return m.Run(gctx)
			})
		}
	}

	srv := server.New(server.Config{
		StaticDir: findWebDir(),
		Store:     st,
		Ledger:    l,
		Events:    events,
		Stats:     func() any { return a.Stats() },
		Tracking:  a.Err,
		Log:       log,
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.HTTPAddr)
	})

	a.Start(gctx)
	g.Go(func() error {
		finished, err := waitTracking(gctx, a.Done(), a.Err)
		if err != nil {
			return err
		}
		if finished && sourceName == "replay" && !opts.serve {
			log.Info("replay finished")
			cancel()
		}
		return nil
	})

	if opts.tray {
		t := tray.New()
		t.SetInventory(l.Snapshot())
		l.OnCommit(t.Update)
		t.OnToggle(a.SetEnabled)
		t.OnOpen(func() { openBrowser(cfg.HTTPAddr, log) })
		t.OnQuit(cancel)
		go func() {
			<-gctx.Done()
			t.Quit()
		}()
		// The tray owns the main goroutine until quit.
		t.Run()
		cancel()
	}

	err = g.Wait()
	if stopErr := a.Stop(); stopErr != nil && !errors.Is(err, stopErr) {
		err = errors.Join(err, stopErr)
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	stats := a.Stats()
	log.WithFields(logrus.Fields{
		"session":      a.Session().ID,
		"frames":       stats.Frames,
		"transactions": stats.Transactions,
	}).Info("smartpantry stopped")
	return err
}

// waitTracking blocks until tracking ends or ctx is done. Tracking that ended
// with an error is returned so the process stops instead of serving an
// inventory that no longer follows the camera.
func waitTracking(ctx context.Context, done <-chan struct{}, trackingErr func() error) (bool, error) {
	select {
	case <-done:
		if err := trackingErr(); err != nil {
			return true, fmt.Errorf("tracking stopped: %w", err)
		}
		return true, nil
	case <-ctx.Done():
		return false, nil
	}
}

func openStore(cfg *config.Config, log *logrus.Logger) (*store.Store, error) {
	driver, err := store.ParseDriver(cfg.Store.Driver)
	if err != nil {
		return nil, err
	}
	if driver == store.SQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.DSN), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	st, err := store.Open(driver, cfg.Store.DSN, store.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	return st, nil
}

func openMirror(ctx context.Context, cfg *config.Config, log *logrus.Logger, inventory []ledger.Entry) (*mirror.Mirror, error) {
	client, err := mirror.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	m := mirror.New(client, mirror.Config{
		Stream:       cfg.Redis.Stream,
		InventoryKey: cfg.Redis.InventoryKey,
		StreamMaxLen: cfg.Redis.StreamMaxLen,
		Log:          log,
	})
	if err := m.Sync(ctx, inventory); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and ~/.smartpantry/web.
// Returns the first existing directory or empty string if none found.
func findWebDir() string {
	relativePaths := []string{"web", "../web", "../../web"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}

	homeWebDir := filepath.Join(config.DefaultDataDir(), "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}

	return ""
}

// openBrowser opens the inventory page of the local API.
func openBrowser(addr string, log logrus.FieldLogger) {
	url := inventoryURL(addr)

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		log.WithError(err).WithField("url", url).Warn("failed to open browser")
		return
	}
	go cmd.Wait()
}

func inventoryURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/api/inventory"
}
