// Command server runs the reading-progress bridge: the admin API, the
// KOReader sync endpoint, and the background sync machinery, wired
// together with plain constructors.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shelfsync/shelfsync-server/internal/api"
	"github.com/shelfsync/shelfsync-server/internal/client"
	"github.com/shelfsync/shelfsync-server/internal/config"
	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/ebook"
	"github.com/shelfsync/shelfsync-server/internal/engine"
	"github.com/shelfsync/shelfsync-server/internal/errors"
	"github.com/shelfsync/shelfsync-server/internal/events"
	"github.com/shelfsync/shelfsync-server/internal/kosync"
	"github.com/shelfsync/shelfsync-server/internal/library"
	"github.com/shelfsync/shelfsync-server/internal/logger"
	"github.com/shelfsync/shelfsync-server/internal/mdns"
	"github.com/shelfsync/shelfsync-server/internal/store/sqlite"
	"github.com/shelfsync/shelfsync-server/internal/suggest"
	"github.com/shelfsync/shelfsync-server/internal/suppress"
	"github.com/shelfsync/shelfsync-server/internal/transcribe"
	"github.com/shelfsync/shelfsync-server/internal/trigger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Environment: cfg.App.Environment,
		Level:       logger.ParseLevel(cfg.Logger.Level),
		File:        cfg.Logger.File,
	})

	if err := run(cfg, log); err != nil {
		log.Error("bridge failed", "error", err)
		os.Exit(1)
	}
	log.Info("bridge stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Data.BasePath, 0o750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	db, err := sqlite.Open(cfg.Data.DatabasePath(), log.Logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	applySettings(ctx, db, cfg, log)

	ev := events.NewManager(log)
	tracker := suppress.NewTracker(cfg.Sync.SuppressTTL)
	cache := ebook.NewCache(0)
	transcripts := transcribe.NewSource(cfg.Data.TranscriptPath())

	// The ebook-downloading clients need the library to resolve files,
	// and the library needs the Booklore client to fetch them. The lazy
	// opener breaks the cycle.
	books := &lazyOpener{}

	absClient := client.NewABS(cfg.Clients.ABS, transcripts, log)
	booklore := client.NewBooklore(cfg.Clients.Booklore, books, log)
	storyteller := client.NewStoryteller(cfg.Clients.Storyteller, books, log)
	hardcover := client.NewHardcover(cfg.Clients.Hardcover, log)

	lib, err := library.NewService(cfg.Library, cfg.Data, cache, db, booklore, transcripts, log)
	if err != nil {
		return fmt.Errorf("open library: %w", err)
	}
	defer lib.Close()
	books.svc = lib

	// KOReader devices either talk to an external kosync server we poll
	// over HTTP, or to the protocol server built into this process.
	var koClient client.Client
	var ksStore *kosync.Store
	if cfg.Clients.KoSync.Configured() {
		koClient = client.NewKoSync(cfg.Clients.KoSync, books, log)
	} else {
		ksStore, err = kosync.OpenStore(cfg.Data.BadgerPath(), log)
		if err != nil {
			return fmt.Errorf("open kosync store: %w", err)
		}
		defer ksStore.Close()
		koClient = kosync.NewClient(ksStore, books)
	}

	registry := client.NewRegistry(absClient, koClient, storyteller, booklore, hardcover)

	eng := engine.New(db, registry, lib, tracker, cfg.Sync, log)
	if ksStore != nil {
		eng.SetDocPurger(ksStore)
	}
	eng.OnOutcome = func(bookID, title string, err error) {
		if err != nil {
			ev.Emit(events.New(events.EventCycleFailed, map[string]string{
				"book_id": bookID, "title": title, "error": err.Error(),
			}))
			return
		}
		ev.Emit(events.New(events.EventCycleCompleted, map[string]string{
			"book_id": bookID, "title": title,
		}))
	}

	dispatcher := trigger.NewDispatcher(eng, cfg.Sync.Workers, log)
	lib.Enqueue = func(bookID string) { dispatcher.Enqueue(bookID, true) }

	var jobs *transcribe.Manager
	if cfg.Jobs.Configured() {
		whisper := transcribe.NewWhisper(cfg.Jobs.WhisperURL, cfg.Jobs.WhisperModel, log)
		jobs = transcribe.NewManager(db, absClient, books, whisper, cfg.Jobs, cfg.Data, log)
		jobs.OnJobUpdate = func(j *domain.TranscriptionJob) {
			ev.Emit(events.New(events.EventJobUpdated, j))
		}
	}

	var suggestions *suggest.Service
	if cfg.Suggest.Enabled && cfg.Clients.ABS.Configured() {
		searchers := []suggest.Searcher{lib}
		if booklore.IsConfigured() {
			searchers = append(searchers, suggest.NewBookloreSearcher(booklore))
		}
		suggestions = suggest.NewService(cfg.Suggest, absClient, db, log, searchers...)
		suggestions.OnSuggestion = func(sg *domain.Suggestion) {
			ev.Emit(events.New(events.EventSuggestionCreated, sg))
		}
	}

	// A nil *transcribe.Manager stored in a non-nil interface would slip
	// past the handlers' nil checks.
	var jobQueue api.JobQueue
	if jobs != nil {
		jobQueue = jobs
	}
	var scanner api.SuggestScanner
	if suggestions != nil {
		scanner = suggestions
	}
	var purger api.DocPurger
	if ksStore != nil {
		purger = ksStore
	}

	admin := api.NewServer(db, dispatcher, eng, jobQueue, scanner, lib, purger, ev, log)

	var ksServer *kosync.Server
	if ksStore != nil {
		discover := func(docHash string) {
			go func() {
				dctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if _, err := lib.Discover(dctx, docHash); err != nil && !errors.Is(err, errors.ErrNotFound) {
					log.Warn("document discovery failed", "hash", docHash, "error", err)
				}
			}()
		}
		ksServer = kosync.NewServer(cfg.Kosync, ksStore, db,
			func(bookID string) { dispatcher.Enqueue(bookID, true) }, discover, log)
		defer ksServer.Stop()
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { ev.Run(ctx); return nil })
	g.Go(func() error { dispatcher.Run(ctx); return nil })
	g.Go(func() error {
		trigger.NewTicker(cfg.Sync.Period, eng, tracker, log).Run(ctx)
		return nil
	})

	if cfg.Clients.ABS.Configured() {
		debouncer := trigger.NewDebouncer(cfg.Sync.Debounce, func(bookID string) {
			dispatcher.Enqueue(bookID, false)
		})
		var onUnmapped func(bookID string)
		if suggestions != nil {
			onUnmapped = func(bookID string) {
				sctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if err := suggestions.Check(sctx, bookID); err != nil {
					log.Warn("suggestion check failed", "book", bookID, "error", err)
				}
			}
		}
		listener := trigger.NewListener(cfg.Clients.ABS, db, debouncer, onUnmapped, log)
		g.Go(func() error {
			if err := listener.Run(ctx); err != nil {
				log.Warn("event listener unavailable, relying on periodic sync", "error", err)
			}
			return nil
		})
	}

	if cfg.Clients.Storyteller.Configured() && cfg.Clients.Storyteller.Poll.Custom() {
		p := trigger.NewPoller(storyteller, cfg.Clients.Storyteller.Poll.Interval,
			db, tracker, dispatcher.Enqueue, log)
		g.Go(func() error { p.Run(ctx); return nil })
	}
	if cfg.Clients.Booklore.Configured() && cfg.Clients.Booklore.Poll.Custom() {
		p := trigger.NewPoller(booklore, cfg.Clients.Booklore.Poll.Interval,
			db, tracker, dispatcher.Enqueue, log)
		g.Go(func() error { p.Run(ctx); return nil })
	}

	if cfg.Library.EbookPath != "" {
		g.Go(func() error { return lib.Watch(ctx) })
		g.Go(func() error {
			if _, err := lib.Scan(ctx); err != nil && ctx.Err() == nil {
				log.Warn("initial library scan failed", "error", err)
			}
			return nil
		})
	}

	if suggestions != nil {
		g.Go(func() error {
			tick := time.NewTicker(cfg.Sync.Period)
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-tick.C:
					if err := suggestions.Scan(ctx); err != nil && ctx.Err() == nil {
						log.Warn("suggestion sweep failed", "error", err)
					}
				}
			}
		})
	}

	if jobs != nil {
		g.Go(func() error { jobs.Run(ctx); return nil })
	}

	adminSrv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      admin,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	g.Go(func() error { return serve(ctx, adminSrv, "admin api", log) })

	if ksServer != nil {
		syncSrv := &http.Server{
			Addr:         ":" + cfg.Server.KosyncPort,
			Handler:      ksServer.Router(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}
		g.Go(func() error { return serve(ctx, syncSrv, "kosync", log) })

		if cfg.Server.AdvertiseMDNS {
			advertiser := mdns.NewService(log)
			if port, err := strconv.Atoi(cfg.Server.KosyncPort); err == nil {
				if err := advertiser.Start(cfg.Server.Name, port); err != nil {
					log.Warn("mdns advertisement failed", "error", err)
				}
				defer advertiser.Stop()
			}
		}
	}

	log.Info("bridge started",
		"admin_port", cfg.Server.Port,
		"kosync_builtin", ksServer != nil,
		"environment", cfg.App.Environment)

	return g.Wait()
}

// serve runs an HTTP server until the context ends, then drains it with a
// bounded shutdown.
func serve(ctx context.Context, srv *http.Server, name string, log *logger.Logger) error {
	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down server", "server", name)
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("%s shutdown: %w", name, err)
	}
	return nil
}

// applySettings overlays runtime knobs persisted through the admin API
// onto the loaded configuration. Unknown keys are ignored so older rows
// survive upgrades.
func applySettings(ctx context.Context, db *sqlite.Store, cfg *config.Config, log *logger.Logger) {
	stored, err := db.AllSettings(ctx)
	if err != nil {
		log.Warn("reading stored settings failed, using environment configuration", "error", err)
		return
	}
	for key, value := range stored {
		switch key {
		case "sync_period":
			if d, err := time.ParseDuration(value); err == nil && d >= time.Minute {
				cfg.Sync.Period = d
			}
		case "sync_debounce":
			if d, err := time.ParseDuration(value); err == nil && d >= time.Second {
				cfg.Sync.Debounce = d
			}
		case "suppress_ttl":
			if d, err := time.ParseDuration(value); err == nil && d >= time.Second {
				cfg.Sync.SuppressTTL = d
			}
		case "dry_run":
			if b, err := strconv.ParseBool(value); err == nil {
				cfg.Sync.DryRun = b
			}
		case "suggestions_enabled":
			if b, err := strconv.ParseBool(value); err == nil {
				cfg.Suggest.Enabled = b
			}
		default:
			log.Debug("ignoring unknown stored setting", "key", key)
		}
	}
}

// lazyOpener defers to the library service once it exists.
type lazyOpener struct {
	svc *library.Service
}

func (o *lazyOpener) Open(ctx context.Context, m *domain.Mapping) (*ebook.Book, error) {
	if o.svc == nil {
		return nil, errors.NotConfigured("library not initialized")
	}
	return o.svc.Open(ctx, m)
}
