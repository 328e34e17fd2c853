package planner

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/weekender-app/weekender/internal/calendar"
	"github.com/weekender-app/weekender/internal/config"
	"github.com/weekender-app/weekender/internal/outbox"
	"github.com/weekender-app/weekender/internal/persist"
	"github.com/weekender-app/weekender/internal/plan"
	"github.com/weekender-app/weekender/internal/reconcile"
	"github.com/weekender-app/weekender/internal/remote"
	"github.com/weekender-app/weekender/internal/store"
	"github.com/weekender-app/weekender/internal/syncengine"
)

// Open builds a fully wired Planner from configuration: file-backed local
// persistence under DataDir, the configured remote store, ICS calendar
// sources with a filesystem watcher, and production trigger timing.
func Open(cfg *config.Config, logger *slog.Logger) (*Planner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("planner: config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("planner: timezone: %w", err)
	}

	p, err := persist.NewFileStore(filepath.Join(cfg.DataDir, "state"), cfg.Debounce.Std())
	if err != nil {
		return nil, err
	}
	st, err := store.Open(p)
	if err != nil {
		p.Close()
		return nil, err
	}
	ob, err := outbox.Open(p, st)
	if err != nil {
		p.Close()
		return nil, err
	}
	rem, err := remote.NewStore(cfg.Remote.Driver, cfg.Remote.DSN)
	if err != nil {
		p.Close()
		return nil, err
	}

	ids := plan.UUIDv7Generator{}
	engine, err := syncengine.New(syncengine.Config{
		Store:  st,
		Outbox: ob,
		Remote: rem,
		Owner:  cfg.Owner,
		Logger: logger,
	})
	if err != nil {
		rem.Close()
		p.Close()
		return nil, err
	}

	files := make([]calendar.File, 0, len(cfg.Calendars))
	sources := make([]reconcile.Source, 0, len(cfg.Calendars))
	for _, cal := range cfg.Calendars {
		files = append(files, calendar.File{ID: cal.ID, Path: cal.Path, Writable: cal.Writable})
		sources = append(sources, reconcile.Source{
			ID:            cal.ID,
			Writable:      cal.Writable,
			Informational: cal.Informational,
		})
	}
	var (
		changes <-chan string
		watcher *calendar.Watcher
		rec     *reconcile.Reconciler
	)
	if len(files) > 0 {
		provider, err := calendar.NewFileSource(files, logger)
		if err != nil {
			rem.Close()
			p.Close()
			return nil, err
		}
		rec, err = reconcile.New(reconcile.Config{
			Store:    st,
			Outbox:   ob,
			Provider: provider,
			Sources:  sources,
			IDs:      ids,
			Echo:     reconcile.NewEchoLedger(cfg.EchoTTL.Std(), nil),
			Window: reconcile.Window{
				DaysPast:   cfg.WindowDaysPast,
				DaysFuture: cfg.WindowDaysFuture,
			},
			Location: loc,
			Logger:   logger,
		})
		if err != nil {
			rem.Close()
			p.Close()
			return nil, err
		}
		watcher, err = calendar.NewWatcher(files, logger)
		if err != nil {
			rem.Close()
			p.Close()
			return nil, err
		}
		changes = watcher.Changes()
	} else {
		// With no calendars configured the reconciler has nothing to do;
		// wire a no-op memory provider so the rest of the core still runs.
		rec, err = reconcile.New(reconcile.Config{
			Store:    st,
			Outbox:   ob,
			Provider: calendar.NewMemory(),
			Sources:  []reconcile.Source{{ID: "none"}},
			IDs:      ids,
			Location: loc,
			Logger:   logger,
		})
		if err != nil {
			rem.Close()
			p.Close()
			return nil, err
		}
	}

	pl, err := New(Options{
		Store:           st,
		Outbox:          ob,
		Engine:          engine,
		Reconciler:      rec,
		IDs:             ids,
		Actor:           cfg.Owner,
		Debounce:        cfg.Debounce.Std(),
		Throttle:        cfg.Throttle.Std(),
		SafetyTick:      cfg.SafetyTick.Std(),
		CalendarChanges: changes,
		Logger:          logger,
	})
	if err != nil {
		if watcher != nil {
			watcher.Close()
		}
		rem.Close()
		p.Close()
		return nil, err
	}
	if watcher != nil {
		pl.cleanup = append(pl.cleanup, watcher.Close)
	}
	pl.cleanup = append(pl.cleanup, rem.Close, p.Close)
	return pl, nil
}
