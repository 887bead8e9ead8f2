package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/kolabtools/kolabcache/internal/cache"
	"github.com/kolabtools/kolabcache/internal/config"
	"github.com/kolabtools/kolabcache/internal/db"
	"github.com/kolabtools/kolabcache/internal/kolab"
	"github.com/kolabtools/kolabcache/internal/remote"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting KolabCache...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize database
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()

	// A signal aborts in-flight requests; the sync lock and tokens keep
	// the store consistent across interrupted passes.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := remote.ClientOptions{
		BaseURL:   cfg.DAV.URL,
		Username:  cfg.DAV.Username,
		Password:  cfg.DAV.Password,
		RateLimit: cfg.RateLimiting.RPS,
		Burst:     cfg.RateLimiting.Burst,
	}
	cacheOpts := cache.Options{
		Enabled:          cfg.Cache.Enabled,
		MaxSyncTime:      cfg.Cache.MaxSyncTime,
		BatchMaxBytes:    cfg.Cache.BatchMaxBytes,
		LockMaxAge:       cfg.Cache.LockMaxAge,
		LockPollInterval: cfg.Cache.LockPollInterval,
	}

	start := time.Now()
	synced := 0

	// Calendars
	calendars, err := remote.FindCalendars(ctx, opts)
	if err != nil {
		log.Fatalf("Failed to discover calendars: %v", err)
	}
	log.Printf("Discovered %d calendars", len(calendars))

	for _, col := range calendars {
		if ctx.Err() != nil {
			break
		}
		folder, err := remote.NewCalDAVFolder(opts, col.Path)
		if err != nil {
			log.Printf("Skipping calendar %s: %v", col.Path, err)
			continue
		}
		if syncCollection(ctx, database, folder, col, kolab.TypeEvent, cacheOpts) {
			synced++
		}
	}

	// Addressbooks
	books, err := remote.FindAddressBooks(ctx, opts)
	if err != nil {
		log.Fatalf("Failed to discover addressbooks: %v", err)
	}
	log.Printf("Discovered %d addressbooks", len(books))

	for _, col := range books {
		if ctx.Err() != nil {
			break
		}
		folder, err := remote.NewCardDAVFolder(opts, col.Path)
		if err != nil {
			log.Printf("Skipping addressbook %s: %v", col.Path, err)
			continue
		}
		if syncCollection(ctx, database, folder, col, kolab.TypeContact, cacheOpts) {
			synced++
		}
	}

	if ctx.Err() != nil {
		log.Printf("Interrupted after %d collections in %v", synced, time.Since(start).Round(time.Millisecond))
		return
	}
	log.Printf("Synchronized %d collections in %v", synced, time.Since(start).Round(time.Millisecond))
}

// syncCollection runs one cache pass and reports its outcome.
func syncCollection(ctx context.Context, database *db.DB, folder remote.DavFolder, col remote.Collection, typ kolab.Type, opts cache.Options) bool {
	c, err := cache.NewDav(database, folder, col.Path, typ, opts)
	if err != nil {
		log.Printf("Skipping %s: %v", col.Path, err)
		return false
	}

	if err := c.Synchronize(ctx); err != nil {
		log.Printf("Sync of %s failed: %v", col.Path, err)
		return false
	}

	logs, err := c.SyncLogs(1)
	if err != nil || len(logs) == 0 {
		log.Printf("Synced %s", col.Path)
		return true
	}
	entry := logs[0]
	log.Printf("Synced %s: %s, %d added, %d deleted in %dms",
		col.Path, entry.Status, entry.ObjectsAdded, entry.ObjectsDeleted, entry.DurationMS)
	return true
}
