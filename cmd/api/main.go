package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"clinrelay.org/internal/audit"
	"clinrelay.org/internal/binding"
	"clinrelay.org/internal/botclient"
	"clinrelay.org/internal/clinician"
	"clinrelay.org/internal/delegation"
	"clinrelay.org/internal/draft"
	"clinrelay.org/internal/gate"
	"clinrelay.org/internal/httpapi"
	"clinrelay.org/internal/killswitch"
	"clinrelay.org/internal/obs"
	"clinrelay.org/internal/ratelimit"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("CLINRELAY_PG_DSN")
	if dsn == "" {
		log.Fatal("CLINRELAY_PG_DSN is required")
	}
	secret := os.Getenv("CLINRELAY_AUTH_SECRET")
	if secret == "" {
		log.Fatal("CLINRELAY_AUTH_SECRET is required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	// Per-bot limits live in Redis so all instances count together; a
	// missing Redis degrades to per-instance in-memory windows.
	hourWindow := ratelimit.Limiter(ratelimit.NewInMemory(time.Hour))
	minuteWindow := ratelimit.Limiter(ratelimit.NewInMemory(time.Minute))
	var rdb *redis.Client
	if addr := os.Getenv("CLINRELAY_REDIS_ADDR"); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		hourWindow = ratelimit.NewRedis(rdb, time.Hour, "deleg")
		minuteWindow = ratelimit.NewRedis(rdb, time.Minute, "calls")
	}

	auditStore := audit.NewPGStore(db)
	recorder := audit.NewRecorder(auditStore)
	clinicians := clinician.NewPGStore(db)

	bots := botclient.NewRegistry(botclient.NewPGStore(db), recorder)
	bindings := binding.NewRegistry(binding.NewPGStore(db), clinicians, recorder)

	swTTL := durationEnv("CLINRELAY_KILLSWITCH_TTL_SECONDS", killswitch.DefaultCacheTTL)
	killSwitch := killswitch.New(killswitch.NewPGStore(db), recorder, swTTL)

	signerOpts := []delegation.SignerOption{}
	if ttl := durationEnv("CLINRELAY_TOKEN_TTL_SECONDS", 0); ttl > 0 {
		signerOpts = append(signerOpts, delegation.WithTTLCeiling(ttl))
	}
	signer, err := delegation.NewSigner([]byte(secret), signerOpts...)
	if err != nil {
		log.Fatalf("signer: %v", err)
	}

	delegations := delegation.NewService(signer, bots, bindings, killSwitch, hourWindow, recorder)
	checker := gate.New(signer, clinicians, bots, killSwitch, minuteWindow, recorder)
	drafts := draft.NewManager(draft.NewPGStore(db), clinicians, recorder)
	if horizon := durationEnv("CLINRELAY_DRAFT_TTL_SECONDS", 0); horizon > 0 {
		drafts = drafts.WithExpiryHorizon(horizon)
	}

	api := httpapi.New(httpapi.Deps{
		Delegations: delegations,
		Gate:        checker,
		Drafts:      drafts,
		Bindings:    bindings,
		Bots:        bots,
		Switch:      killSwitch,
		Clinicians:  clinicians,
		Audits:      auditStore,
	}, httpapi.ReadyProbe{DB: db}, version)

	addr := os.Getenv("CLINRELAY_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Expired drafts are removed continuously, not only on request paths.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go sweepLoop(sweepCtx, drafts, durationEnv("CLINRELAY_SWEEP_INTERVAL_SECONDS", 5*time.Minute))

	log.Printf("Starting clinrelay-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if rdb != nil {
		_ = rdb.Close()
	}
	_ = db.Close()
	log.Println("Stopped")
}

func sweepLoop(ctx context.Context, drafts *draft.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := drafts.Sweep(ctx); err != nil {
				log.Printf("draft sweep: %v", err)
			} else if n > 0 {
				log.Printf("draft sweep removed %d expired drafts", n)
			}
		}
	}
}

func durationEnv(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		log.Printf("ignoring invalid %s=%q", key, raw)
		return def
	}
	return time.Duration(secs) * time.Second
}
