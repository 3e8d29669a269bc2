package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/EndangeredF1sh/vlabcontroller/internal/backend"
	"github.com/EndangeredF1sh/vlabcontroller/internal/config"
	"github.com/EndangeredF1sh/vlabcontroller/internal/crypto"
	"github.com/EndangeredF1sh/vlabcontroller/internal/engine"
	"github.com/EndangeredF1sh/vlabcontroller/internal/handlers"
	"github.com/EndangeredF1sh/vlabcontroller/internal/logging"
	"github.com/EndangeredF1sh/vlabcontroller/internal/metrics"
	"github.com/EndangeredF1sh/vlabcontroller/internal/middleware"
	"github.com/EndangeredF1sh/vlabcontroller/internal/reaper"
	"github.com/EndangeredF1sh/vlabcontroller/internal/router"
	"github.com/EndangeredF1sh/vlabcontroller/internal/session"
	"github.com/EndangeredF1sh/vlabcontroller/internal/spec"
	"github.com/EndangeredF1sh/vlabcontroller/internal/stats"
)

func main() {
	config.Load()
	logging.Init()

	ctx := context.Background()

	// Usage stats database (SQLite). Failure is non-fatal: the
	// controller runs without usage history.
	var collector stats.Collector = stats.Nop{}
	statsDB, err := stats.Open(config.Cfg.StatsDBPath)
	if err != nil {
		log.Printf("WARNING: stats database unavailable: %v", err)
	} else {
		collector = statsDB
		defer statsDB.Close()
	}

	// Spec registry (MongoDB) with fernet encryption for secret
	// environment values. The key lives in the stats database settings.
	mongoCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	mongoClient, err := mongo.Connect(mongoCtx, options.Client().ApplyURI(config.Cfg.MongoURI))
	cancel()
	if err != nil {
		log.Fatalf("Mongo connect: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())

	var cipher spec.Cipher
	if statsDB != nil {
		c, err := crypto.New(statsDB)
		if err != nil {
			log.Fatalf("Cipher init: %v", err)
		}
		cipher = c
	}

	registry := spec.NewRegistry(
		mongoClient.Database(config.Cfg.MongoDatabase).Collection("specs"),
		cipher,
		spec.Defaults{
			IdleTimeout:      config.Cfg.IdleTimeout,
			MaxLifetime:      config.Cfg.MaxLifetime,
			ReadinessTimeout: config.Cfg.ReadinessTimeout,
		},
	)
	if config.Cfg.SpecSeedFile != "" {
		if err := registry.SeedFromFile(ctx, config.Cfg.SpecSeedFile); err != nil {
			log.Fatalf("Spec seed: %v", err)
		}
	}
	if err := registry.Refresh(ctx); err != nil {
		log.Fatalf("Spec refresh: %v", err)
	}
	log.Printf("Spec registry loaded [specs: %d]", len(registry.ListAll()))

	// Session store (Redis).
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Cfg.RedisAddr,
		Password: config.Cfg.RedisPassword,
		DB:       config.Cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Redis connect: %v", err)
	}
	store := session.NewStore(rdb, config.Cfg.StoppedRecordTTL)
	restored, err := store.Rebuild(ctx)
	if err != nil {
		log.Fatalf("Session store rebuild: %v", err)
	}
	log.Printf("Session store ready [restored: %d]", restored)

	// Container backend.
	be, err := backend.Select(ctx, config.Cfg.Backend)
	if err != nil {
		log.Fatalf("Backend init: %v", err)
	}
	log.Printf("Using %s backend", be.Name())

	eng := engine.New(store, be, collector)

	rp := reaper.New(store, eng, be, registry)
	if err := rp.Start(); err != nil {
		log.Fatalf("Reaper: %v", err)
	}

	// Periodic spec refresh picks up out-of-band catalog edits.
	refreshCron := cron.New()
	refreshCron.AddFunc(fmt.Sprintf("@every %s", config.Cfg.SpecRefresh), func() {
		if err := registry.Refresh(context.Background()); err != nil {
			log.Printf("Spec refresh: %v", err)
		}
	})
	refreshCron.Start()

	traffic := router.New(eng, registry, store)
	sessionsAPI := &handlers.Sessions{Engine: eng, Store: store, Specs: registry}
	specsAPI := &handlers.Specs{Registry: registry}
	systemAPI := &handlers.System{Redis: rdb, Backend: be, Stats: statsDB}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", systemAPI.Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireAuth)

		r.Get("/specs", specsAPI.List)
		r.Get("/sessions", sessionsAPI.List)
		r.Post("/sessions", sessionsAPI.Create)
		r.Get("/sessions/{id}", sessionsAPI.Get)
		r.Delete("/sessions/{id}", sessionsAPI.Delete)
		r.Get("/usage", systemAPI.Usage)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)

			r.Post("/specs/refresh", specsAPI.Refresh)
			r.Get("/logs", systemAPI.Logs)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth)
		r.HandleFunc("/app/{specID}", traffic.ServeApp)
		r.HandleFunc("/app/{specID}/*", traffic.ServeApp)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Printf("Listening on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	refreshCron.Stop()
	rp.Stop()
	eng.Drain(shutdownCtx)
	log.Println("Shutdown complete")
}
