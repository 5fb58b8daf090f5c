package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/spf13/viper"

	"github.com/alimasry/go-doc-sync/auth"
	"github.com/alimasry/go-doc-sync/bus"
	"github.com/alimasry/go-doc-sync/crdt"
	"github.com/alimasry/go-doc-sync/server"
	"github.com/alimasry/go-doc-sync/store"
)

type config struct {
	Addr  string
	Store struct {
		Backend string // "memory" or "firestore"
		Project string // GCP project for the firestore backend
	}
	Redis struct {
		Addr     string
		Password string
	}
	Auth struct {
		DefaultRole string // role granted to users without an ACL entry
	}
	Snapshot struct {
		MaxOps    int
		Interval  time.Duration
		Retention time.Duration
		IdleGrace time.Duration
	}
}

func loadConfig() (*config, error) {
	v := viper.New()
	v.SetConfigName("syncd")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("SYNCD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default registered, or Unmarshal never consults the
	// environment for it.
	pol := server.DefaultSnapshotPolicy()
	v.SetDefault("addr", ":8080")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.project", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("auth.defaultrole", "editor")
	v.SetDefault("snapshot.maxops", pol.MaxOps)
	v.SetDefault("snapshot.interval", pol.MaxInterval)
	v.SetDefault("snapshot.retention", pol.Retention)
	v.SetDefault("snapshot.idlegrace", pol.IdleGrace)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		// No config file: defaults plus environment.
	}

	cfg := &config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		ops   store.OperationStore
		snaps store.SnapshotStore
	)
	switch cfg.Store.Backend {
	case "memory":
		mem := store.NewMemoryStore()
		ops, snaps = mem, mem
	case "firestore":
		client, err := firestore.NewClient(context.Background(), cfg.Store.Project)
		if err != nil {
			log.Fatalf("firestore client: %v", err)
		}
		defer client.Close()
		fs := store.NewFirestoreStore(client)
		ops, snaps = fs, fs
	default:
		log.Fatalf("unknown store backend %q", cfg.Store.Backend)
	}

	var b bus.Bus = bus.Noop{}
	if cfg.Redis.Addr != "" {
		rb, err := bus.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			log.Printf("redis not available, running in single-instance mode: %v", err)
		} else {
			b = rb
		}
	}
	defer b.Close()

	var defaultRole auth.Role
	if cfg.Auth.DefaultRole != "" {
		defaultRole, err = auth.ParseRole(cfg.Auth.DefaultRole)
		if err != nil {
			log.Fatalf("auth.defaultrole: %v", err)
		}
	}
	guard := auth.NewStaticACL(defaultRole)

	policy := server.SnapshotPolicy{
		MaxOps:      cfg.Snapshot.MaxOps,
		MaxInterval: cfg.Snapshot.Interval,
		Retention:   cfg.Snapshot.Retention,
		IdleGrace:   cfg.Snapshot.IdleGrace,
	}

	hub := server.NewHub(crdt.DeltaSetEngine{}, ops, snaps, guard, b, policy)
	go hub.Run()

	srv := &http.Server{Addr: cfg.Addr, Handler: server.NewHandler(hub)}
	go func() {
		log.Printf("Starting server on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	// Flush dirty sessions before exit.
	hub.Close()
}
