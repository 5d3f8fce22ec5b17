package web

import (
	"context"
	"embed"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/igolaizola/txt2vid/pkg/filestore"
	"github.com/igolaizola/txt2vid/pkg/generator"
	"github.com/igolaizola/txt2vid/pkg/history"
	"github.com/igolaizola/txt2vid/pkg/metrics"
	"github.com/igolaizola/txt2vid/pkg/ngrok"
	"github.com/igolaizola/txt2vid/pkg/resource"
	"github.com/igolaizola/txt2vid/pkg/session"
	"github.com/igolaizola/txt2vid/pkg/storage"
	"github.com/pkg/browser"
)

type Config struct {
	Debug  bool
	DBType string
	DBConn string
	FSType string
	FSConn string

	Addr        string
	Endpoint    string
	Timeout     time.Duration
	Proxy       string
	SessionTTL  time.Duration
	Credentials map[string]string
	Open        bool
	Ngrok       bool
}

//go:embed static/*
var staticContent embed.FS

// Serve starts the web interface.
func Serve(ctx context.Context, cfg *Config) error {
	log.Println("web: server started")
	defer log.Println("web: server ended")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Endpoint == "" {
		return fmt.Errorf("web: endpoint is required")
	}

	// Create file store and resource registry
	fs, err := filestore.New(cfg.FSType, cfg.FSConn, cfg.Debug)
	if err != nil {
		return fmt.Errorf("web: couldn't create file storage: %w", err)
	}
	resources := resource.New(fs, "/media")

	// History is only recorded when a database is configured
	var db *storage.Store
	var record func(string, session.State)
	if cfg.DBType != "" {
		store, err := storage.New(cfg.DBType, cfg.DBConn, cfg.Debug)
		if err != nil {
			return fmt.Errorf("web: couldn't create orm store: %w", err)
		}
		if err := store.Start(ctx); err != nil {
			return fmt.Errorf("web: couldn't start orm store: %w", err)
		}
		defer func() { _ = store.Stop() }()
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("web: couldn't migrate orm store: %w", err)
		}
		record = history.New(store).Hook()
		db = store
	}

	var manager *session.Manager
	m := metrics.New(func() int { return manager.Len() }, resources.Live)
	onResolve := func(id string, st session.State) {
		m.Observe(st)
		if record != nil {
			record(id, st)
		}
	}

	httpClient, err := generator.NewHTTPClient(cfg.Timeout, cfg.Proxy)
	if err != nil {
		return fmt.Errorf("web: %w", err)
	}
	gen := generator.New(&generator.Config{
		Endpoint: cfg.Endpoint,
		Debug:    cfg.Debug,
		Client:   httpClient,
	})

	manager = session.NewManager(&session.ManagerConfig{
		Debug:     cfg.Debug,
		Generator: gen,
		Resources: resources,
		TTL:       cfg.SessionTTL,
		OnResolve: onResolve,
	})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		manager.Run(ctx)
	}()
	// Sessions must be closed before the stores are stopped
	defer wg.Wait()
	defer cancel()

	handler, err := newRouter(&routerConfig{
		Debug:       cfg.Debug,
		Credentials: cfg.Credentials,
		Manager:     manager,
		Resources:   resources,
		Store:       db,
		Metrics:     m,
	})
	if err != nil {
		return err
	}

	// Create server
	split := strings.Split(cfg.Addr, ":")
	if len(split) != 2 {
		return fmt.Errorf("web: invalid address: %s", cfg.Addr)
	}
	host := split[0]
	port, err := strconv.Atoi(split[1])
	if err != nil {
		return fmt.Errorf("web: invalid port: %s", split[1])
	}
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: handler,
	}
	go func() {
		note := fmt.Sprintf("http://%s:%d", host, port)
		if host == "" {
			note = fmt.Sprintf("all interfaces http://localhost:%d", port)
		}
		log.Printf("Starting server on %s", note)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v\n", err)
			cancel()
		}
	}()

	u := fmt.Sprintf("http://%s:%d", host, port)
	if host == "" {
		u = fmt.Sprintf("http://localhost:%d", port)
	}
	if cfg.Ngrok {
		publicURL, stop, err := ngrok.Run(ctx, strconv.Itoa(port))
		if err != nil {
			log.Printf("web: couldn't start tunnel: %v\n", err)
		} else {
			defer stop()
			log.Printf("web: public url %s\n", publicURL)
		}
	}
	if cfg.Open {
		if err := browser.OpenURL(u); err != nil {
			log.Printf("web: couldn't open browser: %v\n", err)
		}
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("web: couldn't shutdown server: %v\n", err)
	}
	return nil
}
