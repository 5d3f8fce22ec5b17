package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/igolaizola/txt2vid"
	"github.com/igolaizola/txt2vid/pkg/filestore"
	"github.com/igolaizola/txt2vid/pkg/generator"
	"github.com/igolaizola/txt2vid/pkg/history"
	"github.com/igolaizola/txt2vid/pkg/resource"
	"github.com/igolaizola/txt2vid/pkg/session"
	"github.com/igolaizola/txt2vid/pkg/storage"
	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Debug    bool
	DBType   string
	DBConn   string
	Endpoint string
	Timeout  time.Duration
	Proxy    string
	Input    string
	Output   string
	Limit    int
}

type item struct {
	Name string `json:"name" csv:"name" yaml:"name"`
	Text string `json:"text" csv:"text" yaml:"text"`
}

// Run generates a video for each item of the input file, one after the
// other.
func Run(ctx context.Context, cfg *Config) error {
	var count, failed int
	log.Println("batch: started")
	defer func() {
		log.Printf("batch: ended (%d ok, %d failed)\n", count, failed)
	}()

	debug := func(format string, args ...interface{}) {
		if !cfg.Debug {
			return
		}
		format += "\n"
		log.Printf(format, args...)
	}

	if cfg.Endpoint == "" {
		return fmt.Errorf("batch: endpoint is required")
	}
	b, err := os.ReadFile(cfg.Input)
	if err != nil {
		return fmt.Errorf("batch: couldn't read input file: %w", err)
	}
	items, err := parse(cfg.Input, b)
	if err != nil {
		return fmt.Errorf("batch: couldn't unmarshal input: %w", err)
	}

	output := cfg.Output
	if output == "" {
		output = "."
	}
	if err := os.MkdirAll(output, 0755); err != nil {
		return fmt.Errorf("batch: couldn't create output folder: %w", err)
	}

	var onResolve func(session.State)
	if cfg.DBType != "" {
		store, err := storage.New(cfg.DBType, cfg.DBConn, cfg.Debug)
		if err != nil {
			return fmt.Errorf("batch: couldn't create orm store: %w", err)
		}
		if err := store.Start(ctx); err != nil {
			return fmt.Errorf("batch: couldn't start orm store: %w", err)
		}
		defer func() { _ = store.Stop() }()
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("batch: couldn't migrate orm store: %w", err)
		}
		id := ulid.Make().String()
		hook := history.New(store).Hook()
		onResolve = func(st session.State) {
			hook(id, st)
		}
	}

	httpClient, err := generator.NewHTTPClient(cfg.Timeout, cfg.Proxy)
	if err != nil {
		return fmt.Errorf("batch: %w", err)
	}
	gen := generator.New(&generator.Config{
		Endpoint: cfg.Endpoint,
		Debug:    cfg.Debug,
		Client:   httpClient,
	})
	fs, err := filestore.New("memory", "", cfg.Debug)
	if err != nil {
		return fmt.Errorf("batch: couldn't create file storage: %w", err)
	}
	resources := resource.New(fs, "")
	s := session.New(&session.Config{
		ID:        "batch",
		Debug:     cfg.Debug,
		Generator: gen,
		Resources: resources,
		OnResolve: onResolve,
	})
	defer s.Close()

	for i, it := range items {
		if cfg.Limit > 0 && count+failed >= cfg.Limit {
			break
		}
		if it == nil {
			continue
		}
		// Videos are always written inside the output folder
		name := filepath.Base(it.Name)
		if name == "." || name == "/" || name == ".." {
			name = ""
		}
		if name == "" {
			name = fmt.Sprintf("video_%03d", i+1)
		}
		if !strings.HasSuffix(name, ".mp4") {
			name += ".mp4"
		}
		debug("batch: generating %s", name)

		// Submitting releases the previous video
		s.Submit(it.Text)
		st, err := s.Wait(ctx)
		if err != nil {
			return fmt.Errorf("batch: couldn't wait for %s: %w", name, err)
		}
		if st.Status != session.Ready {
			log.Printf("batch: couldn't generate %s: %s\n", name, st.Reason)
			failed++
			continue
		}
		path := filepath.Join(output, name)
		if err := txt2vid.Save(ctx, resources, st.Resource, path); err != nil {
			return fmt.Errorf("batch: couldn't save %s: %w", name, err)
		}
		log.Println("batch: video saved", path)
		count++
	}
	return nil
}

func parse(name string, b []byte) ([]*item, error) {
	var items []*item
	switch ext := filepath.Ext(name); ext {
	case ".json":
		if err := json.Unmarshal(b, &items); err != nil {
			return nil, fmt.Errorf("couldn't unmarshal items: %w", err)
		}
	case ".csv":
		if err := gocsv.UnmarshalBytes(b, &items); err != nil {
			return nil, fmt.Errorf("couldn't unmarshal items: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &items); err != nil {
			return nil, fmt.Errorf("couldn't unmarshal items: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported input format: %s", ext)
	}
	return items, nil
}
