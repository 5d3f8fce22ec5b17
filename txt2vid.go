package txt2vid

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/igolaizola/txt2vid/pkg/filestore"
	"github.com/igolaizola/txt2vid/pkg/generator"
	"github.com/igolaizola/txt2vid/pkg/resource"
	"github.com/igolaizola/txt2vid/pkg/session"
)

// DownloadName is the default name of a generated video file.
const DownloadName = "generated_video.mp4"

type Config struct {
	Endpoint string
	Timeout  time.Duration
	Proxy    string
	Debug    bool
}

// Generate generates a video given a text and saves it to output.
func Generate(ctx context.Context, cfg *Config, text string, output string) error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if output == "" {
		output = DownloadName
	}
	httpClient, err := generator.NewHTTPClient(cfg.Timeout, cfg.Proxy)
	if err != nil {
		return err
	}
	gen := generator.New(&generator.Config{
		Endpoint: cfg.Endpoint,
		Debug:    cfg.Debug,
		Client:   httpClient,
	})
	fs, err := filestore.New("memory", "", cfg.Debug)
	if err != nil {
		return fmt.Errorf("couldn't create file storage: %w", err)
	}
	resources := resource.New(fs, "")

	s := session.New(&session.Config{
		ID:        "cli",
		Debug:     cfg.Debug,
		Generator: gen,
		Resources: resources,
	})
	defer s.Close()

	s.Submit(text)
	st, err := s.Wait(ctx)
	if err != nil {
		return fmt.Errorf("couldn't wait for video: %w", err)
	}
	if st.Status != session.Ready {
		return fmt.Errorf("couldn't generate video: %s", st.Reason)
	}
	if err := Save(ctx, resources, st.Resource, output); err != nil {
		return err
	}
	log.Println("video:", output)
	return nil
}

// Save writes the content of a live resource to a file.
func Save(ctx context.Context, resources *resource.Registry, res *resource.Resource, output string) error {
	obj, err := resources.Open(ctx, res.ID)
	if err != nil {
		return fmt.Errorf("couldn't open video: %w", err)
	}
	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("couldn't create output file: %w", err)
	}
	if _, err := obj.WriteTo(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("couldn't write video: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("couldn't close output file: %w", err)
	}
	return nil
}
