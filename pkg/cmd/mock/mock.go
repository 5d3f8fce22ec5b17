package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// sample is a bare mp4 file type box, enough for clients that only look at
// the bytes they get.
var sample = []byte{
	0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p',
	'i', 's', 'o', 'm', 0x00, 0x00, 0x02, 0x00,
	'i', 's', 'o', 'm', 'm', 'p', '4', '1',
}

type Config struct {
	Debug bool
	Addr  string
	// Video is the mp4 file returned for every request. A built-in sample is
	// used when empty.
	Video string
	// Delay is added before each response.
	Delay time.Duration
	// Fail makes every request answer with an error.
	Fail bool
}

type errorResponse struct {
	Error string `json:"error"`
}

type request struct {
	Text string `json:"text"`
}

// Handler returns the router of the mock generation service.
func Handler(cfg *Config) (http.Handler, error) {
	video := sample
	if cfg.Video != "" {
		b, err := os.ReadFile(cfg.Video)
		if err != nil {
			return nil, fmt.Errorf("mock: couldn't read video: %w", err)
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("mock: video %s is empty", cfg.Video)
		}
		video = b
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if cfg.Debug {
		r.Use(middleware.Logger)
	}

	r.Post("/generate-video", func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, fmt.Errorf("couldn't decode request: %w", err))
			return
		}
		log.Printf("mock: received text %q\n", req.Text)

		if cfg.Delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(cfg.Delay):
			}
		}
		if cfg.Fail {
			writeError(w, fmt.Errorf("video generation failed"))
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Disposition", `attachment; filename="generated_video.mp4"`)
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(video)))
		_, _ = w.Write(video)
	})
	return r, nil
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(&errorResponse{Error: err.Error()})
}

// Serve runs the mock service until the context is done.
func Serve(ctx context.Context, cfg *Config) error {
	log.Println("mock: server started")
	defer log.Println("mock: server ended")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h, err := Handler(cfg)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: h,
	}
	go func() {
		log.Printf("mock: listening on %s\n", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("mock: failed to start server: %v\n", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("mock: couldn't shutdown server: %w", err)
	}
	return nil
}
