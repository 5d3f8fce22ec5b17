package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/igolaizola/txt2vid/pkg/metrics"
	"github.com/igolaizola/txt2vid/pkg/resource"
	"github.com/igolaizola/txt2vid/pkg/session"
	"github.com/igolaizola/txt2vid/pkg/storage"
)

// DownloadName is the file name suggested when downloading a video.
const DownloadName = "generated_video.mp4"

const cookieName = "txt2vid_session"

// routerConfig holds the router dependencies. Store and Metrics are
// optional: history is disabled without a store.
type routerConfig struct {
	Debug       bool
	Credentials map[string]string
	Manager     *session.Manager
	Resources   *resource.Registry
	Store       *storage.Store
	Metrics     *metrics.Metrics
}

type handler struct {
	debug     bool
	manager   *session.Manager
	resources *resource.Registry
	store     *storage.Store
}

// State is the view of a session state returned to the page.
type State struct {
	Status       string `json:"status"`
	Text         string `json:"text"`
	URL          string `json:"url,omitempty"`
	DownloadURL  string `json:"download_url,omitempty"`
	DownloadName string `json:"download_name,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

func newState(st session.State) *State {
	v := &State{
		Status: st.Status.String(),
		Text:   st.Text,
		Reason: st.Reason,
	}
	if st.Status == session.Ready && st.Resource != nil {
		v.URL = st.Resource.URL
		v.DownloadURL = st.Resource.DownloadURL()
		v.DownloadName = DownloadName
	}
	return v
}

type textRequest struct {
	Text *string `json:"text"`
}

type textResponse struct {
	Text string `json:"text"`
}

type healthResponse struct {
	Sessions      int `json:"sessions"`
	LiveResources int `json:"live_resources"`
}

func newRouter(cfg *routerConfig) (http.Handler, error) {
	h := &handler{
		debug:     cfg.Debug,
		manager:   cfg.Manager,
		resources: cfg.Resources,
		store:     cfg.Store,
	}

	// Create static content
	staticFS, err := iofs.Sub(staticContent, "static")
	if err != nil {
		return nil, fmt.Errorf("web: couldn't load static content: %w", err)
	}

	// Create router
	mux := chi.NewRouter()

	// Add middleware
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	if cfg.Debug {
		mux.Use(middleware.Logger)
	}

	// Add BasicAuth middleware
	if len(cfg.Credentials) > 0 {
		mux.Use(middleware.BasicAuth("private", cfg.Credentials))
	}

	// Handler to serve the static files
	mux.Get("/*", http.StripPrefix("/", http.FileServer(http.FS(staticFS))).ServeHTTP)

	if cfg.Metrics != nil {
		mux.Get("/metrics", cfg.Metrics.Handler().ServeHTTP)
	}

	// Long lived responses
	mux.Get("/api/events", h.events)
	mux.Get("/media/{id}", h.media(false))
	mux.Get("/media/{id}/download", h.media(true))

	mux.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/api/health", h.health)
		r.Get("/api/text", h.getText)
		r.Put("/api/text", h.setText)
		r.Post("/api/generate", h.generate)
		r.Get("/api/state", h.state)
		r.Delete("/api/session", h.deleteSession)
		r.Get("/api/generations", h.generations)
	})
	return mux, nil
}

// entry returns the session entry bound to the request cookie. A new one is
// created and the cookie is set when create is true.
func (h *handler) entry(w http.ResponseWriter, r *http.Request, create bool) (*session.Entry, bool) {
	if c, err := r.Cookie(cookieName); err == nil {
		if e, ok := h.manager.Get(c.Value); ok {
			return e, true
		}
	}
	if !create {
		return nil, false
	}
	e := h.manager.Create()
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    e.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return e, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Println("web: couldn't encode response:", err)
	}
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &healthResponse{
		Sessions:      h.manager.Len(),
		LiveResources: h.resources.Live(),
	})
}

func (h *handler) getText(w http.ResponseWriter, r *http.Request) {
	e, _ := h.entry(w, r, true)
	writeJSON(w, http.StatusOK, &textResponse{Text: e.Input.Text()})
}

func (h *handler) setText(w http.ResponseWriter, r *http.Request) {
	e, _ := h.entry(w, r, true)
	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("couldn't decode text: %v", err), http.StatusBadRequest)
		return
	}
	if req.Text != nil {
		e.Input.SetText(*req.Text)
	}
	writeJSON(w, http.StatusOK, &textResponse{Text: e.Input.Text()})
}

func (h *handler) generate(w http.ResponseWriter, r *http.Request) {
	e, _ := h.entry(w, r, true)

	// The body is optional, the current text is used when missing
	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, fmt.Sprintf("couldn't decode text: %v", err), http.StatusBadRequest)
		return
	}
	if req.Text != nil {
		e.Input.SetText(*req.Text)
	}
	e.Session.Submit(e.Input.Text())
	writeJSON(w, http.StatusAccepted, newState(e.Session.State()))
}

func (h *handler) state(w http.ResponseWriter, r *http.Request) {
	e, _ := h.entry(w, r, true)
	writeJSON(w, http.StatusOK, newState(e.Session.State()))
}

func (h *handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	if e, ok := h.entry(w, r, false); ok {
		h.manager.Close(e.ID)
	}
	http.SetCookie(w, &http.Cookie{
		Name:   cookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	e, _ := h.entry(w, r, true)
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	// A connected page keeps its session alive
	release := h.manager.Hold(e)
	defer release()
	ch, unsubscribe := e.Session.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(st session.State) bool {
		b, err := json.Marshal(newState(st))
		if err != nil {
			log.Println("web: couldn't encode state:", err)
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// The first state received is the current one
	for {
		select {
		case <-r.Context().Done():
			return
		case st, ok := <-ch:
			if !ok {
				return
			}
			if !send(st) {
				return
			}
		}
	}
}

// media serves the current video of the caller's session.
func (h *handler) media(attachment bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := h.resources.Get(id); err != nil {
			if errors.Is(err, resource.ErrReleased) {
				http.Error(w, "video is no longer available", http.StatusGone)
				return
			}
			http.NotFound(w, r)
			return
		}

		// Only the owner can access the video
		e, ok := h.entry(w, r, false)
		if !ok {
			http.NotFound(w, r)
			return
		}
		st := e.Session.State()
		if st.Status != session.Ready || st.Resource == nil || st.Resource.ID != id {
			http.NotFound(w, r)
			return
		}

		obj, err := h.resources.Open(r.Context(), id)
		switch {
		case errors.Is(err, resource.ErrReleased):
			http.Error(w, "video is no longer available", http.StatusGone)
			return
		case errors.Is(err, resource.ErrNotFound):
			http.NotFound(w, r)
			return
		case err != nil:
			log.Println("web: couldn't open video:", err)
			http.Error(w, fmt.Sprintf("couldn't open video: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", obj.Resource.MediaType)
		if attachment {
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", DownloadName))
		}
		http.ServeContent(w, r, DownloadName, obj.Resource.CreatedAt, obj)
	}
}

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

func pageSize(v string) int {
	size, err := strconv.Atoi(v)
	if err != nil || size < 1 {
		return defaultPageSize
	}
	if size > maxPageSize {
		return maxPageSize
	}
	return size
}

func (h *handler) generations(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		http.Error(w, "history is disabled", http.StatusNotFound)
		return
	}
	// Obtain page from query params
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil {
		page = 1
	}
	size := pageSize(r.URL.Query().Get("size"))
	var filters []storage.Filter
	if v := r.URL.Query().Get("status"); v != "" {
		filters = append(filters, storage.Where("status = ?", v))
	}
	if v := r.URL.Query().Get("session"); v != "" {
		filters = append(filters, storage.Where("session_id = ?", v))
	}
	gens, err := h.store.ListGenerations(r.Context(), page, size, "created_at desc", filters...)
	if err != nil {
		log.Println("web: couldn't list generations:", err)
		http.Error(w, fmt.Sprintf("couldn't list generations: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, gens)
}
