package web

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/igolaizola/txt2vid/pkg/cmd/mock"
	"github.com/igolaizola/txt2vid/pkg/filestore"
	"github.com/igolaizola/txt2vid/pkg/generator"
	"github.com/igolaizola/txt2vid/pkg/history"
	"github.com/igolaizola/txt2vid/pkg/metrics"
	"github.com/igolaizola/txt2vid/pkg/resource"
	"github.com/igolaizola/txt2vid/pkg/session"
	"github.com/igolaizola/txt2vid/pkg/storage"
)

type testEnv struct {
	t         *testing.T
	url       string
	manager   *session.Manager
	resources *resource.Registry
}

func newTestEnv(t *testing.T, mockCfg *mock.Config, store *storage.Store) *testEnv {
	t.Helper()
	return newTestEnvTTL(t, mockCfg, store, 0)
}

func newTestEnvTTL(t *testing.T, mockCfg *mock.Config, store *storage.Store, ttl time.Duration) *testEnv {
	t.Helper()
	mh, err := mock.Handler(mockCfg)
	if err != nil {
		t.Fatal(err)
	}
	backend := httptest.NewServer(mh)
	t.Cleanup(backend.Close)

	fs, err := filestore.New("memory", "", false)
	if err != nil {
		t.Fatal(err)
	}
	resources := resource.New(fs, "/media")
	var record func(string, session.State)
	if store != nil {
		record = history.New(store).Hook()
	}
	var manager *session.Manager
	m := metrics.New(func() int { return manager.Len() }, resources.Live)
	manager = session.NewManager(&session.ManagerConfig{
		Generator: generator.New(&generator.Config{Endpoint: backend.URL}),
		Resources: resources,
		TTL:       ttl,
		OnResolve: func(id string, st session.State) {
			m.Observe(st)
			if record != nil {
				record(id, st)
			}
		},
	})
	t.Cleanup(manager.CloseAll)

	h, err := newRouter(&routerConfig{
		Manager:   manager,
		Resources: resources,
		Store:     store,
		Metrics:   m,
	})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testEnv{t: t, url: srv.URL, manager: manager, resources: resources}
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{Jar: jar, Timeout: 5 * time.Second}
}

func (e *testEnv) do(c *http.Client, method, path, body string, header map[string]string) *http.Response {
	e.t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.url+path, r)
	if err != nil {
		e.t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := c.Do(req)
	if err != nil {
		e.t.Fatal(err)
	}
	e.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) state(c *http.Client) *State {
	e.t.Helper()
	resp := e.do(c, http.MethodGet, "/api/state", "", nil)
	if resp.StatusCode != http.StatusOK {
		e.t.Fatalf("GET /api/state = %d; want 200", resp.StatusCode)
	}
	var st State
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		e.t.Fatal(err)
	}
	return &st
}

func (e *testEnv) waitState(c *http.Client, pending bool) *State {
	e.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st := e.state(c)
		if (st.Status == "pending") == pending {
			return st
		}
		if time.Now().After(deadline) {
			e.t.Fatalf("state = %q; timed out", st.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (e *testEnv) generate(c *http.Client, text string) *State {
	e.t.Helper()
	resp := e.do(c, http.MethodPost, "/api/generate", text, nil)
	if resp.StatusCode != http.StatusAccepted {
		e.t.Fatalf("POST /api/generate = %d; want 202", resp.StatusCode)
	}
	var st State
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		e.t.Fatal(err)
	}
	return &st
}

func TestText(t *testing.T) {
	env := newTestEnv(t, &mock.Config{}, nil)
	c := newClient(t)

	resp := env.do(c, http.MethodPut, "/api/text", `{"text":"a dog running on a beach"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT /api/text = %d; want 200", resp.StatusCode)
	}
	resp = env.do(c, http.MethodGet, "/api/text", "", nil)
	var got textResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Text != "a dog running on a beach" {
		t.Fatalf("text = %q; want %q", got.Text, "a dog running on a beach")
	}

	// Other clients have their own text
	resp = env.do(newClient(t), http.MethodGet, "/api/text", "", nil)
	got = textResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Text != "" {
		t.Fatalf("text = %q; want empty", got.Text)
	}
}

func TestGenerate(t *testing.T) {
	env := newTestEnv(t, &mock.Config{}, nil)
	c := newClient(t)

	env.do(c, http.MethodPut, "/api/text", `{"text":"a dog running on a beach"}`, nil)
	st := env.generate(c, "")
	if st.Status != "pending" {
		t.Fatalf("status = %q; want pending", st.Status)
	}
	if st.Text != "a dog running on a beach" {
		t.Fatalf("text = %q; want current input", st.Text)
	}

	st = env.waitState(c, false)
	if st.Status != "ready" {
		t.Fatalf("status = %q (%s); want ready", st.Status, st.Reason)
	}
	if st.URL == "" || st.DownloadURL != st.URL+"/download" {
		t.Fatalf("urls = %q %q; want media urls", st.URL, st.DownloadURL)
	}
	if st.DownloadName != DownloadName {
		t.Fatalf("download name = %q; want %q", st.DownloadName, DownloadName)
	}

	resp := env.do(c, http.MethodGet, st.URL, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s = %d; want 200", st.URL, resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "video/mp4" {
		t.Fatalf("content type = %q; want video/mp4", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Fatal("video is empty")
	}

	// Partial content for seeking
	resp = env.do(c, http.MethodGet, st.URL, "", map[string]string{"Range": "bytes=0-3"})
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("GET %s with range = %d; want 206", st.URL, resp.StatusCode)
	}
	part, _ := io.ReadAll(resp.Body)
	if string(part) != string(body[:4]) {
		t.Fatalf("range body = %x; want %x", part, body[:4])
	}

	resp = env.do(c, http.MethodGet, st.DownloadURL, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s = %d; want 200", st.DownloadURL, resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Disposition"); !strings.Contains(got, `filename="generated_video.mp4"`) {
		t.Fatalf("content disposition = %q; want attachment with file name", got)
	}

	// Other clients can't access the video
	resp = env.do(newClient(t), http.MethodGet, st.URL, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET %s from other client = %d; want 404", st.URL, resp.StatusCode)
	}

	// A new generation releases the previous video
	old := st.URL
	env.generate(c, `{"text":"a cat"}`)
	resp = env.do(c, http.MethodGet, old, "", nil)
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("GET %s after new generation = %d; want 410", old, resp.StatusCode)
	}
	st = env.waitState(c, false)
	if st.Status != "ready" || st.URL == old || st.Text != "a cat" {
		t.Fatalf("state = %+v; want new ready video", st)
	}
	if n := env.resources.Live(); n != 1 {
		t.Fatalf("live resources = %d; want 1", n)
	}
}

func TestGenerateFailure(t *testing.T) {
	env := newTestEnv(t, &mock.Config{Fail: true}, nil)
	c := newClient(t)

	env.generate(c, `{"text":"a dog running on a beach"}`)
	st := env.waitState(c, false)
	if st.Status != "failed" {
		t.Fatalf("status = %q; want failed", st.Status)
	}
	if !strings.Contains(st.Reason, "500") {
		t.Fatalf("reason = %q; want status code", st.Reason)
	}
	if st.URL != "" {
		t.Fatalf("url = %q; want empty", st.URL)
	}
	if n := env.resources.Live(); n != 0 {
		t.Fatalf("live resources = %d; want 0", n)
	}
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv(t, &mock.Config{}, nil)
	c := newClient(t)

	env.generate(c, `{"text":"a dog running on a beach"}`)
	st := env.waitState(c, false)
	if st.Status != "ready" {
		t.Fatalf("status = %q; want ready", st.Status)
	}

	resp := env.do(c, http.MethodDelete, "/api/session", "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE /api/session = %d; want 204", resp.StatusCode)
	}
	resp = env.do(c, http.MethodGet, "/api/health", "", nil)
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.Sessions != 0 || health.LiveResources != 0 {
		t.Fatalf("health = %+v; want no sessions and no live resources", health)
	}

	resp = env.do(c, http.MethodGet, st.URL, "", nil)
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("GET %s after delete = %d; want 410", st.URL, resp.StatusCode)
	}

	// A new session starts idle
	if st := env.state(c); st.Status != "idle" {
		t.Fatalf("status = %q; want idle", st.Status)
	}
}

func TestEvents(t *testing.T) {
	env := newTestEnv(t, &mock.Config{Delay: 50 * time.Millisecond}, nil)
	c := newClient(t)
	c.Timeout = 0

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.url+"/api/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q; want text/event-stream", got)
	}

	events := make(chan string)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var st State
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &st); err != nil {
				return
			}
			select {
			case events <- st.Status:
			case <-ctx.Done():
				return
			}
		}
	}()

	if got := <-events; got != "idle" {
		t.Fatalf("first event = %q; want idle", got)
	}
	env.generate(c, `{"text":"a dog running on a beach"}`)
	var got []string
	for status := range events {
		got = append(got, status)
		if status == "ready" {
			break
		}
	}
	if strings.Join(got, ",") != "pending,ready" {
		t.Fatalf("events = %v; want [pending ready]", got)
	}
}

func TestEventsKeepSession(t *testing.T) {
	env := newTestEnvTTL(t, &mock.Config{}, nil, time.Minute)
	c := newClient(t)
	env.generate(c, `{"text":"a dog running on a beach"}`)
	st := env.waitState(c, false)
	if st.Status != "ready" {
		t.Fatalf("status = %q; want ready", st.Status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.url+"/api/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	stream := &http.Client{Jar: c.Jar}
	resp, err := stream.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "data: ") {
			break
		}
	}

	// A connected page isn't idle
	if n := env.manager.Sweep(time.Now().Add(2 * time.Minute)); n != 0 {
		t.Fatalf("Sweep() with connected page = %d; want 0", n)
	}
	if n := env.resources.Live(); n != 1 {
		t.Fatalf("live resources = %d; want 1", n)
	}
	resp2 := env.do(c, http.MethodGet, st.URL, "", map[string]string{"Range": "bytes=0-3"})
	if resp2.StatusCode != http.StatusPartialContent {
		t.Fatalf("GET %s with connected page = %d; want 206", st.URL, resp2.StatusCode)
	}

	// Once disconnected the session expires
	cancel()
	deadline := time.Now().Add(5 * time.Second)
	for env.manager.Sweep(time.Now().Add(2*time.Minute)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Sweep() after disconnect = 0; want 1")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := env.resources.Live(); n != 0 {
		t.Fatalf("live resources after expiration = %d; want 0", n)
	}
}

func TestGenerations(t *testing.T) {
	ctx := context.Background()
	store, err := storage.New("sqlite", filepath.Join(t.TempDir(), "web.db"), false)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Stop() })
	if err := store.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	env := newTestEnv(t, &mock.Config{}, store)
	c := newClient(t)
	env.generate(c, `{"text":"a dog running on a beach"}`)
	env.waitState(c, false)

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := env.do(c, http.MethodGet, "/api/generations?status=ready", "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET /api/generations = %d; want 200", resp.StatusCode)
		}
		var gens []*storage.Generation
		if err := json.NewDecoder(resp.Body).Decode(&gens); err != nil {
			t.Fatal(err)
		}
		if len(gens) == 1 {
			if gens[0].Text != "a dog running on a beach" {
				t.Fatalf("text = %q; want submitted text", gens[0].Text)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("generations = %d; want 1", len(gens))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGenerationsDisabled(t *testing.T) {
	env := newTestEnv(t, &mock.Config{}, nil)
	resp := env.do(newClient(t), http.MethodGet, "/api/generations", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET /api/generations = %d; want 404", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, &mock.Config{}, nil)
	c := newClient(t)
	env.generate(c, `{"text":"a dog running on a beach"}`)
	env.waitState(c, false)

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := env.do(c, http.MethodGet, "/metrics", "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET /metrics = %d; want 200", resp.StatusCode)
		}
		b, _ := io.ReadAll(resp.Body)
		body := string(b)
		if strings.Contains(body, `txt2vid_generations_total{status="ready"} 1`) {
			if !strings.Contains(body, "txt2vid_live_resources 1") {
				t.Fatalf("metrics don't report the live resource:\n%s", body)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics don't report the generation:\n%s", body)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIndex(t *testing.T) {
	env := newTestEnv(t, &mock.Config{}, nil)
	resp := env.do(newClient(t), http.MethodGet, "/", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET / = %d; want 200", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "<textarea") {
		t.Fatal("index doesn't contain the text input")
	}
}

func TestBasicAuth(t *testing.T) {
	fs, _ := filestore.New("memory", "", false)
	resources := resource.New(fs, "/media")
	manager := session.NewManager(&session.ManagerConfig{Resources: resources})
	h, err := newRouter(&routerConfig{
		Credentials: map[string]string{"user": "pass"},
		Manager:     manager,
		Resources:   resources,
	})
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d; want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.SetBasicAuth("user", "pass")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
}

func TestPageSize(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", defaultPageSize},
		{"abc", defaultPageSize},
		{"0", defaultPageSize},
		{"-5", defaultPageSize},
		{"20", 20},
		{"1000", maxPageSize},
		{"1000000000", maxPageSize},
	}
	for _, tt := range tests {
		if got := pageSize(tt.in); got != tt.want {
			t.Fatalf("pageSize(%q) = %d; want %d", tt.in, got, tt.want)
		}
	}
}
