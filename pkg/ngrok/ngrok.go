package ngrok

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// BinPath is the path to the ngrok binary
var BinPath = "ngrok"

// APIURL is the local ngrok api used to discover the tunnels
var APIURL = "http://localhost:4040/api/tunnels"

type tunnelsResponse struct {
	Tunnels []struct {
		Name      string `json:"name"`
		PublicURL string `json:"public_url"`
		Proto     string `json:"proto"`
		Config    struct {
			Addr string `json:"addr"`
		} `json:"config"`
	} `json:"tunnels"`
}

// Run launches an http tunnel to the local port and returns its public URL.
// The tunnel is closed when the returned stop function is called or the
// context is done. Stop returns once the ngrok process has exited.
func Run(ctx context.Context, port string) (string, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(ctx)
	bin := BinPath
	done := make(chan struct{})
	go func() {
		defer close(done)
		cmd := exec.CommandContext(ctx, bin, "http", port)
		data, err := cmd.CombinedOutput()
		if err != nil && ctx.Err() == nil {
			log.Println(fmt.Errorf("ngrok: %w: %s", err, string(data)))
		}
	}()
	// stop kills the process and waits for it to exit
	stop := func() {
		cancel()
		<-done
	}

	client := &http.Client{
		Timeout: 5 * time.Second,
	}
	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var lastErr error
	for {
		u, err := lookup(ctx, client, port)
		if err == nil && u != "" {
			return u, stop, nil
		}
		if err != nil {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			stop()
			return "", nil, ctx.Err()
		case <-timeout:
			stop()
			if lastErr == nil {
				lastErr = fmt.Errorf("tunnel for port %s not found", port)
			}
			return "", nil, fmt.Errorf("ngrok: couldn't start: %w", lastErr)
		case <-ticker.C:
		}
	}
}

func lookup(ctx context.Context, client *http.Client, port string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, APIURL, nil)
	if err != nil {
		return "", fmt.Errorf("ngrok: couldn't create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ngrok: couldn't get tunnels: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("ngrok: couldn't read response: %w", err)
	}
	var tr tunnelsResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return "", fmt.Errorf("ngrok: couldn't unmarshal response (%s): %w", string(data), err)
	}
	var u string
	for _, t := range tr.Tunnels {
		addr := t.Config.Addr
		if idx := strings.LastIndex(addr, ":"); idx >= 0 {
			addr = addr[idx+1:]
		}
		if addr != port {
			continue
		}
		// Prefer https tunnels
		if u == "" || t.Proto == "https" {
			u = t.PublicURL
		}
	}
	return u, nil
}
