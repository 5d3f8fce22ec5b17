package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// MediaType is the type assumed for every generated payload, whatever the
// service declares.
const MediaType = "video/mp4"

const generatePath = "generate-video"

type Client struct {
	client   *http.Client
	endpoint string
	debug    bool
}

type Config struct {
	// Endpoint is the base URL of the generation service.
	Endpoint string
	Debug    bool
	// Client is used to send requests. Its timeout is the only timeout
	// applied to a generation.
	Client *http.Client
}

func New(cfg *Config) *Client {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		client:   client,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		debug:    cfg.Debug,
	}
}

// NewHTTPClient returns a client with the given timeout, zero means none,
// that optionally sends requests through a proxy.
func NewHTTPClient(timeout time.Duration, proxy string) (*http.Client, error) {
	client := &http.Client{
		Timeout: timeout,
	}
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("generator: invalid proxy URL: %w", err)
		}
		client.Transport = &http.Transport{
			Proxy: http.ProxyURL(u),
		}
	}
	return client, nil
}

func (c *Client) log(format string, args ...interface{}) {
	if c.debug {
		format += "\n"
		log.Printf(format, args...)
	}
}

// TransportError is returned when the request couldn't be sent or the
// response couldn't be received.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("generator: couldn't %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServiceError is returned when the service answers with a non 2xx status.
type ServiceError struct {
	StatusCode int
	Body       string
}

func (e *ServiceError) Error() string {
	msg := e.Body
	if r := []rune(msg); len(r) > 100 {
		msg = string(r[:100]) + "..."
	}
	if msg == "" {
		return fmt.Sprintf("generator: service returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("generator: service returned status %d (%s)", e.StatusCode, msg)
}

// PayloadError is returned when a successful response doesn't carry video
// content.
type PayloadError struct {
	Reason string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("generator: invalid payload: %s", e.Reason)
}

type request struct {
	Text string `json:"text"`
}

// Generate sends the text to the service and returns the raw video bytes.
// Errors are one of *TransportError, *ServiceError or *PayloadError.
func (c *Client) Generate(ctx context.Context, text string) ([]byte, error) {
	u := fmt.Sprintf("%s/%s", c.endpoint, generatePath)
	body, err := json.Marshal(&request{Text: text})
	if err != nil {
		return nil, fmt.Errorf("generator: couldn't marshal request body: %w", err)
	}
	c.log("generator: do %s %s %s", http.MethodPost, u, string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Method: http.MethodPost, URL: u, Err: err}
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", "video/mp4, application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Method: http.MethodPost, URL: u, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log("generator: response %s %s %d %s", http.MethodPost, u, resp.StatusCode, string(errBody))
		return nil, &ServiceError{StatusCode: resp.StatusCode, Body: string(errBody)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Method: http.MethodPost, URL: u, Err: fmt.Errorf("couldn't read response body: %w", err)}
	}
	c.log("generator: response %s %s %d (%d bytes, %s)", http.MethodPost, u, resp.StatusCode, len(data), resp.Header.Get("content-type"))
	if len(data) == 0 {
		return nil, &PayloadError{Reason: "empty body"}
	}
	return data, nil
}
