// Package inference is the HTTP client for the model-serving sidecar.
// It implements the moderation pipeline's external capabilities:
// translation, text and image classification, and audio transcription.
//
// Every call is wrapped in a circuit breaker with a bounded timeout so
// a slow or dead sidecar degrades the pipeline instead of stalling the
// relay. Callers treat any error as "stage unavailable" and fail open.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/safechat/safechat/internal/moderation"
)

// Config holds inference client settings.
type Config struct {
	BaseURL string

	// RequestTimeout bounds each sidecar call.
	RequestTimeout time.Duration

	// BreakerMaxFailures is the consecutive-failure count that trips
	// the circuit.
	BreakerMaxFailures uint32

	// BreakerCooldown is how long the circuit stays open before
	// letting probe requests through.
	BreakerCooldown time.Duration
}

// DefaultConfig returns sensible inference client defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:            "http://localhost:9090",
		RequestTimeout:     5 * time.Second,
		BreakerMaxFailures: 5,
		BreakerCooldown:    30 * time.Second,
	}
}

// Client talks to the model-serving sidecar. It implements
// moderation.Translator, moderation.TextClassifier,
// moderation.ImageClassifier, and moderation.Transcriber.
type Client struct {
	config  Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates a sidecar client with its circuit breaker.
func NewClient(config Config) *Client {
	settings := gobreaker.Settings{
		Name:        "inference",
		MaxRequests: 3,
		Timeout:     config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[inference] breaker %s: %s -> %s", name, from, to)
		},
	}
	return &Client{
		config:  config,
		http:    &http.Client{Timeout: config.RequestTimeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

type translateRequest struct {
	Text string `json:"text"`
}

type translateResponse struct {
	Text string `json:"text"`
}

// Translate normalizes text to English via the sidecar.
func (c *Client) Translate(ctx context.Context, text string) (string, error) {
	var resp translateResponse
	err := c.postJSON(ctx, "/v1/translate", translateRequest{Text: text}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

type classifyTextRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Predictions []moderation.Prediction `json:"predictions"`
}

// ClassifyText runs the toxicity model on text.
func (c *Client) ClassifyText(ctx context.Context, text string) ([]moderation.Prediction, error) {
	var resp classifyResponse
	if err := c.postJSON(ctx, "/v1/classify/text", classifyTextRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	return resp.Predictions, nil
}

// ClassifyImage runs the NSFW model on encoded image bytes.
func (c *Client) ClassifyImage(ctx context.Context, image []byte) ([]moderation.Prediction, error) {
	var resp classifyResponse
	if err := c.postRaw(ctx, "/v1/classify/image", "application/octet-stream", image, &resp); err != nil {
		return nil, err
	}
	return resp.Predictions, nil
}

type transcribeResponse struct {
	Transcript string `json:"transcript"`
}

// Transcribe converts audio bytes to text.
func (c *Client) Transcribe(ctx context.Context, audio []byte) (string, error) {
	var resp transcribeResponse
	if err := c.postRaw(ctx, "/v1/transcribe", "application/octet-stream", audio, &resp); err != nil {
		return "", err
	}
	return resp.Transcript, nil
}

// postJSON marshals the request body as JSON and decodes the JSON
// response through the circuit breaker.
func (c *Client) postJSON(ctx context.Context, path string, reqBody, respBody interface{}) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("inference: marshal request: %w", err)
	}
	return c.postRaw(ctx, path, "application/json", payload, respBody)
}

func (c *Client) postRaw(ctx context.Context, path, contentType string, payload []byte, respBody interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("inference: build request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("inference: %s: %w", path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("inference: %s: status %d: %s", path, resp.StatusCode, body)
		}
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return nil, fmt.Errorf("inference: %s: decode response: %w", path, err)
		}
		return nil, nil
	})
	return err
}

// Healthy probes the sidecar's health endpoint. Used by the lazy
// classifier loaders to decide whether the model backend exists at all.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
