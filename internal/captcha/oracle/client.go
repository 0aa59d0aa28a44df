// Package oracle is an HTTP client for the OCR service that reads CAPTCHA images.
package oracle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

// Config describes the OCR endpoint and breaker behavior.
type Config struct {
	Endpoint           string
	APIKey             string
	Timeout            time.Duration
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
}

type solveRequest struct {
	Image string `json:"image"`
}

type solveResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type answer struct {
	text       string
	confidence float64
}

// Client calls the OCR service through a circuit breaker. While the breaker
// is open every call fails fast with a transient network error.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[answer]
	logger  *zap.Logger
}

// New builds a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("oracle endpoint is required: %w", harvest.ErrFatalSetup)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{cfg: cfg, http: httpClient, logger: logger}
	c.breaker = gobreaker.NewCircuitBreaker[answer](gobreaker.Settings{
		Name:        "captcha-oracle",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c, nil
}

var _ harvest.CaptchaOracle = (*Client)(nil)

// Solve implements harvest.CaptchaOracle.
func (c *Client) Solve(ctx context.Context, image []byte) (string, float64, error) {
	ans, err := c.breaker.Execute(func() (answer, error) {
		return c.solve(ctx, image)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", 0, fmt.Errorf("captcha oracle unavailable: %w: %w", harvest.ErrNetwork, err)
	}
	if err != nil {
		return "", 0, err
	}
	return ans.text, ans.confidence, nil
}

func (c *Client) solve(ctx context.Context, image []byte) (answer, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(solveRequest{Image: base64.StdEncoding.EncodeToString(image)})
	if err != nil {
		return answer{}, fmt.Errorf("encode oracle request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return answer{}, fmt.Errorf("build oracle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return answer{}, fmt.Errorf("call oracle: %w: %w", harvest.ErrNetwork, err)
	}
	defer resp.Body.Close() //nolint:errcheck // body drained below

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return answer{}, fmt.Errorf("oracle status %d: %s: %w", resp.StatusCode, bytes.TrimSpace(snippet), harvest.ErrNetwork)
	}
	var out solveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return answer{}, fmt.Errorf("decode oracle response: %w", err)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return answer{}, fmt.Errorf("oracle confidence %v out of range", out.Confidence)
	}
	return answer{text: out.Text, confidence: out.Confidence}, nil
}

// State reports the breaker state (closed, half-open or open). The app logs it
// at shutdown.
func (c *Client) State() string {
	return c.breaker.State().String()
}
