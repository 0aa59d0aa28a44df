// Package captcha implements the CAPTCHA gate in front of portal actions.
//
// A Gate makes exactly one attempt per call: it asks the oracle to read the
// challenge, refuses low-confidence answers locally, submits the rest and then
// checks the page for the portal's own rejection message. Retrying is the
// caller's job.
package captcha

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

// DefaultMinConfidence is the inclusive acceptance threshold.
const DefaultMinConfidence = 0.55

// Attempt results reported to observers.
const (
	ResultAccepted      = "accepted"
	ResultLowConfidence = "low_confidence"
	ResultPortalReject  = "portal_rejected"
	ResultError         = "error"
)

// Config tunes the gate.
type Config struct {
	MinConfidence  float64
	SettleTimeout  time.Duration
	FailurePhrases []string
}

// Form locates one CAPTCHA form on the page.
type Form struct {
	Image           string
	Input           string
	Submit          string
	ErrorIndicators []string
}

// Outcome is the result of one gate attempt.
type Outcome struct {
	Accepted   bool
	Text       string
	Confidence float64
	Reason     string
}

// Err converts a rejected outcome into a transient gate error.
func (o Outcome) Err() error {
	if o.Accepted {
		return nil
	}
	return fmt.Errorf("%s: %w", o.Reason, harvest.ErrGateRejected)
}

// ObserverFunc receives the stage and result of each attempt.
type ObserverFunc func(stage, result string)

// Gate solves and submits CAPTCHA challenges.
type Gate struct {
	oracle   harvest.CaptchaOracle
	cfg      Config
	logger   *zap.Logger
	observer ObserverFunc
}

// NewGate builds a Gate.
func NewGate(oracle harvest.CaptchaOracle, cfg Config, logger *zap.Logger) *Gate {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 4 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{oracle: oracle, cfg: cfg, logger: logger}
}

// WithObserver registers fn to be told about every attempt.
func (g *Gate) WithObserver(fn ObserverFunc) *Gate {
	g.observer = fn
	return g
}

// Accept reports whether an oracle answer is good enough to submit.
func Accept(text string, confidence, minConfidence float64) bool {
	return strings.TrimSpace(text) != "" && confidence >= minConfidence
}

// Attempt runs one pass through the gate. Infrastructure failures are
// returned as errors; a rejection is an Outcome with Accepted=false.
func (g *Gate) Attempt(ctx context.Context, session harvest.BrowserSession, stage string, form Form) (Outcome, error) {
	out, err := g.attempt(ctx, session, form)
	result := ResultAccepted
	switch {
	case err != nil:
		result = ResultError
	case !out.Accepted && out.Reason == reasonLowConfidence:
		result = ResultLowConfidence
	case !out.Accepted:
		result = ResultPortalReject
	}
	if g.observer != nil {
		g.observer(stage, result)
	}
	g.logger.Debug("captcha attempt",
		zap.String("stage", stage),
		zap.String("result", result),
		zap.Float64("confidence", out.Confidence),
	)
	return out, err
}

const (
	reasonLowConfidence = "captcha confidence below threshold"
	reasonPortalReject  = "portal rejected captcha"
)

func (g *Gate) attempt(ctx context.Context, session harvest.BrowserSession, form Form) (Outcome, error) {
	src, err := session.ReadAttribute(ctx, form.Image, "src")
	if err != nil {
		return Outcome{}, fmt.Errorf("read captcha image: %w", err)
	}
	img, err := DecodeImage(src)
	if err != nil {
		return Outcome{}, err
	}
	text, confidence, err := g.oracle.Solve(ctx, img)
	if err != nil {
		return Outcome{}, fmt.Errorf("solve captcha: %w", err)
	}
	text = strings.TrimSpace(text)
	out := Outcome{Text: text, Confidence: confidence}
	if !Accept(text, confidence, g.cfg.MinConfidence) {
		out.Reason = reasonLowConfidence
		return out, nil
	}

	if err := session.Fill(ctx, form.Input, text); err != nil {
		return out, fmt.Errorf("fill captcha: %w", err)
	}
	if err := session.Click(ctx, form.Submit); err != nil {
		return out, fmt.Errorf("submit captcha: %w", err)
	}
	if err := session.Settle(ctx, g.cfg.SettleTimeout); err != nil {
		return out, fmt.Errorf("settle after captcha: %w", err)
	}

	for _, sel := range form.ErrorIndicators {
		msg, visible, err := session.ReadVisibleText(ctx, sel)
		if err != nil || !visible {
			continue
		}
		if g.isFailure(msg) {
			out.Reason = reasonPortalReject
			g.logger.Info("captcha rejected after submit",
				zap.String("indicator", sel),
				zap.String("message", strings.TrimSpace(msg)),
			)
			return out, nil
		}
	}
	out.Accepted = true
	return out, nil
}

func (g *Gate) isFailure(msg string) bool {
	lower := strings.ToLower(msg)
	for _, phrase := range g.cfg.FailurePhrases {
		if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

// ErrNotDataURI is returned when the challenge image is not inlined.
var ErrNotDataURI = errors.New("captcha image is not a base64 data URI")

// DecodeImage extracts the bytes of a base64 data URI.
func DecodeImage(src string) ([]byte, error) {
	src = strings.TrimSpace(src)
	if !strings.HasPrefix(src, "data:") {
		return nil, fmt.Errorf("decode captcha image: %w", ErrNotDataURI)
	}
	meta, payload, ok := strings.Cut(src, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, fmt.Errorf("decode captcha image: %w", ErrNotDataURI)
	}
	img, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode captcha image: %w", err)
	}
	if len(img) == 0 {
		return nil, fmt.Errorf("decode captcha image: empty payload")
	}
	return img, nil
}
