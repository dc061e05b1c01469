// Package nlp wraps the external NLP inference service behind the
// domain.Annotator contract. Calls are pure and retryable; any terminal
// failure surfaces as domain.ErrAnnotationUnavailable so the engine leaves
// the review in its prior state.
package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"revuiq/internal/adapters/observability"
	"revuiq/internal/adapters/outbound"
	"revuiq/internal/domain"
)

const maxAttempts = 4

type Client struct {
	base string
	hc   *http.Client
	key  string
	rl   *rate.Limiter
}

func New(base, key string, rps int) (*Client, error) {
	if base == "" {
		return nil, fmt.Errorf("NLP base URL is required")
	}
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		base: base,
		hc:   &http.Client{Timeout: 20 * time.Second},
		key:  key,
		rl:   rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

type annotateResponse struct {
	Sentiment      string             `json:"sentiment"`
	SentimentScore float64            `json:"sentiment_score"`
	PrimaryEmotion string             `json:"primary_emotion"`
	Emotions       map[string]float64 `json:"emotions"`
	Aspects        []domain.Aspect    `json:"aspects"`
}

func (c *Client) Annotate(ctx context.Context, text string) (domain.Annotation, error) {
	var out annotateResponse
	if err := c.post(ctx, "/annotate", map[string]any{"text": text}, &out); err != nil {
		return domain.Annotation{}, err
	}
	an := domain.Annotation{
		Sentiment:      domain.Sentiment(out.Sentiment),
		SentimentScore: out.SentimentScore,
		PrimaryEmotion: out.PrimaryEmotion,
		Emotions:       out.Emotions,
		Aspects:        out.Aspects,
		AnnotatedAt:    time.Now().UTC(),
	}
	// argmax fallback when the service omits primary_emotion
	if an.PrimaryEmotion == "" {
		best := -1.0
		for e, sc := range an.Emotions {
			if sc > best {
				best, an.PrimaryEmotion = sc, e
			}
		}
	}
	return an, nil
}

type generateResponse struct {
	Response string `json:"response"`
	Tone     string `json:"tone"`
}

func (c *Client) GenerateResponse(ctx context.Context, req domain.GenerationRequest) (domain.GeneratedResponse, error) {
	body := map[string]any{
		"text":          req.Text,
		"sentiment":     string(req.Sentiment),
		"emotion":       req.PrimaryEmotion,
		"business_name": req.BusinessName,
	}
	if req.Tone != "" {
		body["tone"] = req.Tone
	}
	var out generateResponse
	if err := c.post(ctx, "/generate-response", body, &out); err != nil {
		return domain.GeneratedResponse{}, err
	}
	if out.Response == "" {
		return domain.GeneratedResponse{}, fmt.Errorf("empty candidate: %w", domain.ErrAnnotationUnavailable)
	}
	if out.Tone == "" {
		out.Tone = "professional"
	}
	return domain.GeneratedResponse{Text: out.Response, Tone: out.Tone}, nil
}

// post performs a JSON POST with client-side rate limiting and bounded retries
// on 429/transient 5xx, honoring Retry-After when provided.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.key != "" {
			req.Header.Set("X-API-Key", c.key)
		}

		start := time.Now()
		resp, err := c.hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%v: %w", ctx.Err(), domain.ErrAnnotationUnavailable)
			}
			lastErr = err
			if i < maxAttempts-1 && outbound.SleepCtx(ctx, outbound.Backoff(i)) {
				continue
			}
			return fmt.Errorf("%v: %w", lastErr, domain.ErrAnnotationUnavailable)
		}
		observability.ObserveExternal("nlp", path, resp.StatusCode, time.Since(start))

		switch {
		case resp.StatusCode == http.StatusOK:
			err := json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			if err != nil {
				return fmt.Errorf("decode %s: %v: %w", path, err, domain.ErrAnnotationUnavailable)
			}
			return nil

		case outbound.Retryable(resp.StatusCode):
			wait := outbound.RetryAfter(resp)
			resp.Body.Close()
			if wait == 0 {
				wait = outbound.Backoff(i)
			}
			lastErr = fmt.Errorf("nlp %s: remote %d", path, resp.StatusCode)
			if i < maxAttempts-1 && outbound.SleepCtx(ctx, wait) {
				continue
			}
			return fmt.Errorf("%v: %w", lastErr, domain.ErrAnnotationUnavailable)

		default:
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return fmt.Errorf("nlp %s: status %d: %s: %w", path, resp.StatusCode, bytes.TrimSpace(b), domain.ErrAnnotationUnavailable)
		}
	}
	return fmt.Errorf("%v: %w", lastErr, domain.ErrAnnotationUnavailable)
}
