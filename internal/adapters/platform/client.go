// Package platform fetches third-party customer reviews from the review
// aggregation API. It is the ingestion input only; posting responses back to
// platforms goes through the gateway adapter.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"revuiq/internal/adapters/observability"
	"revuiq/internal/adapters/outbound"
	"revuiq/internal/domain"
)

const maxAttempts = 4

var (
	ErrNotFound     = errors.New("platform: business not found")
	ErrUnauthorized = errors.New("platform: unauthorized")
)

type Client struct {
	base string
	hc   *http.Client
	key  string
	rl   *rate.Limiter
}

func New(base, key string, rps int) (*Client, error) {
	if key == "" {
		return nil, fmt.Errorf("API key is required")
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

// wireReview is the aggregator's review shape. Field names vary a little per
// upstream platform, hence the alias fallbacks in toSource.
type wireReview struct {
	ID         string   `json:"id"`
	ReviewID   string   `json:"review_id"`
	Platform   string   `json:"platform"`
	Source     string   `json:"source"`
	Author     string   `json:"author"`
	AuthorName string   `json:"author_name"`
	Rating     *float64 `json:"rating"`
	Score      *float64 `json:"score"`
	Text       string   `json:"text"`
	Comment    string   `json:"comment"`
	Date       string   `json:"date"`
	CreatedAt  string   `json:"created_at"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (w wireReview) toSource() (domain.SourceReview, error) {
	src := domain.SourceReview{
		Platform:         firstNonEmpty(w.Platform, w.Source, "google"),
		PlatformReviewID: firstNonEmpty(w.ID, w.ReviewID),
		Author:           firstNonEmpty(w.Author, w.AuthorName),
		Text:             firstNonEmpty(w.Text, w.Comment),
	}
	if src.PlatformReviewID == "" {
		return src, fmt.Errorf("review without id")
	}
	rating := w.Rating
	if rating == nil {
		rating = w.Score
	}
	if rating == nil {
		return src, fmt.Errorf("review %s without rating", src.PlatformReviewID)
	}
	src.Rating = int(math.Round(*rating))
	if src.Rating < 1 {
		src.Rating = 1
	}
	if src.Rating > 5 {
		src.Rating = 5
	}
	if d := firstNonEmpty(w.Date, w.CreatedAt); d != "" {
		if t, err := time.Parse(time.RFC3339, d); err == nil {
			src.ReviewDate = t
		}
	}
	return src, nil
}

// FetchReviews pulls up to count reviews for one business, newest first.
func (c *Client) FetchReviews(ctx context.Context, businessID int64, count int) ([]domain.SourceReview, error) {
	if count <= 0 {
		count = 100
	}
	url := fmt.Sprintf("%s/businesses/%d/reviews?limit=%d", c.base, businessID, count)

	var raw []wireReview
	if err := c.get(ctx, url, &raw); err != nil {
		return nil, err
	}

	out := make([]domain.SourceReview, 0, len(raw))
	for _, w := range raw {
		src, err := w.toSource()
		if err != nil {
			continue // malformed upstream rows are skipped, not fatal
		}
		out = append(out, src)
	}
	return out, nil
}

// get performs a GET with client-side rate limiting, bounded retries on 429
// and transient 5xx (honoring Retry-After), and JSON decode into out.
func (c *Client) get(ctx context.Context, url string, out any) error {
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("X-API-Key", c.key)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "revuiq/1.0")

		start := time.Now()
		resp, err := c.hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			if i < maxAttempts-1 && outbound.SleepCtx(ctx, outbound.Backoff(i)) {
				continue
			}
			return lastErr
		}
		observability.ObserveExternal("platform", "/reviews", resp.StatusCode, time.Since(start))

		switch {
		case resp.StatusCode == http.StatusOK:
			err := json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			return err

		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return ErrNotFound

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			resp.Body.Close()
			return ErrUnauthorized

		case outbound.Retryable(resp.StatusCode):
			wait := outbound.RetryAfter(resp)
			resp.Body.Close()
			if wait == 0 {
				wait = outbound.Backoff(i)
			}
			lastErr = fmt.Errorf("remote %d", resp.StatusCode)
			if i < maxAttempts-1 && outbound.SleepCtx(ctx, wait) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return lastErr

		default:
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return fmt.Errorf("bad status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
		}
	}
	return lastErr
}
