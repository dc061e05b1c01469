// Package gateway is the Posting Gateway adapter: it hands an approved final
// response to the platform connector service for the one-shot external post.
// Retry policy lives in the engine, not here; a single Post call maps to a
// single connector request carrying an idempotency key, so a duplicate
// submission after a lost ack returns the connector's stable receipt.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"revuiq/internal/adapters/observability"
	"revuiq/internal/domain"
)

type Client struct {
	base string
	hc   *http.Client
	key  string
	rl   *rate.Limiter
}

func New(base, key string, rps int) (*Client, error) {
	if base == "" {
		return nil, fmt.Errorf("gateway base URL is required")
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

type postBody struct {
	ReviewID         int64  `json:"review_id"`
	Platform         string `json:"platform"`
	PlatformReviewID string `json:"platform_review_id"`
	Text             string `json:"text"`
}

type receiptBody struct {
	ExternalID string    `json:"external_id"`
	PostedAt   time.Time `json:"posted_at"`
}

func (c *Client) Post(ctx context.Context, req domain.PostRequest) (domain.PostReceipt, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return domain.PostReceipt{}, &domain.PostError{Reason: err.Error()}
	}

	payload, err := json.Marshal(postBody{
		ReviewID:         req.ReviewID,
		Platform:         req.Platform,
		PlatformReviewID: req.PlatformReviewID,
		Text:             req.Text,
	})
	if err != nil {
		return domain.PostReceipt{}, &domain.PostError{Reason: err.Error()}
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/responses", bytes.NewReader(payload))
	if err != nil {
		return domain.PostReceipt{}, &domain.PostError{Reason: err.Error()}
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")
	// stable per review, so the connector can dedupe a resubmission
	hreq.Header.Set("Idempotency-Key", "review-"+strconv.FormatInt(req.ReviewID, 10))
	if c.key != "" {
		hreq.Header.Set("X-API-Key", c.key)
	}

	start := time.Now()
	resp, err := c.hc.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return domain.PostReceipt{}, &domain.PostError{Reason: ctx.Err().Error()}
		}
		return domain.PostReceipt{}, &domain.PostError{Reason: err.Error()}
	}
	defer resp.Body.Close()
	observability.ObserveExternal("gateway", "/responses", resp.StatusCode, time.Since(start))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var rb receiptBody
		if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
			return domain.PostReceipt{}, &domain.PostError{Status: resp.StatusCode, Reason: "decode receipt: " + err.Error()}
		}
		if rb.PostedAt.IsZero() {
			rb.PostedAt = time.Now().UTC()
		}
		return domain.PostReceipt{ExternalID: rb.ExternalID, PostedAt: rb.PostedAt}, nil
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.PostReceipt{}, &domain.PostError{
			Status: resp.StatusCode,
			Reason: string(bytes.TrimSpace(b)),
		}
	}
}
