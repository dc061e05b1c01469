package domain

import (
	"context"
	"time"
)

// ReviewRepository is the durable Review Store. Every state-changing method
// that names an expected current state executes the transition as a single
// atomic conditional update: if the review is no longer in that state the call
// returns ErrInvalidStateTransition (ErrNotFound for an unknown id) and
// nothing is written. This is what serializes concurrent admin decisions.
type ReviewRepository interface {
	// Write paths
	CreateBusiness(ctx context.Context, b Business) (int64, error)
	CreateReview(ctx context.Context, rv Review, an Annotation) (int64, error)
	AddAnnotation(ctx context.Context, an Annotation) (int, error) // returns assigned version

	// Transitions (all conditional on the expected current state)
	RecordGenuinenessDecision(ctx context.Context, id int64, d ApprovalDecision, resp *ResponseRecord) error
	RecordResponseDecision(ctx context.Context, id int64, approved bool, finalText string) error
	MarkPosted(ctx context.Context, id int64, receipt PostReceipt) error
	MarkPostFailed(ctx context.Context, id int64, reason string) (attempts int, err error)
	MarkRetrying(ctx context.Context, id int64, expectedAttempts int) error
	MarkExhausted(ctx context.Context, id int64) error

	// Read paths
	GetReview(ctx context.Context, id int64) (Review, error)
	GetAnnotation(ctx context.Context, reviewID int64) (Annotation, error) // highest version
	GetResponse(ctx context.Context, id int64) (ResponseRecord, error)
	GetDecision(ctx context.Context, id int64) (ApprovalDecision, error)
	ListByState(ctx context.Context, st State, limit int) ([]Review, error)
	ListPendingResponses(ctx context.Context, limit int) ([]PendingResponse, error)
	CountByState(ctx context.Context) (map[State]int, error)
	GetBusiness(ctx context.Context, id int64) (Business, error)
	ListBusinesses(ctx context.Context) ([]Business, error)
	ListAnnotatedReviews(ctx context.Context, businessID int64, since time.Time, limit int) ([]AnnotatedReview, error)
}

// Annotator wraps the external NLP capability. Both calls are pure and
// side-effect free from the engine's perspective; a failure maps to
// ErrAnnotationUnavailable and leaves the review in its prior state.
type Annotator interface {
	Annotate(ctx context.Context, text string) (Annotation, error)
	GenerateResponse(ctx context.Context, req GenerationRequest) (GeneratedResponse, error)
}

type GenerationRequest struct {
	Text           string
	Sentiment      Sentiment
	PrimaryEmotion string
	BusinessName   string
	Tone           string // optional; empty lets the generator pick
}

type GeneratedResponse struct {
	Text string
	Tone string // professional|apologetic|grateful
}

// PostingGateway publishes an approved response back to the originating
// platform. The engine invokes it at most once concurrently per review; the
// gateway itself must be idempotent on duplicate submission (a prior success
// ack can be lost), which the HTTP adapter achieves with an idempotency key.
type PostingGateway interface {
	Post(ctx context.Context, req PostRequest) (PostReceipt, error)
}

type PostRequest struct {
	ReviewID         int64
	Platform         string
	PlatformReviewID string
	Text             string
}

type PostReceipt struct {
	ExternalID string
	PostedAt   time.Time
}

// PlatformSource fetches third-party reviews for a business (ingestion input).
type PlatformSource interface {
	FetchReviews(ctx context.Context, businessID int64, count int) ([]SourceReview, error)
}

type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttlSec int) error
	Del(ctx context.Context, key string) error
}

// PendingKind selects one of the two admin queues.
type PendingKind string

const (
	PendingKindGenuineness PendingKind = "genuineness"
	PendingKindResponse    PendingKind = "response"
)

// StageStats are the per-stage aggregate counters. Always derived from a
// fresh state recount; total = pending + approved + rejected by construction.
type StageStats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
}

type StatsOverview struct {
	Genuineness StageStats `json:"genuineness"`
	Response    StageStats `json:"response"`
}

// AnalyticsReport aggregates NLP signals for one business over a window.
// Only genuineness-approved reviews are ever counted.
type AnalyticsReport struct {
	BusinessID            int64              `json:"business_id"`
	PeriodDays            int                `json:"period_days"`
	TotalReviews          int                `json:"total_reviews"`
	AverageRating         float64            `json:"average_rating"`
	SentimentDistribution map[Sentiment]int  `json:"sentiment_distribution"`
	TopEmotions           map[string]float64 `json:"top_emotions"`
	TopAspects            map[string]int     `json:"top_aspects"`
	RatingDistribution    map[string]int     `json:"rating_distribution"`
}
