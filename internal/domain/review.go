package domain

import "time"

type Sentiment string

const (
	SentimentPositive Sentiment = "POSITIVE"
	SentimentNeutral  Sentiment = "NEUTRAL"
	SentimentNegative Sentiment = "NEGATIVE"
)

type Review struct {
	ID               int64
	BusinessID       int64
	Platform         string // google|yelp|tripadvisor|meta
	PlatformReviewID string
	Author           string
	Rating           int // 1-5
	Text             string
	ReviewDate       time.Time // source platform timestamp
	State            State
	PostAttempts     int
	IngestedAt       time.Time
	UpdatedAt        time.Time
}

// SourceReview is a review as fetched from a platform, before it has an
// identity or any NLP signals.
type SourceReview struct {
	Platform         string
	PlatformReviewID string
	Author           string
	Rating           int
	Text             string
	ReviewDate       time.Time
}

// Annotation holds the NLP signals for one review. Rows are immutable;
// re-annotation inserts a new row with the next version so a decision made
// against an older annotation stays attributable.
type Annotation struct {
	ID             int64
	ReviewID       int64
	Version        int
	Sentiment      Sentiment
	SentimentScore float64 // 0..1
	PrimaryEmotion string  // argmax of Emotions
	Emotions       map[string]float64
	Aspects        []Aspect
	AnnotatedAt    time.Time
}

// Aspect is a sub-topic mentioned in the review text with its own local
// sentiment (e.g. "service" NEGATIVE inside an overall-positive review).
type Aspect struct {
	Name      string    `json:"aspect"`
	Sentiment Sentiment `json:"sentiment"`
}

// ApprovalDecision is the genuineness-stage verdict. Created exactly once per
// review; immutable afterwards.
type ApprovalDecision struct {
	ID        int64
	ReviewID  int64
	Genuine   bool
	Notes     string
	DecidedBy string
	DecidedAt time.Time
}

// ResponseRecord exists iff the review passed the genuineness gate. FinalText
// and Approved stay nil until the response decision fires.
type ResponseRecord struct {
	ReviewID         int64
	CandidateText    string
	Tone             string
	FinalText        *string
	Approved         *bool
	Posted           bool
	PostAttemptedAt  *time.Time
	PostFailedReason *string
	PostedAt         *time.Time
	CreatedAt        time.Time
}

// ResponseText returns the text that would be (or was) posted: the admin's
// final text when set, else the AI candidate.
func (r ResponseRecord) ResponseText() string {
	if r.FinalText != nil && *r.FinalText != "" {
		return *r.FinalText
	}
	return r.CandidateText
}

// AnnotatedReview pairs a review with its current (highest-version) annotation.
type AnnotatedReview struct {
	Review     Review
	Annotation Annotation
}

// PendingResponse is the response-queue read model: the review plus the
// AI candidate awaiting an admin decision.
type PendingResponse struct {
	Review        Review
	CandidateText string
	Tone          string
}
