package domain

import "time"

type Business struct {
	ID         int64
	Name       string
	Category   string // restaurant, cafe, ...
	Location   string
	Platform   string
	PlatformID string
	CreatedAt  time.Time
}

// BusinessView is the dashboard read model: the business plus summary stats
// computed over genuineness-approved reviews only.
type BusinessView struct {
	Business
	TotalReviews          int
	AverageRating         float64
	SentimentDistribution map[Sentiment]int
}
