package app

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"revuiq/internal/domain"
)

// QueryService serves the dashboard's read-only projections over the Review
// Store. Every projection here only ever reflects reviews that passed the
// genuineness gate; REJECTED_FAKE and still-pending reviews are invisible.
type QueryService struct {
	repo     domain.ReviewRepository
	cache    domain.Cache
	cacheTTL time.Duration
}

func NewQueryService(r domain.ReviewRepository, c domain.Cache, ttl time.Duration) *QueryService {
	return &QueryService{repo: r, cache: c, cacheTTL: ttl}
}

func (s *QueryService) CreateRestaurant(ctx context.Context, b domain.Business) (domain.Business, error) {
	id, err := s.repo.CreateBusiness(ctx, b)
	if err != nil {
		return domain.Business{}, err
	}
	b.ID = id
	b.CreatedAt = time.Now().UTC()
	return b, nil
}

func (s *QueryService) ListRestaurants(ctx context.Context) ([]domain.Business, error) {
	return s.repo.ListBusinesses(ctx)
}

// GetRestaurant returns the business with summary stats over its approved
// reviews.
func (s *QueryService) GetRestaurant(ctx context.Context, id int64) (domain.BusinessView, error) {
	key := fmt.Sprintf("restaurant:%d", id)
	var bv domain.BusinessView
	if ok, _ := s.cache.Get(ctx, key, &bv); ok {
		return bv, nil
	}

	b, err := s.repo.GetBusiness(ctx, id)
	if err != nil {
		return domain.BusinessView{}, err
	}
	ars, err := s.repo.ListAnnotatedReviews(ctx, id, time.Time{}, 10000)
	if err != nil {
		return domain.BusinessView{}, err
	}

	bv = domain.BusinessView{
		Business:              b,
		SentimentDistribution: map[domain.Sentiment]int{domain.SentimentPositive: 0, domain.SentimentNeutral: 0, domain.SentimentNegative: 0},
	}
	total := 0.0
	for _, ar := range ars {
		bv.TotalReviews++
		bv.SentimentDistribution[ar.Annotation.Sentiment]++
		total += float64(ar.Review.Rating)
	}
	if bv.TotalReviews > 0 {
		bv.AverageRating = round2(total / float64(bv.TotalReviews))
	}

	_ = s.cache.Set(ctx, key, bv, int(s.cacheTTL.Seconds()))
	return bv, nil
}

// cachedReviewLimits are the only page sizes worth a cache entry. Writers
// evict exactly these keys, so any other limit must bypass the cache or it
// would serve stale pages until TTL.
var cachedReviewLimits = []int{20, 50, 100}

func reviewLimitCached(limit int) bool {
	for _, l := range cachedReviewLimits {
		if limit == l {
			return true
		}
	}
	return false
}

// ListBusinessReviews returns approved reviews with their current annotation,
// newest review date first.
func (s *QueryService) ListBusinessReviews(ctx context.Context, businessID int64, limit int) ([]domain.AnnotatedReview, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	cacheable := reviewLimitCached(limit)
	key := fmt.Sprintf("reviews:%d:%d", businessID, limit)
	var out []domain.AnnotatedReview
	if cacheable {
		if ok, _ := s.cache.Get(ctx, key, &out); ok {
			return out, nil
		}
	}
	out, err := s.repo.ListAnnotatedReviews(ctx, businessID, time.Time{}, limit)
	if err != nil {
		return nil, err
	}
	if cacheable {
		_ = s.cache.Set(ctx, key, out, int(s.cacheTTL.Seconds()))
	}
	return out, nil
}

// BusinessAnalytics aggregates sentiment, emotion, aspect and rating signals
// over the approved reviews of the window.
func (s *QueryService) BusinessAnalytics(ctx context.Context, businessID int64, days int) (domain.AnalyticsReport, error) {
	if days <= 0 {
		days = 30
	}
	key := fmt.Sprintf("analytics:%d:%d", businessID, days)
	var rep domain.AnalyticsReport
	if ok, _ := s.cache.Get(ctx, key, &rep); ok {
		return rep, nil
	}

	if _, err := s.repo.GetBusiness(ctx, businessID); err != nil {
		return domain.AnalyticsReport{}, err
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	ars, err := s.repo.ListAnnotatedReviews(ctx, businessID, since, 10000)
	if err != nil {
		return domain.AnalyticsReport{}, err
	}

	rep = buildReport(businessID, days, ars)
	_ = s.cache.Set(ctx, key, rep, int(s.cacheTTL.Seconds()))
	return rep, nil
}

func buildReport(businessID int64, days int, ars []domain.AnnotatedReview) domain.AnalyticsReport {
	rep := domain.AnalyticsReport{
		BusinessID: businessID,
		PeriodDays: days,
		SentimentDistribution: map[domain.Sentiment]int{
			domain.SentimentPositive: 0, domain.SentimentNeutral: 0, domain.SentimentNegative: 0,
		},
		TopEmotions:        map[string]float64{},
		TopAspects:         map[string]int{},
		RatingDistribution: map[string]int{"1_star": 0, "2_star": 0, "3_star": 0, "4_star": 0, "5_star": 0},
	}

	emotionScores := map[string][]float64{}
	aspectCounts := map[string]int{}
	ratingTotal := 0.0

	for _, ar := range ars {
		rep.TotalReviews++
		rep.SentimentDistribution[ar.Annotation.Sentiment]++
		for emotion, score := range ar.Annotation.Emotions {
			emotionScores[emotion] = append(emotionScores[emotion], score)
		}
		for _, asp := range ar.Annotation.Aspects {
			aspectCounts[asp.Name]++
		}
		ratingTotal += float64(ar.Review.Rating)
		rep.RatingDistribution[fmt.Sprintf("%d_star", ar.Review.Rating)]++
	}
	if rep.TotalReviews > 0 {
		rep.AverageRating = round2(ratingTotal / float64(rep.TotalReviews))
	}

	// top 5 emotions by average score
	type kv struct {
		k string
		v float64
	}
	var emotions []kv
	for e, scores := range emotionScores {
		sum := 0.0
		for _, sc := range scores {
			sum += sc
		}
		emotions = append(emotions, kv{e, sum / float64(len(scores))})
	}
	sort.Slice(emotions, func(i, j int) bool {
		if emotions[i].v != emotions[j].v {
			return emotions[i].v > emotions[j].v
		}
		return emotions[i].k < emotions[j].k
	})
	for i, e := range emotions {
		if i == 5 {
			break
		}
		rep.TopEmotions[e.k] = math.Round(e.v*1000) / 1000
	}

	// top 10 aspects by mention count
	type ka struct {
		k string
		v int
	}
	var aspects []ka
	for a, n := range aspectCounts {
		aspects = append(aspects, ka{a, n})
	}
	sort.Slice(aspects, func(i, j int) bool {
		if aspects[i].v != aspects[j].v {
			return aspects[i].v > aspects[j].v
		}
		return aspects[i].k < aspects[j].k
	})
	for i, a := range aspects {
		if i == 10 {
			break
		}
		rep.TopAspects[a.k] = a.v
	}
	return rep
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
