package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"revuiq/internal/domain"
)

// IngestionService turns raw platform reviews into annotated store records.
// A review only becomes visible once annotation succeeds: on
// ErrAnnotationUnavailable nothing is stored and the caller retries later.
type IngestionService struct {
	source domain.PlatformSource
	nlp    domain.Annotator
	repo   domain.ReviewRepository
	cache  domain.Cache
}

func NewIngestionService(src domain.PlatformSource, nlp domain.Annotator, repo domain.ReviewRepository, cache domain.Cache) *IngestionService {
	return &IngestionService{source: src, nlp: nlp, repo: repo, cache: cache}
}

// IngestReview annotates and stores one review, entering PENDING_GENUINENESS.
// Returns (id, false, nil) with the zero id when the review was already
// ingested (duplicate platform review id).
func (s *IngestionService) IngestReview(ctx context.Context, businessID int64, src domain.SourceReview) (int64, bool, error) {
	if src.Text == "" {
		return 0, false, fmt.Errorf("review %s/%s: empty text", src.Platform, src.PlatformReviewID)
	}
	if src.Rating < 1 || src.Rating > 5 {
		return 0, false, fmt.Errorf("review %s/%s: rating %d out of range", src.Platform, src.PlatformReviewID, src.Rating)
	}

	an, err := s.nlp.Annotate(ctx, src.Text)
	if err != nil {
		return 0, false, fmt.Errorf("annotate review %s/%s: %w", src.Platform, src.PlatformReviewID, err)
	}

	rv := domain.Review{
		BusinessID:       businessID,
		Platform:         src.Platform,
		PlatformReviewID: src.PlatformReviewID,
		Author:           src.Author,
		Rating:           src.Rating,
		Text:             src.Text,
		ReviewDate:       src.ReviewDate,
	}
	id, err := s.repo.CreateReview(ctx, rv, an)
	if errors.Is(err, domain.ErrDuplicateReview) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// IngestBusiness pulls the latest reviews for one business from the platform
// aggregator and ingests each. Per-review failures are logged and skipped;
// the fetch itself bubbles up.
func (s *IngestionService) IngestBusiness(ctx context.Context, businessID int64, count int) (int, error) {
	srcs, err := s.source.FetchReviews(ctx, businessID, count)
	if err != nil {
		return 0, fmt.Errorf("fetch reviews for business %d: %w", businessID, err)
	}

	ingested := 0
	for _, src := range srcs {
		_, created, err := s.IngestReview(ctx, businessID, src)
		if err != nil {
			if errors.Is(err, domain.ErrAnnotationUnavailable) {
				// transient: stop the batch, nothing stored for this review
				return ingested, err
			}
			log.Warn().Int64("business", businessID).
				Str("platform_review", src.PlatformReviewID).Err(err).Msg("skip review")
			continue
		}
		if created {
			ingested++
		}
	}
	if ingested > 0 {
		s.invalidateBusiness(ctx, businessID)
	}
	return ingested, nil
}

// Reannotate runs the NLP pipeline again and stores the result as a new
// annotation version. Earlier versions are never touched, so a decision made
// against an old annotation stays attributable.
func (s *IngestionService) Reannotate(ctx context.Context, reviewID int64) (int, error) {
	rv, err := s.repo.GetReview(ctx, reviewID)
	if err != nil {
		return 0, err
	}
	an, err := s.nlp.Annotate(ctx, rv.Text)
	if err != nil {
		return 0, fmt.Errorf("reannotate review %d: %w", reviewID, err)
	}
	an.ReviewID = reviewID
	an.AnnotatedAt = time.Now().UTC()
	version, err := s.repo.AddAnnotation(ctx, an)
	if err != nil {
		return 0, err
	}
	s.invalidateBusiness(ctx, rv.BusinessID)
	return version, nil
}

func (s *IngestionService) invalidateBusiness(ctx context.Context, businessID int64) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Del(ctx, fmt.Sprintf("restaurant:%d", businessID))
	for _, lim := range cachedReviewLimits {
		_ = s.cache.Del(ctx, fmt.Sprintf("reviews:%d:%d", businessID, lim))
	}
	for _, days := range []int{7, 30, 90} {
		_ = s.cache.Del(ctx, fmt.Sprintf("analytics:%d:%d", businessID, days))
	}
}
