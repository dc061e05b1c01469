package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"revuiq/internal/adapters/observability"
	"revuiq/internal/domain"
)

// Lifecycle is the single authority permitted to mutate a review's state.
// Every transition runs as a conditional update keyed on the expected current
// state, so two admins deciding the same review concurrently end with exactly
// one winner; the loser gets ErrInvalidStateTransition.
type Lifecycle struct {
	repo    domain.ReviewRepository
	nlp     domain.Annotator
	gateway domain.PostingGateway
	cache   domain.Cache

	maxPostAttempts int
	callTimeout     time.Duration
	stalePostAge    time.Duration

	postSem *semaphore.Weighted
	wg      sync.WaitGroup
}

type LifecycleOptions struct {
	MaxPostAttempts int           // total gateway invocations per review; default 3
	CallTimeout     time.Duration // bound on annotator/gateway calls; default 20s
	PosterSlots     int64         // concurrent in-flight posts; default 4
	StalePostAge    time.Duration // age before an unattempted approval is re-armed; default 5m
}

func NewLifecycle(repo domain.ReviewRepository, nlp domain.Annotator, gw domain.PostingGateway, cache domain.Cache, opts LifecycleOptions) *Lifecycle {
	if opts.MaxPostAttempts <= 0 {
		opts.MaxPostAttempts = 3
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 20 * time.Second
	}
	if opts.PosterSlots <= 0 {
		opts.PosterSlots = 4
	}
	if opts.StalePostAge <= 0 {
		opts.StalePostAge = 5 * time.Minute
	}
	return &Lifecycle{
		repo:            repo,
		nlp:             nlp,
		gateway:         gw,
		cache:           cache,
		maxPostAttempts: opts.MaxPostAttempts,
		callTimeout:     opts.CallTimeout,
		stalePostAge:    opts.StalePostAge,
		postSem:         semaphore.NewWeighted(opts.PosterSlots),
	}
}

// Wait drains in-flight posting jobs. Used on shutdown and in tests.
func (s *Lifecycle) Wait() { s.wg.Wait() }

// SubmitGenuinenessDecision fires the genuineness-stage transition. Decisions
// are one-shot, not idempotent retries: a second call for the same review
// fails with ErrInvalidStateTransition.
//
// On genuine=true the AI response is generated before the transition commits;
// a generation failure leaves the review in PENDING_GENUINENESS, retryable in
// place.
func (s *Lifecycle) SubmitGenuinenessDecision(ctx context.Context, reviewID int64, genuine bool, notes, actor string) error {
	rv, err := s.repo.GetReview(ctx, reviewID)
	if err != nil {
		return err
	}
	if rv.State != domain.StatePendingGenuineness {
		return fmt.Errorf("review %d in %s: %w", reviewID, rv.State, domain.ErrInvalidStateTransition)
	}

	d := domain.ApprovalDecision{
		ReviewID:  reviewID,
		Genuine:   genuine,
		Notes:     notes,
		DecidedBy: actor,
		DecidedAt: time.Now().UTC(),
	}

	if !genuine {
		if err := s.repo.RecordGenuinenessDecision(ctx, reviewID, d, nil); err != nil {
			return err
		}
		observability.ObserveTransition(domain.StatePendingGenuineness, domain.StateRejectedFake)
		observability.ObserveDecision("genuineness", "rejected")
		s.invalidateBusiness(ctx, rv.BusinessID)
		log.Info().Int64("review", reviewID).Str("actor", actor).Msg("review rejected as fake")
		return nil
	}

	an, err := s.repo.GetAnnotation(ctx, reviewID)
	if err != nil {
		return fmt.Errorf("load annotation for review %d: %w", reviewID, err)
	}

	req := domain.GenerationRequest{
		Text:           rv.Text,
		Sentiment:      an.Sentiment,
		PrimaryEmotion: an.PrimaryEmotion,
	}
	if b, berr := s.repo.GetBusiness(ctx, rv.BusinessID); berr == nil {
		req.BusinessName = b.Name
	}

	gctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	gen, err := s.nlp.GenerateResponse(gctx, req)
	if err != nil {
		return fmt.Errorf("generate response for review %d: %w", reviewID, err)
	}

	resp := &domain.ResponseRecord{
		ReviewID:      reviewID,
		CandidateText: gen.Text,
		Tone:          gen.Tone,
	}
	if err := s.repo.RecordGenuinenessDecision(ctx, reviewID, d, resp); err != nil {
		return err
	}
	observability.ObserveTransition(domain.StatePendingGenuineness, domain.StatePendingResponseApproval)
	observability.ObserveDecision("genuineness", "approved")
	s.invalidateBusiness(ctx, rv.BusinessID)
	log.Info().Int64("review", reviewID).Str("actor", actor).Str("tone", gen.Tone).
		Msg("review marked genuine, response queued for approval")
	return nil
}

// SubmitResponseDecision settles the response stage. On approval the final
// text is the admin override when non-empty, else the AI candidate, and the
// gateway post is scheduled asynchronously.
func (s *Lifecycle) SubmitResponseDecision(ctx context.Context, reviewID int64, approved bool, finalTextOverride, actor string) error {
	rv, err := s.repo.GetReview(ctx, reviewID)
	if err != nil {
		return err
	}
	if rv.State != domain.StatePendingResponseApproval {
		return fmt.Errorf("review %d in %s: %w", reviewID, rv.State, domain.ErrInvalidStateTransition)
	}

	if !approved {
		if err := s.repo.RecordResponseDecision(ctx, reviewID, false, ""); err != nil {
			return err
		}
		observability.ObserveTransition(domain.StatePendingResponseApproval, domain.StateResponseRejected)
		observability.ObserveDecision("response", "rejected")
		log.Info().Int64("review", reviewID).Str("actor", actor).Msg("response rejected")
		return nil
	}

	resp, err := s.repo.GetResponse(ctx, reviewID)
	if err != nil {
		return err
	}
	finalText := resp.CandidateText
	if finalTextOverride != "" {
		finalText = finalTextOverride
	}
	if err := s.repo.RecordResponseDecision(ctx, reviewID, true, finalText); err != nil {
		return err
	}
	observability.ObserveTransition(domain.StatePendingResponseApproval, domain.StateResponseApproved)
	observability.ObserveDecision("response", "approved")
	log.Info().Int64("review", reviewID).Str("actor", actor).
		Bool("edited", finalTextOverride != "").Msg("response approved, posting scheduled")

	s.schedulePost(reviewID)
	return nil
}

// ListPending returns the admin queue for one stage, oldest first.
func (s *Lifecycle) ListPending(ctx context.Context, kind domain.PendingKind, limit int) ([]domain.Review, error) {
	if limit <= 0 {
		limit = 50
	}
	switch kind {
	case domain.PendingKindGenuineness:
		return s.repo.ListByState(ctx, domain.StatePendingGenuineness, limit)
	case domain.PendingKindResponse:
		return s.repo.ListByState(ctx, domain.StatePendingResponseApproval, limit)
	default:
		return nil, fmt.Errorf("unknown pending kind %q", kind)
	}
}

// ListPendingResponses returns the response queue with candidate text and tone.
func (s *Lifecycle) ListPendingResponses(ctx context.Context, limit int) ([]domain.PendingResponse, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListPendingResponses(ctx, limit)
}

// RetryPosting re-arms a POST_FAILED review. Legal only while the attempt
// counter is below the maximum; the CAS carries the expected counter so two
// racing retry jobs cannot both fire.
func (s *Lifecycle) RetryPosting(ctx context.Context, reviewID int64) error {
	rv, err := s.repo.GetReview(ctx, reviewID)
	if err != nil {
		return err
	}
	if rv.State != domain.StatePostFailed {
		return fmt.Errorf("review %d in %s: %w", reviewID, rv.State, domain.ErrInvalidStateTransition)
	}
	if rv.PostAttempts >= s.maxPostAttempts {
		return fmt.Errorf("review %d after %d attempts: %w", reviewID, rv.PostAttempts, domain.ErrRetryExhausted)
	}
	if err := s.repo.MarkRetrying(ctx, reviewID, rv.PostAttempts); err != nil {
		return err
	}
	observability.ObserveTransition(domain.StatePostFailed, domain.StateResponseApproved)
	log.Info().Int64("review", reviewID).Int("attempts", rv.PostAttempts).Msg("posting retry scheduled")

	s.schedulePost(reviewID)
	return nil
}

// SweepStalled restores liveness for reviews whose posting stalled. Wired to
// the cron scheduler in cmd/api. Two cases:
//   - POST_FAILED below the attempt cap: re-armed via RetryPosting; a review
//     an operator has already re-decided simply loses the CAS and is skipped.
//   - RESPONSE_APPROVED older than stalePostAge: the scheduled post job was
//     lost (process restart, or the worker slot never came free), so the
//     attempt is re-scheduled. attemptPost re-reads state and finishes with a
//     terminal CAS, so re-arming a job that is merely slow stays harmless.
func (s *Lifecycle) SweepStalled(ctx context.Context) {
	rvs, err := s.repo.ListByState(ctx, domain.StatePostFailed, 200)
	if err != nil {
		log.Error().Err(err).Msg("stalled sweep: list post-failed failed")
		return
	}
	for _, rv := range rvs {
		if rv.PostAttempts >= s.maxPostAttempts {
			continue
		}
		if err := s.RetryPosting(ctx, rv.ID); err != nil &&
			!errors.Is(err, domain.ErrInvalidStateTransition) {
			log.Warn().Int64("review", rv.ID).Err(err).Msg("stalled sweep: retry failed")
		}
	}

	approved, err := s.repo.ListByState(ctx, domain.StateResponseApproved, 200)
	if err != nil {
		log.Error().Err(err).Msg("stalled sweep: list approved failed")
		return
	}
	cutoff := time.Now().UTC().Add(-s.stalePostAge)
	for _, rv := range approved {
		if rv.UpdatedAt.After(cutoff) {
			continue
		}
		log.Warn().Int64("review", rv.ID).Time("updated_at", rv.UpdatedAt).
			Msg("stalled sweep: re-arming approved review with no post attempt")
		s.schedulePost(rv.ID)
	}
}

// schedulePost runs the gateway attempt on a bounded background worker. The
// attempt re-checks state on completion via CAS, so posting stays at most
// once concurrently per review.
func (s *Lifecycle) schedulePost(reviewID int64) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.callTimeout+5*time.Second)
		defer cancel()
		if err := s.postSem.Acquire(ctx, 1); err != nil {
			log.Error().Int64("review", reviewID).Err(err).Msg("poster slot acquire failed")
			return
		}
		defer s.postSem.Release(1)
		s.attemptPost(ctx, reviewID)
	}()
}

func (s *Lifecycle) attemptPost(ctx context.Context, reviewID int64) {
	// Re-read immediately before attempting: a manual re-decision cancels a
	// pending retry.
	rv, err := s.repo.GetReview(ctx, reviewID)
	if err != nil || rv.State != domain.StateResponseApproved {
		return
	}
	resp, err := s.repo.GetResponse(ctx, reviewID)
	if err != nil {
		log.Error().Int64("review", reviewID).Err(err).Msg("load response for posting failed")
		return
	}

	pctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	receipt, err := s.gateway.Post(pctx, domain.PostRequest{
		ReviewID:         reviewID,
		Platform:         rv.Platform,
		PlatformReviewID: rv.PlatformReviewID,
		Text:             resp.ResponseText(),
	})
	cancel()

	if err != nil {
		observability.ObservePostAttempt("failure")
		attempts, ferr := s.repo.MarkPostFailed(ctx, reviewID, err.Error())
		if ferr != nil {
			// lost the CAS: someone else already settled this review
			if !errors.Is(ferr, domain.ErrInvalidStateTransition) {
				log.Error().Int64("review", reviewID).Err(ferr).Msg("mark post failed")
			}
			return
		}
		observability.ObserveTransition(domain.StateResponseApproved, domain.StatePostFailed)
		log.Warn().Int64("review", reviewID).Int("attempts", attempts).Err(err).Msg("gateway post failed")
		if attempts >= s.maxPostAttempts {
			if xerr := s.repo.MarkExhausted(ctx, reviewID); xerr == nil {
				observability.ObserveTransition(domain.StatePostFailed, domain.StateFailed)
				log.Error().Int64("review", reviewID).Int("attempts", attempts).
					Msg("posting retries exhausted, review needs operator attention")
			}
		}
		return
	}

	if err := s.repo.MarkPosted(ctx, reviewID, receipt); err != nil {
		if !errors.Is(err, domain.ErrInvalidStateTransition) {
			log.Error().Int64("review", reviewID).Err(err).Msg("mark posted failed")
		}
		return
	}
	observability.ObservePostAttempt("success")
	observability.ObserveTransition(domain.StateResponseApproved, domain.StatePosted)
	log.Info().Int64("review", reviewID).Str("external_id", receipt.ExternalID).Msg("response posted")
}

// invalidateBusiness evicts the read-model caches a genuineness decision can
// change. Only the limits in cachedReviewLimits ever get cached, so this
// eviction set is exhaustive.
func (s *Lifecycle) invalidateBusiness(ctx context.Context, businessID int64) {
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
