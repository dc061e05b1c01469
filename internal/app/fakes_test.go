package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"revuiq/internal/domain"
)

// memRepo is an in-memory ReviewRepository with the same conditional-update
// semantics as the MySQL adapter: a transition only commits if the review is
// still in the expected state, under one lock.
type memRepo struct {
	mu          sync.Mutex
	seq         int64
	bseq        int64
	businesses  map[int64]domain.Business
	reviews     map[int64]*domain.Review
	annotations map[int64][]domain.Annotation
	decisions   map[int64]domain.ApprovalDecision
	responses   map[int64]*domain.ResponseRecord
	byPlatform  map[string]int64 // platform|platform_review_id -> review id
}

func newMemRepo() *memRepo {
	return &memRepo{
		businesses:  map[int64]domain.Business{},
		reviews:     map[int64]*domain.Review{},
		annotations: map[int64][]domain.Annotation{},
		decisions:   map[int64]domain.ApprovalDecision{},
		responses:   map[int64]*domain.ResponseRecord{},
		byPlatform:  map[string]int64{},
	}
}

func platformKey(platform, id string) string { return platform + "|" + id }

func (m *memRepo) CreateBusiness(_ context.Context, b domain.Business) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bseq++
	b.ID = m.bseq
	b.CreatedAt = time.Now().UTC()
	m.businesses[b.ID] = b
	return b.ID, nil
}

func (m *memRepo) CreateReview(_ context.Context, rv domain.Review, an domain.Annotation) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := platformKey(rv.Platform, rv.PlatformReviewID)
	if _, dup := m.byPlatform[key]; dup {
		return 0, domain.ErrDuplicateReview
	}
	m.seq++
	rv.ID = m.seq
	rv.State = domain.StatePendingGenuineness
	rv.IngestedAt = time.Now().UTC()
	m.reviews[rv.ID] = &rv
	m.byPlatform[key] = rv.ID
	an.ReviewID = rv.ID
	an.Version = 1
	m.annotations[rv.ID] = []domain.Annotation{an}
	return rv.ID, nil
}

func (m *memRepo) AddAnnotation(_ context.Context, an domain.Annotation) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reviews[an.ReviewID]; !ok {
		return 0, domain.ErrNotFound
	}
	an.Version = len(m.annotations[an.ReviewID]) + 1
	m.annotations[an.ReviewID] = append(m.annotations[an.ReviewID], an)
	return an.Version, nil
}

// cas applies from -> to, holding the lock.
func (m *memRepo) cas(id int64, from, to domain.State) error {
	rv, ok := m.reviews[id]
	if !ok {
		return domain.ErrNotFound
	}
	if rv.State != from {
		return domain.ErrInvalidStateTransition
	}
	rv.State = to
	rv.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memRepo) RecordGenuinenessDecision(_ context.Context, id int64, d domain.ApprovalDecision, resp *domain.ResponseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	to := domain.StateRejectedFake
	if d.Genuine {
		to = domain.StatePendingResponseApproval
	}
	if err := m.cas(id, domain.StatePendingGenuineness, to); err != nil {
		return err
	}
	if _, exists := m.decisions[id]; exists {
		return domain.ErrInvalidStateTransition
	}
	d.ReviewID = id
	m.decisions[id] = d
	if resp != nil {
		cp := *resp
		cp.ReviewID = id
		cp.CreatedAt = time.Now().UTC()
		m.responses[id] = &cp
	}
	return nil
}

func (m *memRepo) RecordResponseDecision(_ context.Context, id int64, approved bool, finalText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	to := domain.StateResponseRejected
	if approved {
		to = domain.StateResponseApproved
	}
	if err := m.cas(id, domain.StatePendingResponseApproval, to); err != nil {
		return err
	}
	rr := m.responses[id]
	rr.Approved = &approved
	if approved {
		ft := finalText
		rr.FinalText = &ft
	}
	return nil
}

func (m *memRepo) MarkPosted(_ context.Context, id int64, receipt domain.PostReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.cas(id, domain.StateResponseApproved, domain.StatePosted); err != nil {
		return err
	}
	rr := m.responses[id]
	rr.Posted = true
	t := receipt.PostedAt
	rr.PostedAt = &t
	rr.PostFailedReason = nil
	return nil
}

func (m *memRepo) MarkPostFailed(_ context.Context, id int64, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.cas(id, domain.StateResponseApproved, domain.StatePostFailed); err != nil {
		return 0, err
	}
	rv := m.reviews[id]
	rv.PostAttempts++
	rr := m.responses[id]
	now := time.Now().UTC()
	rr.PostAttemptedAt = &now
	r := reason
	rr.PostFailedReason = &r
	return rv.PostAttempts, nil
}

func (m *memRepo) MarkRetrying(_ context.Context, id int64, expectedAttempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rv, ok := m.reviews[id]
	if !ok {
		return domain.ErrNotFound
	}
	if rv.State != domain.StatePostFailed || rv.PostAttempts != expectedAttempts {
		return domain.ErrInvalidStateTransition
	}
	rv.State = domain.StateResponseApproved
	return nil
}

func (m *memRepo) MarkExhausted(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cas(id, domain.StatePostFailed, domain.StateFailed)
}

func (m *memRepo) GetReview(_ context.Context, id int64) (domain.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rv, ok := m.reviews[id]
	if !ok {
		return domain.Review{}, domain.ErrNotFound
	}
	return *rv, nil
}

func (m *memRepo) GetAnnotation(_ context.Context, reviewID int64) (domain.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ans := m.annotations[reviewID]
	if len(ans) == 0 {
		return domain.Annotation{}, domain.ErrNotFound
	}
	return ans[len(ans)-1], nil
}

func (m *memRepo) GetResponse(_ context.Context, id int64) (domain.ResponseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rr, ok := m.responses[id]
	if !ok {
		return domain.ResponseRecord{}, domain.ErrNotFound
	}
	return *rr, nil
}

func (m *memRepo) GetDecision(_ context.Context, id int64) (domain.ApprovalDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return domain.ApprovalDecision{}, domain.ErrNotFound
	}
	return d, nil
}

func (m *memRepo) ListByState(_ context.Context, st domain.State, limit int) ([]domain.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Review
	for _, rv := range m.reviews {
		if rv.State == st {
			out = append(out, *rv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IngestedAt.Equal(out[j].IngestedAt) {
			return out[i].IngestedAt.Before(out[j].IngestedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) ListPendingResponses(ctx context.Context, limit int) ([]domain.PendingResponse, error) {
	rvs, err := m.ListByState(ctx, domain.StatePendingResponseApproval, limit)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.PendingResponse, 0, len(rvs))
	for _, rv := range rvs {
		rr := m.responses[rv.ID]
		out = append(out, domain.PendingResponse{Review: rv, CandidateText: rr.CandidateText, Tone: rr.Tone})
	}
	return out, nil
}

func (m *memRepo) CountByState(_ context.Context) (map[domain.State]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[domain.State]int{}
	for _, rv := range m.reviews {
		out[rv.State]++
	}
	return out, nil
}

func (m *memRepo) GetBusiness(_ context.Context, id int64) (domain.Business, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.businesses[id]
	if !ok {
		return domain.Business{}, domain.ErrNotFound
	}
	return b, nil
}

func (m *memRepo) ListBusinesses(_ context.Context) ([]domain.Business, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Business
	for _, b := range m.businesses {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepo) ListAnnotatedReviews(_ context.Context, businessID int64, since time.Time, limit int) ([]domain.AnnotatedReview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AnnotatedReview
	for _, rv := range m.reviews {
		if rv.BusinessID != businessID || !rv.State.PastGenuineness() {
			continue
		}
		if !since.IsZero() && rv.ReviewDate.Before(since) {
			continue
		}
		ans := m.annotations[rv.ID]
		out = append(out, domain.AnnotatedReview{Review: *rv, Annotation: ans[len(ans)-1]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Review.ID > out[j].Review.ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- fake annotator ----

type fakeAnnotator struct {
	mu            sync.Mutex
	annotateErr   error
	generateErr   error
	annotation    domain.Annotation
	generated     domain.GeneratedResponse
	annotateCalls int
	generateCalls int
}

func newFakeAnnotator() *fakeAnnotator {
	return &fakeAnnotator{
		annotation: domain.Annotation{
			Sentiment:      domain.SentimentNegative,
			SentimentScore: 0.61,
			PrimaryEmotion: "disappointment",
			Emotions:       map[string]float64{"disappointment": 0.7, "annoyance": 0.2},
			Aspects: []domain.Aspect{
				{Name: "food", Sentiment: domain.SentimentPositive},
				{Name: "service", Sentiment: domain.SentimentNegative},
			},
			AnnotatedAt: time.Now().UTC(),
		},
		generated: domain.GeneratedResponse{
			Text: "We are sorry about the slow service and would love another chance.",
			Tone: "apologetic",
		},
	}
}

func (f *fakeAnnotator) Annotate(_ context.Context, _ string) (domain.Annotation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.annotateCalls++
	if f.annotateErr != nil {
		return domain.Annotation{}, f.annotateErr
	}
	return f.annotation, nil
}

func (f *fakeAnnotator) GenerateResponse(_ context.Context, _ domain.GenerationRequest) (domain.GeneratedResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generateCalls++
	if f.generateErr != nil {
		return domain.GeneratedResponse{}, f.generateErr
	}
	return f.generated, nil
}

// ---- fake gateway ----

// fakeGateway fails the first failN calls, then succeeds. Requests are
// recorded so tests can assert on the posted text.
type fakeGateway struct {
	mu    sync.Mutex
	failN int
	calls int
	reqs  []domain.PostRequest
}

func (g *fakeGateway) Post(_ context.Context, req domain.PostRequest) (domain.PostReceipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.reqs = append(g.reqs, req)
	if g.calls <= g.failN {
		return domain.PostReceipt{}, &domain.PostError{Reason: "connector timeout"}
	}
	return domain.PostReceipt{
		ExternalID: fmt.Sprintf("ext-%d", req.ReviewID),
		PostedAt:   time.Now().UTC(),
	}, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGateway) lastRequest() domain.PostRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.reqs) == 0 {
		return domain.PostRequest{}
	}
	return g.reqs[len(g.reqs)-1]
}

// ---- fake cache ----

type fakeCache struct {
	mu    sync.Mutex
	store map[string][]byte
}

func (c *fakeCache) Get(_ context.Context, key string, dst any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return false, nil
	}
	b, ok := c.store[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dst)
}

func (c *fakeCache) Set(_ context.Context, key string, v any, _ int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		c.store = map[string][]byte{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.store[key] = b
	return nil
}

func (c *fakeCache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, key)
	return nil
}
