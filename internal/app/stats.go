package app

import (
	"context"

	"revuiq/internal/domain"
)

// StatsService derives the per-stage counters from a fresh recount of review
// states. There is no separately-mutated counter anywhere: the counts are a
// pure function of one consistent GROUP BY snapshot, so
// total = pending + approved + rejected holds for any interleaving of
// transitions. Deliberately uncached.
type StatsService struct {
	repo domain.ReviewRepository
}

func NewStatsService(r domain.ReviewRepository) *StatsService { return &StatsService{repo: r} }

func (s *StatsService) Stats(ctx context.Context) (domain.StatsOverview, error) {
	counts, err := s.repo.CountByState(ctx)
	if err != nil {
		return domain.StatsOverview{}, err
	}
	return OverviewFromCounts(counts), nil
}

// OverviewFromCounts maps a state histogram to both stage summaries.
func OverviewFromCounts(counts map[domain.State]int) domain.StatsOverview {
	var o domain.StatsOverview
	for st, n := range counts {
		// genuineness stage: every review participates
		o.Genuineness.Total += n
		switch {
		case st == domain.StatePendingGenuineness:
			o.Genuineness.Pending += n
		case st == domain.StateRejectedFake:
			o.Genuineness.Rejected += n
		case st.PastGenuineness():
			o.Genuineness.Approved += n
		}

		// response stage: only reviews that reached it
		switch st {
		case domain.StatePendingResponseApproval:
			o.Response.Pending += n
		case domain.StateResponseRejected:
			o.Response.Rejected += n
		case domain.StateResponseApproved, domain.StatePostFailed, domain.StatePosted, domain.StateFailed:
			o.Response.Approved += n
		}
	}
	o.Response.Total = o.Response.Pending + o.Response.Approved + o.Response.Rejected
	return o
}
