//go:build integration || !unit

package mysql_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"

	"revuiq/internal/domain"
	mysqlrepo "revuiq/internal/storage/mysql"
)

func mustEnv(t *testing.T, k string) string {
	t.Helper()
	v := os.Getenv(k)
	if v == "" {
		t.Fatalf("%s not set; export it (e.g. MIGRATIONS_DIR=/path/to/sql)", k)
	}
	return v
}

func applyMigrations(t *testing.T, db *sql.DB) {
	t.Helper()
	dir := mustEnv(t, "MIGRATIONS_DIR")

	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		t.Fatalf("MIGRATIONS_DIR=%s is not a directory or missing", dir)
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}
	var files []string
	for _, e := range ents {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		t.Fatalf("no .sql files in %s", dir)
	}
	sort.Strings(files)

	for _, f := range files {
		sqlBytes, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		if _, err := db.Exec(string(sqlBytes)); err != nil {
			t.Fatalf("exec %s: %v", f, err)
		}
	}
}

func startMySQL(t *testing.T) *sql.DB {
	t.Helper()
	// Start isolated MySQL; let Docker pick a free host port.
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Fatalf("dockertest: %v", err)
	}

	runOpts := &dockertest.RunOptions{
		Repository: "mysql",
		Tag:        "8.0.36",
		Env: []string{
			"MYSQL_ROOT_PASSWORD=root",
			"MYSQL_DATABASE=revuiq",
		},
	}
	resource, err := pool.RunWithOptions(runOpts, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		t.Fatalf("run mysql: %v", err)
	}
	t.Cleanup(func() { _ = pool.Purge(resource) })

	hostPort := resource.GetPort("3306/tcp")
	dsn := fmt.Sprintf("root:%s@tcp(127.0.0.1:%s)/%s?parseTime=true&multiStatements=true&charset=utf8mb4,utf8&loc=UTC",
		"root", hostPort, "revuiq")

	var db *sql.DB
	if err := pool.Retry(func() error {
		var e error
		db, e = sql.Open("mysql", dsn)
		if e != nil {
			return e
		}
		return db.Ping()
	}); err != nil {
		t.Fatalf("connect mysql: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	applyMigrations(t, db)
	return db
}

func seedAnnotation() domain.Annotation {
	return domain.Annotation{
		Sentiment:      domain.SentimentNegative,
		SentimentScore: 0.61,
		PrimaryEmotion: "disappointment",
		Emotions:       map[string]float64{"disappointment": 0.7, "annoyance": 0.2},
		Aspects: []domain.Aspect{
			{Name: "food", Sentiment: domain.SentimentPositive},
			{Name: "service", Sentiment: domain.SentimentNegative},
		},
	}
}

func TestRepo_MySQL_FullLifecycle(t *testing.T) {
	db := startMySQL(t)
	repo := mysqlrepo.New(db)
	ctx := context.Background()

	bizID, err := repo.CreateBusiness(ctx, domain.Business{
		Name: "The Daily Grind", Category: "cafe", Location: "Valletta",
		Platform: "google", PlatformID: "gp-77",
	})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}

	rv := domain.Review{
		BusinessID:       bizID,
		Platform:         "google",
		PlatformReviewID: "g-1001",
		Author:           "Mia",
		Rating:           2,
		Text:             "Great coffee but slow service",
		ReviewDate:       time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second),
	}
	id, err := repo.CreateReview(ctx, rv, seedAnnotation())
	if err != nil {
		t.Fatalf("CreateReview: %v", err)
	}

	// duplicate platform review id
	if _, err := repo.CreateReview(ctx, rv, seedAnnotation()); !errors.Is(err, domain.ErrDuplicateReview) {
		t.Fatalf("duplicate CreateReview: %v", err)
	}

	got, err := repo.GetReview(ctx, id)
	if err != nil {
		t.Fatalf("GetReview: %v", err)
	}
	if got.State != domain.StatePendingGenuineness || got.Rating != 2 {
		t.Fatalf("fresh review: %+v", got)
	}

	an, err := repo.GetAnnotation(ctx, id)
	if err != nil {
		t.Fatalf("GetAnnotation: %v", err)
	}
	if an.Version != 1 || an.Sentiment != domain.SentimentNegative || len(an.Aspects) != 2 {
		t.Fatalf("annotation round trip: %+v", an)
	}

	// re-annotation bumps the version, version 1 stays untouched
	an2 := seedAnnotation()
	an2.ReviewID = id
	an2.SentimentScore = 0.8
	if v, err := repo.AddAnnotation(ctx, an2); err != nil || v != 2 {
		t.Fatalf("AddAnnotation: v=%d err=%v", v, err)
	}
	if cur, _ := repo.GetAnnotation(ctx, id); cur.Version != 2 || cur.SentimentScore != 0.8 {
		t.Fatalf("current annotation: %+v", cur)
	}

	// genuineness: approve with a candidate response
	d := domain.ApprovalDecision{
		Genuine: true, Notes: "looks real", DecidedBy: "admin1",
		DecidedAt: time.Now().UTC().Truncate(time.Second),
	}
	resp := &domain.ResponseRecord{CandidateText: "We are sorry about the wait.", Tone: "apologetic"}
	if err := repo.RecordGenuinenessDecision(ctx, id, d, resp); err != nil {
		t.Fatalf("RecordGenuinenessDecision: %v", err)
	}
	// second decision loses the CAS
	if err := repo.RecordGenuinenessDecision(ctx, id, d, nil); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("second decision: %v", err)
	}
	if _, err := repo.GetDecision(ctx, id); err != nil {
		t.Fatalf("GetDecision: %v", err)
	}

	pend, err := repo.ListPendingResponses(ctx, 10)
	if err != nil || len(pend) != 1 || pend[0].Tone != "apologetic" {
		t.Fatalf("ListPendingResponses: %+v err=%v", pend, err)
	}

	// response approval with an edit
	if err := repo.RecordResponseDecision(ctx, id, true, "So sorry, next one is on us."); err != nil {
		t.Fatalf("RecordResponseDecision: %v", err)
	}
	rr, err := repo.GetResponse(ctx, id)
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if rr.ResponseText() != "So sorry, next one is on us." {
		t.Fatalf("final text: %q", rr.ResponseText())
	}

	// posting fails twice, then the retry CAS guards the attempt counter
	if attempts, err := repo.MarkPostFailed(ctx, id, "connector timeout"); err != nil || attempts != 1 {
		t.Fatalf("MarkPostFailed #1: attempts=%d err=%v", attempts, err)
	}
	if err := repo.MarkRetrying(ctx, id, 99); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("MarkRetrying with wrong attempt count: %v", err)
	}
	if err := repo.MarkRetrying(ctx, id, 1); err != nil {
		t.Fatalf("MarkRetrying: %v", err)
	}
	if attempts, err := repo.MarkPostFailed(ctx, id, "still down"); err != nil || attempts != 2 {
		t.Fatalf("MarkPostFailed #2: attempts=%d err=%v", attempts, err)
	}
	if err := repo.MarkRetrying(ctx, id, 2); err != nil {
		t.Fatalf("MarkRetrying #2: %v", err)
	}

	// success
	receipt := domain.PostReceipt{ExternalID: "g-resp-1", PostedAt: time.Now().UTC().Truncate(time.Second)}
	if err := repo.MarkPosted(ctx, id, receipt); err != nil {
		t.Fatalf("MarkPosted: %v", err)
	}
	rr, _ = repo.GetResponse(ctx, id)
	if !rr.Posted || rr.PostedAt == nil || rr.PostFailedReason != nil {
		t.Fatalf("posted response record: %+v", rr)
	}
	final, _ := repo.GetReview(ctx, id)
	if final.State != domain.StatePosted || final.PostAttempts != 2 {
		t.Fatalf("final review: state=%s attempts=%d", final.State, final.PostAttempts)
	}

	// analytics join: the posted review is visible with its latest annotation
	ars, err := repo.ListAnnotatedReviews(ctx, bizID, time.Time{}, 100)
	if err != nil {
		t.Fatalf("ListAnnotatedReviews: %v", err)
	}
	if len(ars) != 1 || ars[0].Annotation.Version != 2 {
		t.Fatalf("annotated listing: %+v", ars)
	}

	counts, err := repo.CountByState(ctx)
	if err != nil {
		t.Fatalf("CountByState: %v", err)
	}
	if counts[domain.StatePosted] != 1 || len(counts) != 1 {
		t.Fatalf("counts: %v", counts)
	}
}

func TestRepo_MySQL_ConcurrentDecisionsOneWinner(t *testing.T) {
	db := startMySQL(t)
	repo := mysqlrepo.New(db)
	ctx := context.Background()

	bizID, err := repo.CreateBusiness(ctx, domain.Business{Name: "Race Cafe"})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	id, err := repo.CreateReview(ctx, domain.Review{
		BusinessID: bizID, Platform: "yelp", PlatformReviewID: "y-1",
		Author: "Ann", Rating: 4, Text: "fine",
	}, seedAnnotation())
	if err != nil {
		t.Fatalf("CreateReview: %v", err)
	}

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := domain.ApprovalDecision{
				Genuine: i%2 == 0, DecidedBy: fmt.Sprintf("admin%d", i),
				DecidedAt: time.Now().UTC(),
			}
			var resp *domain.ResponseRecord
			if d.Genuine {
				resp = &domain.ResponseRecord{CandidateText: "thanks", Tone: "professional"}
			}
			errs[i] = repo.RecordGenuinenessDecision(ctx, id, d, resp)
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, domain.ErrInvalidStateTransition):
		default:
			t.Fatalf("worker %d: unexpected error %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}

	rv, _ := repo.GetReview(ctx, id)
	if rv.State != domain.StatePendingResponseApproval && rv.State != domain.StateRejectedFake {
		t.Fatalf("state after race: %s", rv.State)
	}
}
