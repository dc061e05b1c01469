package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"

	"revuiq/internal/domain"
)

type Repo struct{ db *sql.DB }

func New(db *sql.DB) *Repo { return &Repo{db: db} }

func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func (r *Repo) CreateBusiness(ctx context.Context, b domain.Business) (int64, error) {
	res, err := r.db.ExecContext(ctx, insertBusinessSQL,
		b.Name, b.Category, b.Location, b.Platform, b.PlatformID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CreateReview persists the review and its version-1 annotation together; a
// review is never visible without its annotation.
func (r *Repo) CreateReview(ctx context.Context, rv domain.Review, an domain.Annotation) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, insertReviewSQL,
		rv.BusinessID, rv.Platform, rv.PlatformReviewID, rv.Author, rv.Rating, rv.Text,
		nullTime(rv.ReviewDate), string(domain.StatePendingGenuineness))
	if err != nil {
		if isDuplicateKey(err) {
			return 0, domain.ErrDuplicateReview
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := insertAnnotation(ctx, tx, id, 1, an); err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func insertAnnotation(ctx context.Context, tx *sql.Tx, reviewID int64, version int, an domain.Annotation) error {
	emotions, _ := json.Marshal(an.Emotions)
	aspects, _ := json.Marshal(an.Aspects)
	_, err := tx.ExecContext(ctx, insertAnnotationSQL,
		reviewID, version, string(an.Sentiment), an.SentimentScore, an.PrimaryEmotion,
		string(emotions), string(aspects))
	return err
}

// AddAnnotation writes a new immutable annotation row with the next version.
func (r *Repo) AddAnnotation(ctx context.Context, an domain.Annotation) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var version int
	if err := tx.QueryRowContext(ctx, nextAnnotationVersionSQL, an.ReviewID).Scan(&version); err != nil {
		return 0, err
	}
	if err := insertAnnotation(ctx, tx, an.ReviewID, version, an); err != nil {
		return 0, err
	}
	return version, tx.Commit()
}

// transition applies the conditional state update inside tx and maps a zero
// row count to ErrNotFound or ErrInvalidStateTransition.
func transition(ctx context.Context, tx *sql.Tx, id int64, from, to domain.State) error {
	res, err := tx.ExecContext(ctx, transitionSQL, string(to), id, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return staleOrMissing(ctx, tx, id)
	}
	return nil
}

func staleOrMissing(ctx context.Context, tx *sql.Tx, id int64) error {
	var st string
	var attempts int
	switch err := tx.QueryRowContext(ctx, currentStateSQL, id).Scan(&st, &attempts); err {
	case nil:
		return domain.ErrInvalidStateTransition
	case sql.ErrNoRows:
		return domain.ErrNotFound
	default:
		return err
	}
}

func (r *Repo) RecordGenuinenessDecision(ctx context.Context, id int64, d domain.ApprovalDecision, resp *domain.ResponseRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	to := domain.StateRejectedFake
	if d.Genuine {
		to = domain.StatePendingResponseApproval
	}
	if err := transition(ctx, tx, id, domain.StatePendingGenuineness, to); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, insertDecisionSQL,
		id, d.Genuine, d.Notes, d.DecidedBy, d.DecidedAt); err != nil {
		if isDuplicateKey(err) {
			// unique key backstop; the CAS above should already have failed
			return domain.ErrInvalidStateTransition
		}
		return err
	}
	if resp != nil {
		if _, err := tx.ExecContext(ctx, insertResponseSQL,
			id, resp.CandidateText, resp.Tone); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Repo) RecordResponseDecision(ctx context.Context, id int64, approved bool, finalText string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	to := domain.StateResponseRejected
	if approved {
		to = domain.StateResponseApproved
	}
	if err := transition(ctx, tx, id, domain.StatePendingResponseApproval, to); err != nil {
		return err
	}
	var ft any
	if approved {
		ft = finalText
	}
	if _, err := tx.ExecContext(ctx, decideResponseSQL, approved, ft, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repo) MarkPosted(ctx context.Context, id int64, receipt domain.PostReceipt) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := transition(ctx, tx, id, domain.StateResponseApproved, domain.StatePosted); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, markPostedSQL, receipt.PostedAt, receipt.ExternalID, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repo) MarkPostFailed(ctx context.Context, id int64, reason string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, transitionPostFailedSQL, id)
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if n == 0 {
		return 0, staleOrMissing(ctx, tx, id)
	}
	if _, err := tx.ExecContext(ctx, markPostFailedSQL, reason, id); err != nil {
		return 0, err
	}
	var st string
	var attempts int
	if err := tx.QueryRowContext(ctx, currentStateSQL, id).Scan(&st, &attempts); err != nil {
		return 0, err
	}
	return attempts, tx.Commit()
}

func (r *Repo) MarkRetrying(ctx context.Context, id int64, expectedAttempts int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, transitionRetrySQL, id, expectedAttempts)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return staleOrMissing(ctx, tx, id)
	}
	return tx.Commit()
}

func (r *Repo) MarkExhausted(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := transition(ctx, tx, id, domain.StatePostFailed, domain.StateFailed); err != nil {
		return err
	}
	return tx.Commit()
}

func scanReview(sc interface{ Scan(...any) error }) (domain.Review, error) {
	var rv domain.Review
	var st string
	var reviewDate sql.NullTime
	if err := sc.Scan(
		&rv.ID, &rv.BusinessID, &rv.Platform, &rv.PlatformReviewID, &rv.Author,
		&rv.Rating, &rv.Text, &reviewDate, &st, &rv.PostAttempts,
		&rv.IngestedAt, &rv.UpdatedAt,
	); err != nil {
		return domain.Review{}, err
	}
	if reviewDate.Valid {
		rv.ReviewDate = reviewDate.Time
	}
	rv.State = domain.State(st)
	return rv, nil
}

func (r *Repo) GetReview(ctx context.Context, id int64) (domain.Review, error) {
	rv, err := scanReview(r.db.QueryRowContext(ctx, getReviewSQL, id))
	if err == sql.ErrNoRows {
		return domain.Review{}, domain.ErrNotFound
	}
	return rv, err
}

func (r *Repo) GetAnnotation(ctx context.Context, reviewID int64) (domain.Annotation, error) {
	var an domain.Annotation
	var sentiment string
	var emotionsRaw, aspectsRaw []byte
	err := r.db.QueryRowContext(ctx, getAnnotationSQL, reviewID).Scan(
		&an.ID, &an.ReviewID, &an.Version, &sentiment, &an.SentimentScore,
		&an.PrimaryEmotion, &emotionsRaw, &aspectsRaw, &an.AnnotatedAt,
	)
	if err == sql.ErrNoRows {
		return domain.Annotation{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Annotation{}, err
	}
	an.Sentiment = domain.Sentiment(sentiment)
	_ = json.Unmarshal(emotionsRaw, &an.Emotions)
	_ = json.Unmarshal(aspectsRaw, &an.Aspects)
	return an, nil
}

func (r *Repo) GetResponse(ctx context.Context, id int64) (domain.ResponseRecord, error) {
	var rr domain.ResponseRecord
	var finalText, failedReason sql.NullString
	var approved sql.NullBool
	var attemptedAt, postedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, getResponseSQL, id).Scan(
		&rr.ReviewID, &rr.CandidateText, &rr.Tone, &finalText, &approved, &rr.Posted,
		&attemptedAt, &failedReason, &postedAt, &rr.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return domain.ResponseRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ResponseRecord{}, err
	}
	if finalText.Valid {
		rr.FinalText = &finalText.String
	}
	if approved.Valid {
		rr.Approved = &approved.Bool
	}
	if attemptedAt.Valid {
		rr.PostAttemptedAt = &attemptedAt.Time
	}
	if failedReason.Valid {
		rr.PostFailedReason = &failedReason.String
	}
	if postedAt.Valid {
		rr.PostedAt = &postedAt.Time
	}
	return rr, nil
}

func (r *Repo) GetDecision(ctx context.Context, id int64) (domain.ApprovalDecision, error) {
	var d domain.ApprovalDecision
	err := r.db.QueryRowContext(ctx, getDecisionSQL, id).Scan(
		&d.ID, &d.ReviewID, &d.Genuine, &d.Notes, &d.DecidedBy, &d.DecidedAt)
	if err == sql.ErrNoRows {
		return domain.ApprovalDecision{}, domain.ErrNotFound
	}
	return d, err
}

func (r *Repo) ListByState(ctx context.Context, st domain.State, limit int) ([]domain.Review, error) {
	rows, err := r.db.QueryContext(ctx, listByStateSQL, string(st), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Review
	for rows.Next() {
		rv, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}

func (r *Repo) ListPendingResponses(ctx context.Context, limit int) ([]domain.PendingResponse, error) {
	rows, err := r.db.QueryContext(ctx, listPendingResponsesSQL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PendingResponse
	for rows.Next() {
		var p domain.PendingResponse
		var st string
		var reviewDate sql.NullTime
		if err := rows.Scan(
			&p.Review.ID, &p.Review.BusinessID, &p.Review.Platform, &p.Review.PlatformReviewID,
			&p.Review.Author, &p.Review.Rating, &p.Review.Text, &reviewDate, &st,
			&p.Review.PostAttempts, &p.Review.IngestedAt, &p.Review.UpdatedAt,
			&p.CandidateText, &p.Tone,
		); err != nil {
			return nil, err
		}
		if reviewDate.Valid {
			p.Review.ReviewDate = reviewDate.Time
		}
		p.Review.State = domain.State(st)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repo) CountByState(ctx context.Context) (map[domain.State]int, error) {
	rows, err := r.db.QueryContext(ctx, countByStateSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.State]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[domain.State(st)] = n
	}
	return out, rows.Err()
}

func (r *Repo) GetBusiness(ctx context.Context, id int64) (domain.Business, error) {
	var b domain.Business
	err := r.db.QueryRowContext(ctx, getBusinessSQL, id).Scan(
		&b.ID, &b.Name, &b.Category, &b.Location, &b.Platform, &b.PlatformID, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Business{}, domain.ErrNotFound
	}
	return b, err
}

func (r *Repo) ListBusinesses(ctx context.Context) ([]domain.Business, error) {
	rows, err := r.db.QueryContext(ctx, listBusinessesSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Business
	for rows.Next() {
		var b domain.Business
		if err := rows.Scan(&b.ID, &b.Name, &b.Category, &b.Location, &b.Platform, &b.PlatformID, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *Repo) ListAnnotatedReviews(ctx context.Context, businessID int64, since time.Time, limit int) ([]domain.AnnotatedReview, error) {
	rows, err := r.db.QueryContext(ctx, listAnnotatedSQL, businessID, nullTime(since), nullTime(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AnnotatedReview
	for rows.Next() {
		var ar domain.AnnotatedReview
		var st, sentiment string
		var reviewDate sql.NullTime
		var emotionsRaw, aspectsRaw []byte
		if err := rows.Scan(
			&ar.Review.ID, &ar.Review.BusinessID, &ar.Review.Platform, &ar.Review.PlatformReviewID,
			&ar.Review.Author, &ar.Review.Rating, &ar.Review.Text, &reviewDate, &st,
			&ar.Review.PostAttempts, &ar.Review.IngestedAt, &ar.Review.UpdatedAt,
			&ar.Annotation.ID, &ar.Annotation.Version, &sentiment, &ar.Annotation.SentimentScore,
			&ar.Annotation.PrimaryEmotion, &emotionsRaw, &aspectsRaw, &ar.Annotation.AnnotatedAt,
		); err != nil {
			return nil, err
		}
		if reviewDate.Valid {
			ar.Review.ReviewDate = reviewDate.Time
		}
		ar.Review.State = domain.State(st)
		ar.Annotation.ReviewID = ar.Review.ID
		ar.Annotation.Sentiment = domain.Sentiment(sentiment)
		_ = json.Unmarshal(emotionsRaw, &ar.Annotation.Emotions)
		_ = json.Unmarshal(aspectsRaw, &ar.Annotation.Aspects)
		out = append(out, ar)
	}
	return out, rows.Err()
}
