package mysql

const insertBusinessSQL = `
INSERT INTO businesses (name, category, location, platform, platform_id)
VALUES (?, ?, ?, ?, ?)
`

// Note: `text` is reserved; keep it quoted everywhere.
const insertReviewSQL = "INSERT INTO reviews\n" +
	"  (business_id, platform, platform_review_id, author, rating, `text`, review_date, state)\n" +
	"VALUES (?, ?, ?, ?, ?, ?, ?, ?)"

const insertAnnotationSQL = `
INSERT INTO annotations
  (review_id, version, sentiment, sentiment_score, primary_emotion, emotions, aspects)
VALUES (?, ?, ?, ?, ?, ?, ?)
`

const nextAnnotationVersionSQL = `
SELECT COALESCE(MAX(version), 0) + 1 FROM annotations WHERE review_id = ?
`

// The single conditional update every transition goes through. RowsAffected=0
// means the review either does not exist or is no longer in the expected
// state; callers disambiguate with currentStateSQL inside the same tx.
const transitionSQL = `
UPDATE reviews SET state = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND state = ?
`

const transitionPostFailedSQL = `
UPDATE reviews SET state = 'POST_FAILED', post_attempts = post_attempts + 1,
  updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND state = 'RESPONSE_APPROVED'
`

// Retry CAS includes the attempt count so two racing retry jobs cannot both
// fire against the same failure.
const transitionRetrySQL = `
UPDATE reviews SET state = 'RESPONSE_APPROVED', updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND state = 'POST_FAILED' AND post_attempts = ?
`

const currentStateSQL = `SELECT state, post_attempts FROM reviews WHERE id = ?`

const insertDecisionSQL = `
INSERT INTO approval_decisions (review_id, genuine, notes, decided_by, decided_at)
VALUES (?, ?, ?, ?, ?)
`

const insertResponseSQL = `
INSERT INTO responses (review_id, candidate_text, tone)
VALUES (?, ?, ?)
`

const decideResponseSQL = `
UPDATE responses SET approved = ?, final_text = ? WHERE review_id = ?
`

const markPostedSQL = `
UPDATE responses SET posted = 1, posted_at = ?, external_id = ?,
  post_attempted_at = CURRENT_TIMESTAMP, post_failed_reason = NULL
WHERE review_id = ?
`

const markPostFailedSQL = `
UPDATE responses SET post_attempted_at = CURRENT_TIMESTAMP, post_failed_reason = ?
WHERE review_id = ?
`

// -----------------------------------------------------------------------------
// READ QUERIES
// -----------------------------------------------------------------------------

const reviewColumns = "id, business_id, platform, platform_review_id, author, rating, `text`, " +
	"review_date, state, post_attempts, ingested_at, updated_at"

const getReviewSQL = "SELECT " + reviewColumns + " FROM reviews WHERE id = ?"

// Oldest first so older reviews are never starved behind new arrivals in the
// admin queue.
const listByStateSQL = "SELECT " + reviewColumns + " FROM reviews WHERE state = ?\n" +
	"ORDER BY ingested_at ASC, id ASC LIMIT ?"

const listPendingResponsesSQL = "SELECT " +
	"r.id, r.business_id, r.platform, r.platform_review_id, r.author, r.rating, r.`text`, " +
	"r.review_date, r.state, r.post_attempts, r.ingested_at, r.updated_at, " +
	"p.candidate_text, p.tone\n" +
	"FROM reviews r JOIN responses p ON p.review_id = r.id\n" +
	"WHERE r.state = 'PENDING_RESPONSE_APPROVAL'\n" +
	"ORDER BY r.ingested_at ASC, r.id ASC LIMIT ?"

// A single statement so the counts come from one consistent InnoDB snapshot.
const countByStateSQL = `SELECT state, COUNT(*) FROM reviews GROUP BY state`

const getAnnotationSQL = `
SELECT id, review_id, version, sentiment, sentiment_score, primary_emotion,
       emotions, aspects, annotated_at
FROM annotations WHERE review_id = ?
ORDER BY version DESC LIMIT 1
`

const getResponseSQL = `
SELECT review_id, candidate_text, tone, final_text, approved, posted,
       post_attempted_at, post_failed_reason, posted_at, created_at
FROM responses WHERE review_id = ?
`

const getDecisionSQL = `
SELECT id, review_id, genuine, notes, decided_by, decided_at
FROM approval_decisions WHERE review_id = ?
`

const getBusinessSQL = `
SELECT id, name, category, location, platform, platform_id, created_at
FROM businesses WHERE id = ?
`

const listBusinessesSQL = `
SELECT id, name, category, location, platform, platform_id, created_at
FROM businesses ORDER BY id
`

// Joins each approved review with its highest-version annotation. Reviews that
// never passed the genuineness gate are excluded from every analytics read.
const listAnnotatedSQL = "SELECT " +
	"r.id, r.business_id, r.platform, r.platform_review_id, r.author, r.rating, r.`text`, " +
	"r.review_date, r.state, r.post_attempts, r.ingested_at, r.updated_at, " +
	"a.id, a.version, a.sentiment, a.sentiment_score, a.primary_emotion, a.emotions, a.aspects, a.annotated_at\n" +
	"FROM reviews r\n" +
	"JOIN annotations a ON a.review_id = r.id\n" +
	" AND a.version = (SELECT MAX(version) FROM annotations WHERE review_id = r.id)\n" +
	"WHERE r.business_id = ?\n" +
	"  AND (? IS NULL OR r.review_date >= ?)\n" +
	"  AND r.state IN ('PENDING_RESPONSE_APPROVAL','RESPONSE_REJECTED','RESPONSE_APPROVED','POST_FAILED','POSTED','FAILED')\n" +
	"ORDER BY r.review_date DESC, r.id DESC LIMIT ?"
