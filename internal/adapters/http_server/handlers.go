package httpserver

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"revuiq/internal/app"
	"revuiq/internal/domain"
)

type Handlers struct {
	L *app.Lifecycle
	S *app.StatsService
	Q *app.QueryService
	I *app.IngestionService
}

type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) MountHandlers(h *Handlers) {
	s.mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })

	s.mux.Get("/api/reviews/pending", h.listPendingGenuineness)
	s.mux.Get("/api/reviews/stats", h.stats)
	s.mux.Post("/api/reviews/{id}/approve", h.approveGenuineness)
	s.mux.Post("/api/reviews", h.createReview)
	s.mux.Post("/api/reviews/bulk", h.createReviewsBulk)
	s.mux.Post("/api/reviews/{id}/reannotate", h.reannotateReview)
	s.mux.Get("/api/reviews/restaurant/{id}", h.listRestaurantReviews)

	s.mux.Get("/api/responses/pending", h.listPendingResponses)
	s.mux.Post("/api/responses/{id}/approve", h.approveResponse)
	s.mux.Post("/api/responses/{id}/retry", h.retryPosting)

	s.mux.Post("/api/restaurants", h.createRestaurant)
	s.mux.Get("/api/restaurants", h.listRestaurants)
	s.mux.Get("/api/restaurants/{id}", h.getRestaurant)
	s.mux.Get("/api/analytics/restaurant/{id}", h.restaurantAnalytics)
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(problem{Type: "about:blank", Title: title, Status: status, Detail: detail}); err != nil {
		log.Error().Err(err).Msg("write JSON problem response failed")
	}
}

// writeErr maps the domain error taxonomy to HTTP statuses. Transition-guard
// violations go out verbatim as 409 so the dashboard refreshes to the true
// current state.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, domain.ErrInvalidStateTransition):
		writeProblem(w, http.StatusConflict, "Invalid State Transition", err.Error())
	case errors.Is(err, domain.ErrRetryExhausted):
		writeProblem(w, http.StatusConflict, "Retries Exhausted", err.Error())
	case errors.Is(err, domain.ErrAnnotationUnavailable):
		writeProblem(w, http.StatusServiceUnavailable, "Annotation Unavailable", err.Error())
	default:
		writeProblem(w, http.StatusInternalServerError, "Internal Error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write JSON response failed")
	}
}

// calcETagAndBody marshals once and hashes once, returning both ETag and body.
func calcETagAndBody(v any) (string, []byte) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal object for ETag/body")
		return "", nil
	}
	sum := sha1.Sum(body)
	etag := `W/"` + hex.EncodeToString(sum[:]) + `"`
	return etag, body
}

func writeCacheable(w http.ResponseWriter, r *http.Request, v any) {
	etag, body := calcETagAndBody(v)
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.Error().Err(err).Msg("failed to write response body")
	}
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func limitParam(r *http.Request, def, max int) (int, bool) {
	ls := r.URL.Query().Get("limit")
	if ls == "" {
		return def, true
	}
	l, err := strconv.Atoi(ls)
	if err != nil || l <= 0 || l > max {
		return 0, false
	}
	return l, true
}

// actor resolves the admin identity for a decision: the gateway-verified
// header wins over the client-supplied body field.
func actor(r *http.Request, bodyActor string) string {
	if v := r.Header.Get("X-Admin-User"); v != "" {
		return v
	}
	return bodyActor
}

/********** review DTOs **********/

type reviewDTO struct {
	ID               int64     `json:"id"`
	BusinessID       int64     `json:"business_id"`
	Platform         string    `json:"platform"`
	PlatformReviewID string    `json:"platform_review_id"`
	Author           string    `json:"author"`
	Rating           int       `json:"rating"`
	Text             string    `json:"text"`
	ReviewDate       time.Time `json:"review_date"`
	State            string    `json:"state"`
	IngestedAt       time.Time `json:"ingested_at"`
}

func toReviewDTO(rv domain.Review) reviewDTO {
	return reviewDTO{
		ID:               rv.ID,
		BusinessID:       rv.BusinessID,
		Platform:         rv.Platform,
		PlatformReviewID: rv.PlatformReviewID,
		Author:           rv.Author,
		Rating:           rv.Rating,
		Text:             rv.Text,
		ReviewDate:       rv.ReviewDate,
		State:            string(rv.State),
		IngestedAt:       rv.IngestedAt,
	}
}

/********** lifecycle endpoints **********/

func (h *Handlers) listPendingGenuineness(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(r, 50, 200)
	if !ok {
		writeProblem(w, http.StatusBadRequest, "Invalid limit", "limit must be an integer between 1 and 200")
		return
	}
	rvs, err := h.L.ListPending(r.Context(), domain.PendingKindGenuineness, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]reviewDTO, 0, len(rvs))
	for _, rv := range rvs {
		out = append(out, toReviewDTO(rv))
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "reviews": out})
}

func (h *Handlers) stats(w http.ResponseWriter, r *http.Request) {
	o, err := h.S.Stats(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handlers) approveGenuineness(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a positive number")
		return
	}
	var body struct {
		IsGenuine     *bool  `json:"is_genuine"`
		ApprovalNotes string `json:"approval_notes"`
		ApprovedBy    string `json:"approved_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IsGenuine == nil {
		writeProblem(w, http.StatusBadRequest, "Invalid body", "is_genuine is required")
		return
	}
	who := actor(r, body.ApprovedBy)
	if who == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid body", "approved_by is required")
		return
	}
	if err := h.L.SubmitGenuinenessDecision(r.Context(), id, *body.IsGenuine, body.ApprovalNotes, who); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"review_id": id, "is_genuine": *body.IsGenuine})
}

func (h *Handlers) listPendingResponses(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(r, 50, 200)
	if !ok {
		writeProblem(w, http.StatusBadRequest, "Invalid limit", "limit must be an integer between 1 and 200")
		return
	}
	ps, err := h.L.ListPendingResponses(r.Context(), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	type pendingDTO struct {
		reviewDTO
		CandidateResponse string `json:"candidate_response"`
		Tone              string `json:"tone"`
	}
	out := make([]pendingDTO, 0, len(ps))
	for _, p := range ps {
		out = append(out, pendingDTO{reviewDTO: toReviewDTO(p.Review), CandidateResponse: p.CandidateText, Tone: p.Tone})
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "responses": out})
}

func (h *Handlers) approveResponse(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a positive number")
		return
	}
	var body struct {
		Approved      *bool   `json:"approved"`
		FinalResponse *string `json:"final_response"`
		ApprovedBy    string  `json:"approved_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Approved == nil {
		writeProblem(w, http.StatusBadRequest, "Invalid body", "approved is required")
		return
	}
	who := actor(r, body.ApprovedBy)
	if who == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid body", "approved_by is required")
		return
	}
	override := ""
	if body.FinalResponse != nil {
		override = *body.FinalResponse
	}
	if err := h.L.SubmitResponseDecision(r.Context(), id, *body.Approved, override, who); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"review_id": id, "approved": *body.Approved})
}

func (h *Handlers) retryPosting(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a positive number")
		return
	}
	if err := h.L.RetryPosting(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"review_id": id, "retry": "scheduled"})
}

/********** ingestion endpoints **********/

type createReviewBody struct {
	BusinessID       int64     `json:"business_id"`
	Platform         string    `json:"platform"`
	PlatformReviewID string    `json:"platform_review_id"`
	AuthorName       string    `json:"author_name"`
	Rating           int       `json:"rating"`
	Text             string    `json:"text"`
	ReviewDate       time.Time `json:"review_date"`
}

func (b createReviewBody) toSource() domain.SourceReview {
	return domain.SourceReview{
		Platform:         b.Platform,
		PlatformReviewID: b.PlatformReviewID,
		Author:           b.AuthorName,
		Rating:           b.Rating,
		Text:             b.Text,
		ReviewDate:       b.ReviewDate,
	}
}

func (h *Handlers) createReview(w http.ResponseWriter, r *http.Request) {
	var body createReviewBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid body", err.Error())
		return
	}
	if body.BusinessID <= 0 {
		writeProblem(w, http.StatusBadRequest, "Invalid body", "business_id is required")
		return
	}
	id, created, err := h.I.IngestReview(r.Context(), body.BusinessID, body.toSource())
	if err != nil {
		writeErr(w, err)
		return
	}
	if !created {
		writeJSON(w, http.StatusOK, map[string]any{"created": false, "message": "review already exists"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"created": true, "review_id": id})
}

func (h *Handlers) createReviewsBulk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BusinessID int64              `json:"business_id"`
		Reviews    []createReviewBody `json:"reviews"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid body", err.Error())
		return
	}
	if body.BusinessID <= 0 || len(body.Reviews) == 0 {
		writeProblem(w, http.StatusBadRequest, "Invalid body", "business_id and reviews are required")
		return
	}
	created, skipped := 0, 0
	for _, rb := range body.Reviews {
		_, ok, err := h.I.IngestReview(r.Context(), body.BusinessID, rb.toSource())
		if err != nil {
			if errors.Is(err, domain.ErrAnnotationUnavailable) {
				writeErr(w, err)
				return
			}
			skipped++
			continue
		}
		if ok {
			created++
		} else {
			skipped++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"created": created, "skipped": skipped})
}

func (h *Handlers) reannotateReview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a positive number")
		return
	}
	version, err := h.I.Reannotate(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"review_id": id, "annotation_version": version})
}

/********** restaurant projections **********/

func (h *Handlers) createRestaurant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Category string `json:"category"`
		Location string `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid body", "name is required")
		return
	}
	if body.Category == "" {
		body.Category = "restaurant"
	}
	b, err := h.Q.CreateRestaurant(r.Context(), domain.Business{Name: body.Name, Category: body.Category, Location: body.Location})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"restaurant": b})
}

func (h *Handlers) listRestaurants(w http.ResponseWriter, r *http.Request) {
	bs, err := h.Q.ListRestaurants(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(bs), "restaurants": bs})
}

func (h *Handlers) getRestaurant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a positive number")
		return
	}
	bv, err := h.Q.GetRestaurant(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeCacheable(w, r, map[string]any{"restaurant": bv})
}

func (h *Handlers) listRestaurantReviews(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a positive number")
		return
	}
	limit, ok := limitParam(r, 50, 200)
	if !ok {
		writeProblem(w, http.StatusBadRequest, "Invalid limit", "limit must be an integer between 1 and 200")
		return
	}
	ars, err := h.Q.ListBusinessReviews(r.Context(), id, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	type annotatedDTO struct {
		reviewDTO
		Sentiment      string             `json:"sentiment"`
		SentimentScore float64            `json:"sentiment_score"`
		PrimaryEmotion string             `json:"primary_emotion"`
		Emotions       map[string]float64 `json:"emotions"`
		Aspects        []domain.Aspect    `json:"aspects"`
	}
	out := make([]annotatedDTO, 0, len(ars))
	for _, ar := range ars {
		out = append(out, annotatedDTO{
			reviewDTO:      toReviewDTO(ar.Review),
			Sentiment:      string(ar.Annotation.Sentiment),
			SentimentScore: ar.Annotation.SentimentScore,
			PrimaryEmotion: ar.Annotation.PrimaryEmotion,
			Emotions:       ar.Annotation.Emotions,
			Aspects:        ar.Annotation.Aspects,
		})
	}
	writeCacheable(w, r, map[string]any{"count": len(out), "reviews": out})
}

func (h *Handlers) restaurantAnalytics(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a positive number")
		return
	}
	days := 30
	if ds := r.URL.Query().Get("days"); ds != "" {
		d, err := strconv.Atoi(ds)
		if err != nil || d <= 0 || d > 365 {
			writeProblem(w, http.StatusBadRequest, "Invalid days", "days must be an integer between 1 and 365")
			return
		}
		days = d
	}
	rep, err := h.Q.BusinessAnalytics(r.Context(), id, days)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeCacheable(w, r, rep)
}
