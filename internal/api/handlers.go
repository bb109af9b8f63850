package api

import (
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/kontomat/backend/internal/approval"
	"github.com/kontomat/backend/internal/audit"
	"github.com/kontomat/backend/internal/domain"
	"github.com/kontomat/backend/internal/export"
	"github.com/kontomat/backend/internal/pipeline"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeStrict(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	token, u, err := s.d.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		kind := "auth.login_failed"
		if domain.IsCode(err, domain.CodeLocked) {
			kind = "auth.lockout"
		}
		s.auditAuth(r, kind, req.Username, map[string]string{
			"username": req.Username, "code": domain.CodeOf(err),
		})
		s.writeError(w, err)
		return
	}
	s.auditAuth(r, "auth.login", u.ID, map[string]string{
		"username": req.Username, "role": string(u.Role),
	})
	s.writeJSON(w, http.StatusOK, map[string]any{
		"token": token, "user_id": u.ID, "role": u.Role,
	})
}

// auditAuth chains an authentication decision. Login still succeeds or fails
// on its own merits when the append cannot be written.
func (s *Server) auditAuth(r *http.Request, kind, subjectID string, payload map[string]string) {
	if s.d.Chain == nil {
		return
	}
	if _, err := s.d.Chain.Append(r.Context(), "auth", kind, subjectID, payload); err != nil {
		s.log.Warn("auth audit append failed", "kind", kind, "err", err)
	}
}

// handleUpload accepts a document either as multipart/form-data (file plus
// client_id and doc_class form values) or as a raw body with the media type
// in Content-Type and the rest in query parameters.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	var (
		data      []byte
		mediaType string
		clientID  string
		class     string
	)
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "multipart/form-data" {
		if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
			s.writeError(w, domain.E(domain.CodeInput, "neispravan multipart zahtjev"))
			return
		}
		file, hdr, err := r.FormFile("file")
		if err != nil {
			s.writeError(w, domain.E(domain.CodeInput, "nedostaje datoteka"))
			return
		}
		defer file.Close()
		data, err = io.ReadAll(file)
		if err != nil {
			s.writeError(w, domain.E(domain.CodeInput, "čitanje datoteke nije uspjelo"))
			return
		}
		mediaType = hdr.Header.Get("Content-Type")
		if v := r.FormValue("media_type"); v != "" {
			mediaType = v
		}
		clientID = r.FormValue("client_id")
		class = r.FormValue("doc_class")
	} else {
		var err error
		data, err = io.ReadAll(r.Body)
		if err != nil {
			s.writeError(w, domain.E(domain.CodeQuota, "dokument premašuje dopuštenu veličinu"))
			return
		}
		mediaType = ct
		clientID = r.URL.Query().Get("client_id")
		class = r.URL.Query().Get("doc_class")
	}

	b, err := s.d.Pipe.Ingest(r.Context(), clientID, data, mediaType, domain.DocClass(class), "user:"+u.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"booking_id": b.ID, "blob_id": b.SourceBlob, "status": b.Status,
	})
}

// bookingSummary is the list-view projection.
type bookingSummary struct {
	ID          string          `json:"id"`
	ClientID    string          `json:"client_id"`
	Class       domain.DocClass `json:"class"`
	Status      domain.State    `json:"status"`
	Narrative   string          `json:"narrative"`
	PostingDate string          `json:"posting_date"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (s *Server) handleBookings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := pipeline.Filter{
		ClientID: q.Get("client"),
		Status:   domain.State(q.Get("status")),
		Class:    domain.DocClass(q.Get("class")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, domain.E(domain.CodeInput, "neispravan limit"))
			return
		}
		f.Limit = n
	}
	list, err := s.d.Approval.List(r.Context(), userFrom(r), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]bookingSummary, 0, len(list))
	for _, b := range list {
		out = append(out, bookingSummary{
			ID: b.ID, ClientID: b.ClientID, Class: b.Class, Status: b.Status,
			Narrative: b.Narrative, PostingDate: b.PostingDate, CreatedAt: b.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.d.Approval.Get(r.Context(), userFrom(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	b, err := s.d.Approval.Approve(r.Context(), userFrom(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": b.ID, "status": b.Status})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeStrict(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	b, err := s.d.Approval.Reject(r.Context(), userFrom(r), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": b.ID, "status": b.Status})
}

func (s *Server) handleCorrect(w http.ResponseWriter, r *http.Request) {
	var patch approval.Patch
	if err := decodeStrict(r, &patch); err != nil {
		s.writeError(w, err)
		return
	}
	succ, err := s.d.Approval.Correct(r.Context(), userFrom(r), mux.Vars(r)["id"], patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"id": succ.ID, "status": succ.Status})
}

// handleExport delivers every approved booking of the client to the target.
// Already exported bookings contribute their prior receipts, which keeps
// the operation idempotent.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)
	clientID := mux.Vars(r)["client_id"]
	var req struct {
		Target string `json:"target"`
	}
	if err := decodeStrict(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	var candidates []*domain.Booking
	for _, st := range []domain.State{domain.StateApproved, domain.StateExported} {
		list, err := s.d.Approval.List(r.Context(), u, pipeline.Filter{ClientID: clientID, Status: st})
		if err != nil {
			s.writeError(w, err)
			return
		}
		candidates = append(candidates, list...)
	}

	type failure struct {
		BookingID string `json:"booking_id"`
		Error     string `json:"error"`
	}
	receipts := []*export.Receipt{}
	var failed []failure
	for _, b := range candidates {
		receipt, err := s.d.Approval.Export(r.Context(), u, b.ID, export.Target(req.Target))
		if err != nil {
			if domain.IsCode(err, domain.CodeUnsupported) || domain.IsCode(err, domain.CodeForbidden) {
				s.writeError(w, err)
				return
			}
			failed = append(failed, failure{BookingID: b.ID, Error: err.Error()})
			continue
		}
		receipts = append(receipts, receipt)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"receipts": receipts, "failed": failed})
}

func (s *Server) handleLawSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("query")
	if query == "" {
		query = q.Get("q")
	}
	if strings.TrimSpace(query) == "" {
		s.writeError(w, domain.E(domain.CodeInput, "upit je obavezan"))
		return
	}
	asOf := time.Now()
	if v := q.Get("as_of"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			s.writeError(w, domain.E(domain.CodeInput, "as_of mora biti YYYY-MM-DD"))
			return
		}
		asOf = t
	}
	hits, err := s.d.Laws.Search(r.Context(), query, asOf, 10)
	if err != nil {
		s.writeError(w, err)
		return
	}
	type result struct {
		Citation domain.CitationRef `json:"citation"`
		Score    float64            `json:"score"`
		Excerpt  string             `json:"excerpt"`
	}
	out := make([]result, 0, len(hits))
	for _, h := range hits {
		out = append(out, result{Citation: h.Citation, Score: h.Score, Excerpt: excerpt(h.Chunk.Text, 240)})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func excerpt(text string, max int) string {
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	cut := text[:max]
	if i := strings.LastIndexByte(cut, ' '); i > max/2 {
		cut = cut[:i]
	}
	return cut + "…"
}

// handleQuarantinePending lists corpus drops awaiting confirmation. The
// corpus only changes by an admin's hand.
func (s *Server) handleQuarantinePending(w http.ResponseWriter, r *http.Request) {
	if !userFrom(r).Role.CanAdmin() {
		s.writeError(w, domain.E(domain.CodeForbidden, "karantenu potvrđuje samo administrator"))
		return
	}
	if s.d.Corpus == nil {
		s.writeError(w, domain.E(domain.CodeUnsupported, "karantena nije uključena"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.d.Corpus.Pending())
}

func (s *Server) handleQuarantineConfirm(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)
	if !u.Role.CanAdmin() {
		s.writeError(w, domain.E(domain.CodeForbidden, "karantenu potvrđuje samo administrator"))
		return
	}
	if s.d.Corpus == nil {
		s.writeError(w, domain.E(domain.CodeUnsupported, "karantena nije uključena"))
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.d.Corpus.Confirm(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.d.Chain.Append(r.Context(), "user:"+u.ID, "corpus.confirmed", id, map[string]string{"chunk": id})
	s.writeJSON(w, http.StatusOK, map[string]string{"chunk": id, "status": "confirmed"})
}

// handleAudit returns a slice of the hash chain. Admin only.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)
	if !u.Role.CanAdmin() {
		s.writeError(w, domain.E(domain.CodeForbidden, "revizijski zapis je dostupan samo administratoru"))
		return
	}
	from, to := uint64(1), uint64(0)
	if v := r.URL.Query().Get("range"); v != "" {
		parts := strings.SplitN(v, "-", 2)
		if len(parts) != 2 {
			s.writeError(w, domain.E(domain.CodeInput, "raspon mora biti oblika od-do"))
			return
		}
		a, errA := strconv.ParseUint(parts[0], 10, 64)
		b, errB := strconv.ParseUint(parts[1], 10, 64)
		if errA != nil || errB != nil || a == 0 || b < a {
			s.writeError(w, domain.E(domain.CodeInput, "neispravan raspon"))
			return
		}
		from, to = a, b
	}
	events, err := s.d.Chain.Events(r.Context(), from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []*audit.Event{}
	}
	s.writeJSON(w, http.StatusOK, events)
}
