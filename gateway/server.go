// Package gateway serves the read-side HTTP API consumed by the marketplace
// UI: bounty listings, leaderboard, profiles and blob upload/retrieval. All
// command traffic goes through the JSON-RPC endpoint; the gateway never
// mutates ledger state.
package gateway

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"diditd/blob"
	"diditd/native/bounty"
	"diditd/projection"
)

const maxBlobBytes = 16 << 20 // 16 MiB

// Server bundles the read-model dependencies behind a chi router.
type Server struct {
	engine    *bounty.Engine
	projector *projection.Projector
	blobs     blob.Store
	log       *slog.Logger
}

// New constructs the gateway server.
func New(engine *bounty.Engine, projector *projection.Projector, blobs blob.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{engine: engine, projector: projector, blobs: blobs, log: log}
}

// Router assembles the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/bounties", s.handleListBounties)
		r.Get("/bounties/{id}", s.handleGetBounty)
		r.Get("/bounties/{id}/submissions", s.handleListSubmissions)
		r.Get("/bounties/{id}/awards", s.handleListAwards)
		r.Get("/bounties/{id}/tallies", s.handleListTallies)
		r.Get("/bounties/{id}/events", s.handleListEvents)
		r.Get("/leaderboard", s.handleLeaderboard)
		r.Get("/profiles/{address}", s.handleProfile)
		r.Post("/blobs", s.handlePutBlob)
		r.Get("/blobs/{ref}", s.handleGetBlob)
	})
	return r
}

// Start serves the gateway on addr until the listener fails.
func (s *Server) Start(addr string) error {
	s.log.Info("starting read gateway", "addr", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server.ListenAndServe()
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func statusForLedgerError(err error) int {
	switch bounty.CodeOf(err) {
	case bounty.CodeNotFound:
		return http.StatusNotFound
	case bounty.CodeValidation:
		return http.StatusBadRequest
	case bounty.CodeAuthorization:
		return http.StatusForbidden
	case bounty.CodeConflict, bounty.CodeResource:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseBountyID(raw string) ([32]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != 32 {
		return [32]byte{}, errors.New("invalid bounty id")
	}
	var id [32]byte
	copy(id[:], decoded)
	return id, nil
}

func (s *Server) handleListBounties(w http.ResponseWriter, r *http.Request) {
	bounties, err := s.engine.List()
	if err != nil {
		respondError(w, statusForLedgerError(err), err.Error())
		return
	}
	out := make([]map[string]interface{}, len(bounties))
	for i, b := range bounties {
		out[i] = bountyView(b)
	}
	respondJSON(w, http.StatusOK, out)
}

func bountyView(b *bounty.Bounty) map[string]interface{} {
	schedule := make([]string, len(b.PrizeSchedule))
	for i, prize := range b.PrizeSchedule {
		schedule[i] = prize.String()
	}
	winners := make(map[string]string, len(b.Winners))
	for position, winner := range b.Winners {
		winners[strconv.FormatUint(position, 10)] = hex.EncodeToString(winner[:])
	}
	return map[string]interface{}{
		"id":              hex.EncodeToString(b.ID[:]),
		"offchainId":      b.OffchainID,
		"creator":         hex.EncodeToString(b.Creator[:]),
		"title":           b.Title,
		"description":     b.Description,
		"funding":         b.Funding.String(),
		"escrow":          b.Escrow.String(),
		"prizeSchedule":   schedule,
		"deadline":        b.Deadline,
		"createdAt":       b.CreatedAt,
		"status":          b.Status.String(),
		"submissionCount": b.SubmissionCount,
		"winners":         winners,
	}
}

func (s *Server) handleGetBounty(w http.ResponseWriter, r *http.Request) {
	id, err := parseBountyID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	b, err := s.engine.Get(id)
	if err != nil {
		respondError(w, statusForLedgerError(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, bountyView(b))
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	id, err := parseBountyID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	subs, err := s.engine.Submissions(id)
	if err != nil {
		respondError(w, statusForLedgerError(err), err.Error())
		return
	}
	out := make([]map[string]interface{}, len(subs))
	for i, sub := range subs {
		out[i] = map[string]interface{}{
			"submitter":    hex.EncodeToString(sub.Submitter[:]),
			"submissionNo": sub.SubmissionNo,
			"proofRef":     sub.ProofRef,
			"metadataRef":  sub.MetadataRef,
			"submittedAt":  sub.SubmittedAt,
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleListAwards(w http.ResponseWriter, r *http.Request) {
	id, err := parseBountyID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	awards, err := s.engine.Awards(id)
	if err != nil {
		respondError(w, statusForLedgerError(err), err.Error())
		return
	}
	out := make([]map[string]interface{}, len(awards))
	for i, award := range awards {
		out[i] = map[string]interface{}{
			"position":  award.Position,
			"winner":    hex.EncodeToString(award.Winner[:]),
			"amount":    award.Amount.String(),
			"awardedAt": award.AwardedAt,
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleListTallies(w http.ResponseWriter, r *http.Request) {
	id, err := parseBountyID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	tallies, err := s.engine.Tallies(id)
	if err != nil {
		respondError(w, statusForLedgerError(err), err.Error())
		return
	}
	out := make(map[string]uint64, len(tallies))
	for submitter, tally := range tallies {
		out[hex.EncodeToString(submitter[:])] = tally
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.projector == nil {
		respondError(w, http.StatusNotFound, "projection not configured")
		return
	}
	id, err := parseBountyID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.projector.Events(hex.EncodeToString(id[:]), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if s.projector == nil {
		respondError(w, http.StatusNotFound, "projection not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.projector.Leaderboard(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if s.projector == nil {
		respondError(w, http.StatusNotFound, "projection not configured")
		return
	}
	addr := strings.TrimPrefix(strings.TrimSpace(chi.URLParam(r, "address")), "0x")
	if len(addr) != 40 {
		respondError(w, http.StatusBadRequest, "invalid address")
		return
	}
	stat, err := s.projector.Profile(strings.ToLower(addr))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stat)
}

func (s *Server) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		respondError(w, http.StatusNotFound, "blob store not configured")
		return
	}
	reader := http.MaxBytesReader(w, r.Body, maxBlobBytes)
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "blob too large")
		return
	}
	if len(data) == 0 {
		respondError(w, http.StatusBadRequest, "empty blob")
		return
	}
	ref, err := s.blobs.Put(data)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"ref": ref})
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		respondError(w, http.StatusNotFound, "blob store not configured")
		return
	}
	data, err := s.blobs.Get(chi.URLParam(r, "ref"))
	if errors.Is(err, blob.ErrNotFound) {
		respondError(w, http.StatusNotFound, "blob not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
