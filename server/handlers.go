package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	contentdrop "github.com/wolfeidau/content-drop"
	"github.com/wolfeidau/content-drop/report"
	"github.com/wolfeidau/content-drop/store"
	"github.com/wolfeidau/content-drop/store/metadb"
	"github.com/wolfeidau/content-drop/telemetry"
)

// OwnerHeader carries the optional uploader identity. It is recorded, never
// verified.
const OwnerHeader = "X-Owner-ID"

// recordResponse is the JSON view of a ContentRecord.
type recordResponse struct {
	Hash        contentdrop.Hash     `json:"hash"`
	FileName    string               `json:"file_name"`
	ContentType string               `json:"content_type,omitempty"`
	Size        int64                `json:"size"`
	OwnerID     string               `json:"owner_id,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	TTL         contentdrop.TTLClass `json:"ttl"`
	ExpiresAt   *time.Time           `json:"expires_at,omitempty"`
}

func newRecordResponse(rec *contentdrop.ContentRecord) recordResponse {
	resp := recordResponse{
		Hash:        rec.Hash,
		FileName:    rec.FileName,
		ContentType: rec.ContentType,
		Size:        rec.Size,
		OwnerID:     rec.OwnerID,
		CreatedAt:   rec.CreatedAt,
		TTL:         rec.TTL,
	}
	if expiresAt, ok := rec.ExpiresAt(); ok {
		resp.ExpiresAt = &expiresAt
	}
	return resp
}

type statsResponse struct {
	Records    int                   `json:"records"`
	Bytes      int64                 `json:"bytes"`
	ByTTL      map[string]classStats `json:"by_ttl"`
	Scheduled  int                   `json:"scheduled"`
	Extensions report.Snapshot       `json:"extensions"`
	LastSweep  any                   `json:"last_sweep,omitempty"`
	LastAudit  any                   `json:"last_audit,omitempty"`
}

type classStats struct {
	Records int   `json:"records"`
	Bytes   int64 `json:"bytes"`
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "health")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUpload ingests the request body under the file name in the path.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "upload")

	ttl, err := contentdrop.ParseTTLClass(r.URL.Query().Get("ttl"))
	if err != nil {
		telemetry.SetResult(r, telemetry.ResultInvalid)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	owner := r.Header.Get(OwnerHeader)
	telemetry.SetOwner(r, owner)

	body := io.Reader(r.Body)
	if s.config.MaxUploadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	}

	rec, err := s.stores.Ingester.IngestRecord(r.Context(), body, store.IngestRequest{
		FileName: chi.URLParam(r, "key"),
		TTL:      ttl,
		OwnerID:  owner,
	})
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, contentdrop.ErrDuplicateContent):
			telemetry.SetResult(r, telemetry.ResultDuplicate)
			writeError(w, http.StatusConflict, "duplicate content")
		case errors.Is(err, contentdrop.ErrNamingConflict):
			telemetry.SetResult(r, telemetry.ResultConflict)
			writeError(w, http.StatusConflict, "a file with this name already exists")
		case errors.Is(err, contentdrop.ErrInvalidInput):
			telemetry.SetResult(r, telemetry.ResultInvalid)
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &maxErr):
			telemetry.SetResult(r, telemetry.ResultInvalid)
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds "+strconv.FormatInt(maxErr.Limit, 10)+" bytes")
		default:
			telemetry.SetResult(r, telemetry.ResultError)
			s.logger.Error("upload failed", "file", chi.URLParam(r, "key"), "error", err)
			writeError(w, http.StatusInternalServerError, "upload failed")
		}
		return
	}

	telemetry.SetResult(r, telemetry.ResultCreated)
	w.Header().Set("Location", "/files/"+rec.Hash.String())
	writeJSON(w, http.StatusCreated, newRecordResponse(rec))
}

// handleDownload streams the content stored for a hash.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "download")

	hash, ok := s.parseHash(w, r)
	if !ok {
		return
	}

	rc, rec, err := s.stores.Ingester.Open(r.Context(), hash)
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	defer func() { _ = rc.Close() }()

	telemetry.SetResult(r, telemetry.ResultFound)
	contentType := rec.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	w.Header().Set("Content-Disposition", `attachment; filename="`+rec.FileName+`"`)
	w.Header().Set("ETag", `"`+rec.Hash.String()+`"`)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("download interrupted", "hash", hash.ShortString(), "error", err)
	}
}

// handleMeta returns the record for a hash.
func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "lookup")

	hash, ok := s.parseHash(w, r)
	if !ok {
		return
	}

	rec, err := s.stores.Ingester.LookupByHash(r.Context(), hash)
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}

	telemetry.SetResult(r, telemetry.ResultFound)
	writeJSON(w, http.StatusOK, newRecordResponse(rec))
}

// handleStats reports store totals and the latest extension tally.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "stats")

	stats, err := s.stores.Meta.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to read stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}
	scheduled, err := s.stores.Index.Len(r.Context())
	if err != nil {
		s.logger.Error("failed to read expiry index size", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}

	resp := statsResponse{
		Records:    stats.Records,
		Bytes:      stats.Bytes,
		ByTTL:      make(map[string]classStats, len(stats.ByTTL)),
		Scheduled:  scheduled,
		Extensions: s.counter.Snapshot(),
	}
	for ttl, cs := range stats.ByTTL {
		resp.ByTTL[ttl.String()] = classStats{Records: cs.Records, Bytes: cs.Bytes}
	}
	if last := s.sweeper.LastRun(); last != nil {
		resp.LastSweep = last
	}
	if last := s.audit.Status(); last != nil {
		resp.LastAudit = last
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSweep runs one sweep cycle on demand.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "admin_sweep")
	writeJSON(w, http.StatusOK, s.sweeper.RunCycle(r.Context()))
}

// handleAudit runs the full-scan audit on demand.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "admin_audit")
	result, err := s.audit.RunNow(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleReport refreshes the extension tally on demand.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "admin_report")
	if err := s.counter.Refresh(r.Context()); err != nil {
		s.logger.Error("failed to refresh extension counts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to refresh report")
		return
	}
	writeJSON(w, http.StatusOK, s.counter.Snapshot())
}

func (s *Server) parseHash(w http.ResponseWriter, r *http.Request) (contentdrop.Hash, bool) {
	hash, err := contentdrop.ParseHash(chi.URLParam(r, "key"))
	if err != nil {
		telemetry.SetResult(r, telemetry.ResultInvalid)
		writeError(w, http.StatusBadRequest, "invalid hash")
		return contentdrop.Hash{}, false
	}
	return hash, true
}

func (s *Server) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, contentdrop.ErrNotFound) || errors.Is(err, metadb.ErrNotFound) {
		telemetry.SetResult(r, telemetry.ResultNotFound)
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	telemetry.SetResult(r, telemetry.ResultError)
	s.logger.Error("lookup failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "lookup failed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
