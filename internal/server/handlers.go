package server

import (
	"context"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/homenest/nous/internal/dispatch"
	"github.com/homenest/nous/internal/ingest"
	"github.com/homenest/nous/internal/model"
	"github.com/homenest/nous/internal/store"
	"github.com/homenest/nous/pkg/workflow"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readRows parses an upload: a multipart "file" part (CSV or XLSX) or a raw
// CSV body.
func (s *Server) readRows(w http.ResponseWriter, r *http.Request) ([]ingest.Row, error) {
	limit := int64(s.deps.Server.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return uploadRows(ingest.ParseCSV(r.Body))
	}

	if err := r.ParseMultipartForm(limit); err != nil {
		return nil, model.Validationf("invalid upload: %v", err)
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return nil, model.Validationf("multipart field %q is required", "file")
	}
	defer f.Close() //nolint:errcheck

	ext := strings.ToLower(filepath.Ext(hdr.Filename))
	if ext == ".csv" || ext == ".txt" || ext == "" {
		return uploadRows(ingest.ParseCSV(f))
	}

	// Workbooks are read from disk.
	tmp, err := os.CreateTemp("", "nous-upload-*"+ext)
	if err != nil {
		return nil, eris.Wrap(err, "server: create upload file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := io.Copy(tmp, f); err != nil {
		tmp.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "server: store upload")
	}
	if err := tmp.Close(); err != nil {
		return nil, eris.Wrap(err, "server: close upload")
	}
	return uploadRows(ingest.ReadFile(tmp.Name()))
}

// uploadRows reports unreadable uploads as operator errors.
func uploadRows(rows []ingest.Row, err error) ([]ingest.Row, error) {
	if err != nil {
		return nil, model.Validationf("unreadable upload: %v", err)
	}
	return rows, nil
}

func (s *Server) handleImportPreview(w http.ResponseWriter, r *http.Request) {
	rows, err := s.readRows(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ingest.Preview(rows))
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode, err := model.ParseImportMode(q.Get("mode"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	rows, err := s.readRows(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	source := q.Get("source")
	if source == "" {
		source = s.deps.Import.Source
	}
	res, err := s.deps.Importer.Run(r.Context(), rows, ingest.Options{
		Mode:      mode,
		Confirm:   q.Get("confirm"),
		Source:    source,
		MaxErrors: s.deps.Import.MaxErrors,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveImport(res)
	}
	writeJSON(w, http.StatusOK, res)
}

// queueParams reads the channel and queue number path parameters.
func queueParams(r *http.Request) (model.Channel, int, error) {
	ch, err := model.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		return "", 0, err
	}
	n, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || n < 1 {
		return "", 0, model.Validationf("queue number must be a positive integer, got %q", chi.URLParam(r, "number"))
	}
	return ch, n, nil
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	ch, n, err := queueParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	view, err := s.deps.Dispatcher.Status(r.Context(), ch, n)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type buildRequest struct {
	LeadIDs []string `json:"lead_ids"`
	// All selects every lead, optionally limited to Source.
	All    bool   `json:"all"`
	Source string `json:"source"`
}

func (s *Server) handleQueueBuild(w http.ResponseWriter, r *http.Request) {
	ch, n, err := queueParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req buildRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ids := req.LeadIDs
	if req.All {
		ids, err = s.deps.Store.ListLeadIDs(r.Context(), store.LeadFilter{Source: req.Source})
		if err != nil {
			writeError(w, r, err)
			return
		}
	}

	res, err := s.deps.Builder.Build(r.Context(), ch, ids, n)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveQueueBuild(ch, n, res.Added)
	}
	writeJSON(w, http.StatusCreated, res)
}

type startRequest struct {
	Scenario string `json:"scenario"`
}

func (s *Server) handleQueueStart(w http.ResponseWriter, r *http.Request) {
	ch, n, err := queueParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	var res any
	switch ch {
	case model.ChannelEmail:
		res, err = s.deps.Dispatcher.StartEmailSend(r.Context(), n, req.Scenario)
	default:
		res, err = s.deps.Dispatcher.StartCalling(r.Context(), n, req.Scenario)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	s.queueFlag(w, r, s.deps.Dispatcher.Pause)
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	s.queueFlag(w, r, s.deps.Dispatcher.Resume)
}

func (s *Server) queueFlag(w http.ResponseWriter, r *http.Request, set func(context.Context, model.Channel, int) error) {
	ch, n, err := queueParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := set(r.Context(), ch, n); err != nil {
		writeError(w, r, err)
		return
	}
	view, err := s.deps.Dispatcher.Status(r.Context(), ch, n)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view.State)
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	ch, n, err := queueParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	deleted, err := s.deps.Dispatcher.Clear(r.Context(), ch, n)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (s *Server) handleCallSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Dispatcher.SyncCallStatuses(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRetrySweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Dispatcher.SweepRetries(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type emailResultsRequest struct {
	BatchID string                 `json:"batch_id"`
	Results []dispatch.EmailResult `json:"results"`
}

func (s *Server) handleEmailResults(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 10<<20))
	if err != nil {
		writeError(w, r, model.Validationf("read body: %v", err))
		return
	}
	if s.deps.WebhookSecret != "" && !workflow.Verify(s.deps.WebhookSecret, body, r.Header.Get(workflow.SignatureHeader)) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid signature", Kind: "unauthorized"})
		return
	}

	var req emailResultsRequest
	if err := decodeBytes(body, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.BatchID == "" {
		writeError(w, r, model.Validationf("batch_id is required"))
		return
	}
	sum, err := s.deps.Dispatcher.RecordEmailResults(r.Context(), req.BatchID, req.Results)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
