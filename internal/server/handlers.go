package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	"github.com/bamsammich/sitepull/internal/api"
	"github.com/bamsammich/sitepull/internal/jobstore"
	"github.com/bamsammich/sitepull/internal/manifest"
)

const manifestKeyPrefix = "manifest:"

// dbMetaPadding inflates the raw database estimate to cover SQL syntax
// overhead in the export.
const dbMetaPadding = 0.30

// maxBatchBody bounds the JSON body of a batch-zip request.
const maxBatchBody = 8 << 20

type manifestJob struct {
	Files      []manifest.FileEntry `json:"files"`
	TotalBytes int64                `json:"total_bytes"`
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, api.PingResponse{
		Version:    s.cfg.Version,
		ContentDir: s.cfg.Scanner.ContentDir(),
		Database:   s.cfg.Export != nil,
	})
	return nil
}

func (s *Server) handleManifestInit(w http.ResponseWriter, r *http.Request) error {
	files, err := s.cfg.Scanner.Scan(r.Context())
	if err != nil {
		return err
	}
	job := manifestJob{Files: files}
	for _, f := range files {
		job.TotalBytes += f.Size
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	id := uuid.NewString()
	if err := s.cfg.Store.Put(r.Context(), manifestKeyPrefix+id, raw, s.cfg.ManifestTTL); err != nil {
		return err
	}
	slog.Info("manifest scanned", "job", id, "files", len(files), "bytes", job.TotalBytes)

	writeJSON(w, http.StatusOK, api.ManifestInitResponse{
		JobID:      id,
		TotalFiles: len(files),
		TotalBytes: job.TotalBytes,
	})
	return nil
}

func (s *Server) handleManifestSlice(w http.ResponseWriter, r *http.Request) error {
	id := r.FormValue("job_id")
	if id == "" {
		return badRequest("job_id is required")
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil || offset < 0 {
		return badRequest("invalid offset")
	}
	limit, err := intParam(r, "limit", manifest.DefaultPageSize)
	if err != nil {
		return badRequest("invalid limit")
	}
	limit = max(1, min(limit, api.MaxSliceLimit))

	raw, err := s.cfg.Store.Get(r.Context(), manifestKeyPrefix+id)
	if errors.Is(err, jobstore.ErrNotFound) {
		return errManifestNotFound
	}
	if err != nil {
		return err
	}
	var job manifestJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return fmt.Errorf("decode manifest: %w", err)
	}

	start := min(offset, len(job.Files))
	end := min(start+limit, len(job.Files))
	writeJSON(w, http.StatusOK, api.ManifestSliceResponse{
		Files:      job.Files[start:end],
		TotalFiles: len(job.Files),
		TotalBytes: job.TotalBytes,
	})
	return nil
}

func (s *Server) handleManifestFinish(w http.ResponseWriter, r *http.Request) error {
	if id := r.FormValue("job_id"); id != "" {
		if err := s.cfg.Store.Delete(r.Context(), manifestKeyPrefix+id); err != nil {
			slog.Warn("drop manifest job", "job", id, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, api.OKResponse{OK: true})
	return nil
}

func (s *Server) handleDBMeta(w http.ResponseWriter, r *http.Request) error {
	if s.cfg.Export == nil {
		return errNoDatabase
	}
	meta, err := s.cfg.Export.Meta(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.DBMetaResponse{
		TotalTables:      len(meta.Tables),
		TotalRows:        meta.TotalRows,
		TotalApproxBytes: meta.ApproxBytes + int64(float64(meta.ApproxBytes)*dbMetaPadding),
		IsEstimate:       meta.IsEstimate,
	})
	return nil
}

func (s *Server) handleDBJobInit(w http.ResponseWriter, r *http.Request) error {
	if s.cfg.Export == nil {
		return errNoDatabase
	}
	job, err := s.cfg.Export.Init(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.DBJobInitResponse{
		JobID:          job.ID,
		BytesWritten:   job.BytesWritten,
		EstimatedBytes: job.EstimatedBytes,
		TotalTables:    len(job.Tables),
		TotalRows:      job.TotalRows,
	})
	return nil
}

func (s *Server) handleDBJobProcess(w http.ResponseWriter, r *http.Request) error {
	if s.cfg.Export == nil {
		return errNoDatabase
	}
	id := r.FormValue("job_id")
	if id == "" {
		return badRequest("job_id is required")
	}
	budgetMS, err := intParam(r, "time_budget_ms", api.DefaultProcessBudgetMS)
	if err != nil || budgetMS < 0 {
		return badRequest("invalid time_budget_ms")
	}
	budgetMS = min(budgetMS, 60_000)

	job, err := s.cfg.Export.Process(r.Context(), id, time.Duration(budgetMS)*time.Millisecond)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.DBJobProcessResponse{
		State:           job.State,
		BytesWritten:    job.BytesWritten,
		CompletedTables: job.CompletedTables,
		RowsProcessed:   job.RowsProcessed,
		Done:            job.Done(),
		Warnings:        job.Warnings,
	})
	return nil
}

func (s *Server) handleDBJobDownload(w http.ResponseWriter, r *http.Request) error {
	if s.cfg.Export == nil {
		return errNoDatabase
	}
	path, err := s.cfg.Export.DownloadPath(r.Context(), r.FormValue("job_id"))
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open export: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat export: %w", err)
	}

	w.Header().Set("Content-Type", "application/sql")
	w.Header().Set("Content-Disposition", `attachment; filename="`+api.DBFileName+`"`)
	http.ServeContent(w, r, api.DBFileName, fi.ModTime(), f)
	return nil
}

func (s *Server) handleDBJobFinish(w http.ResponseWriter, r *http.Request) error {
	if s.cfg.Export == nil {
		return errNoDatabase
	}
	if err := s.cfg.Export.Finish(r.Context(), r.FormValue("job_id")); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.OKResponse{OK: true})
	return nil
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) error {
	rel := r.FormValue("path")
	abs, err := s.resolve(rel)
	if err != nil {
		return &httpError{code: http.StatusNotFound, err: err}
	}
	f, err := os.Open(abs)
	if err != nil {
		return &httpError{code: http.StatusNotFound, err: fmt.Errorf("open %s: %w", rel, err)}
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", rel, err)
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, "", fi.ModTime(), f)
	return nil
}

// handleBatchZip streams the requested files as one zip. Paths that fail
// validation or cannot be read are skipped.
func (s *Server) handleBatchZip(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return &httpError{code: http.StatusMethodNotAllowed, err: errors.New("batch-zip requires POST")}
	}
	var req api.BatchZipRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBatchBody)).Decode(&req); err != nil {
		return badRequest("decode batch request: %v", err)
	}

	w.Header().Set("Content-Type", "application/zip")
	zw := zip.NewWriter(w)
	written, skipped := 0, 0
	for _, rel := range req.Paths {
		if err := r.Context().Err(); err != nil {
			return err
		}
		ok, err := s.addToZip(zw, rel)
		if err != nil {
			// Headers are already sent; abort the stream so the client sees
			// a truncated zip rather than a silently short one.
			return err
		}
		if ok {
			written++
		} else {
			skipped++
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish zip: %w", err)
	}
	slog.Debug("batch zip sent", "files", written, "skipped", skipped)
	return nil
}

func (s *Server) addToZip(zw *zip.Writer, rel string) (bool, error) {
	abs, err := s.resolve(rel)
	if err != nil {
		slog.Debug("batch entry skipped", "path", rel, "error", err)
		return false, nil
	}
	f, err := os.Open(abs)
	if err != nil {
		slog.Debug("batch entry skipped", "path", rel, "error", err)
		return false, nil
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil || !fi.Mode().IsRegular() {
		return false, nil
	}

	hdr := &zip.FileHeader{
		Name:     cleanRel(rel),
		Method:   zip.Deflate,
		Modified: fi.ModTime(),
	}
	hdr.SetMode(fi.Mode())
	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return false, fmt.Errorf("zip header %s: %w", rel, err)
	}
	if _, err := io.Copy(dst, f); err != nil {
		return false, fmt.Errorf("zip %s: %w", rel, err)
	}
	return true, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.FormValue(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
