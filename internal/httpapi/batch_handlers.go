package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"

	"horse.fit/clearoid/internal/dedup"
	"horse.fit/clearoid/internal/jobs"
	"horse.fit/clearoid/internal/sheet"
	"horse.fit/clearoid/internal/storage"
	payloadschema "horse.fit/clearoid/schema"
)

const defaultBatchListLimit = 50

func (s *Server) handleSubmitBatch(c echo.Context) error {
	raw, err := readJSONPayload(c)
	if err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}
	req, err := payloadschema.ValidateBatchRequest(raw)
	if err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}

	filename := req.Filename
	if filename == "" {
		filename = "rows.json"
	}
	return s.acceptBatch(c, dedup.BatchRequest{
		Rows:           req.Rows,
		Fingerprint:    storage.Fingerprint([]byte(strings.Join(req.Rows, "\n"))),
		Filename:       filename,
		AllowReprocess: req.Force,
	})
}

func (s *Server) handleUploadBatch(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return failValidation(c, map[string]string{"file": "is required"})
	}
	if fileHeader.Size > s.opts.UploadMaxBytes {
		return fail(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("File exceeds %d bytes", s.opts.UploadMaxBytes), nil)
	}
	force, err := parseOptionalBool(c.FormValue("force"))
	if err != nil {
		return failValidation(c, map[string]string{"force": err.Error()})
	}

	filename := filepath.Base(strings.TrimSpace(fileHeader.Filename))
	if _, err := sheet.DetectFormat(filename); err != nil {
		return failValidation(c, map[string]string{"file": "must be a .csv, .xlsx or .txt file"})
	}

	file, err := fileHeader.Open()
	if err != nil {
		return failValidation(c, map[string]string{"file": "could not be read"})
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.opts.UploadMaxBytes+1))
	if err != nil {
		return failValidation(c, map[string]string{"file": "could not be read"})
	}
	if int64(len(data)) > s.opts.UploadMaxBytes {
		return fail(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("File exceeds %d bytes", s.opts.UploadMaxBytes), nil)
	}

	rows, err := sheet.ReadRows(filename, data)
	if err != nil {
		if errors.Is(err, sheet.ErrUnsupportedFormat) {
			return failValidation(c, map[string]string{"file": err.Error()})
		}
		return failValidation(c, map[string]string{"file": fmt.Sprintf("could not be parsed: %v", err)})
	}
	if len(rows) == 0 {
		return failValidation(c, map[string]string{"file": "contains no titles"})
	}

	fingerprint := storage.Fingerprint(data)
	archiveKey, err := s.archive.Put(c.Request().Context(), fingerprint, filename, data)
	if err != nil {
		s.logger.Warn().Err(err).Str("fingerprint", fingerprint).Str("filename", filename).Msg("archive upload failed")
		archiveKey = ""
	}

	return s.acceptBatch(c, dedup.BatchRequest{
		Rows:           rows,
		Fingerprint:    fingerprint,
		Filename:       filename,
		ArchiveKey:     archiveKey,
		AllowReprocess: force != nil && *force,
	})
}

// acceptBatch records the run and hands the rows to the worker. A known
// fingerprint answers 200 with the earlier run; a new run answers 202.
func (s *Server) acceptBatch(c echo.Context, req dedup.BatchRequest) error {
	ctx := c.Request().Context()
	outcome, err := s.engine.StartBatch(ctx, req)
	if err != nil {
		return s.respondEngineError(c, err, "start batch")
	}
	if outcome.AlreadyProcessed {
		return success(c, outcome)
	}

	if s.queue == nil {
		run, err := s.engine.ProcessBatch(ctx, outcome.Run.ID, req.Rows)
		if err != nil {
			return s.respondEngineError(c, err, "process batch")
		}
		return success(c, dedup.IngestOutcome{Run: run})
	}

	job := jobs.Job{RunID: outcome.Run.ID, Filename: req.Filename, Rows: req.Rows}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.logger.Error().Err(err).Str("batch_run_id", outcome.Run.ID).Msg("enqueue batch failed")
		if _, abandonErr := s.engine.AbandonBatch(context.WithoutCancel(ctx), outcome.Run.ID, "enqueue failed: "+err.Error()); abandonErr != nil {
			s.logger.Error().Err(abandonErr).Str("batch_run_id", outcome.Run.ID).Msg("abandon batch failed")
		}
		return errorWithStatus(c, http.StatusServiceUnavailable, "Batch queue unavailable")
	}

	s.logger.Info().
		Str("batch_run_id", outcome.Run.ID).
		Str("filename", req.Filename).
		Int("rows", len(req.Rows)).
		Msg("batch queued")
	return successWithStatus(c, http.StatusAccepted, outcome)
}

func (s *Server) handleListBatches(c echo.Context) error {
	limit, err := parsePositiveInt(c.QueryParam("limit"), defaultBatchListLimit, 1, dedup.MaxPageLimit)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}

	runs, err := s.engine.ListBatchRuns(c.Request().Context(), limit)
	if err != nil {
		return s.respondEngineError(c, err, "list batch runs")
	}
	return success(c, map[string]any{
		"total": len(runs),
		"items": runs,
	})
}

func (s *Server) handleGetBatch(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return failValidation(c, map[string]string{"id": "is required"})
	}

	run, err := s.engine.GetBatchRun(c.Request().Context(), id)
	if err != nil {
		return s.respondEngineError(c, err, "load batch run")
	}
	return success(c, map[string]any{"run": run})
}
