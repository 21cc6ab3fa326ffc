package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"horse.fit/clearoid/internal/dedup"
	"horse.fit/clearoid/internal/sheet"
	payloadschema "horse.fit/clearoid/schema"
)

type checkResponse struct {
	IsDuplicate    bool    `json:"duplicate"`
	Score          float64 `json:"score"`
	MatchID        int64   `json:"match_id,omitempty"`
	MatchText      string  `json:"match_title,omitempty"`
	CanonicalKey   string  `json:"canonical"`
	NormalizedText string  `json:"normalized"`
	Threshold      float64 `json:"threshold"`
}

type similarItem struct {
	ID           int64   `json:"id"`
	Title        string  `json:"title"`
	CanonicalKey string  `json:"canonical_key"`
	IsDuplicate  bool    `json:"is_duplicate"`
	Score        float64 `json:"score"`
}

type bulkDeleteRequest struct {
	IDs []int64 `json:"ids"`
}

func (s *Server) handleSubmitTitle(c echo.Context) error {
	req, ok, err := s.bindTitleRequest(c)
	if !ok {
		return err
	}

	record, err := s.engine.Submit(c.Request().Context(), req.Title)
	if err != nil {
		return s.respondEngineError(c, err, "submit title")
	}
	return successWithStatus(c, http.StatusCreated, map[string]any{
		"title": record,
	})
}

func (s *Server) handleCheckTitle(c echo.Context) error {
	req, ok, err := s.bindTitleRequest(c)
	if !ok {
		return err
	}

	result, err := s.engine.Check(c.Request().Context(), req.Title)
	if err != nil {
		return s.respondEngineError(c, err, "check title")
	}
	return success(c, checkResponse{
		IsDuplicate:    result.IsDuplicate,
		Score:          roundScore(result.Score),
		MatchID:        result.MatchID,
		MatchText:      result.MatchText,
		CanonicalKey:   result.CanonicalKey,
		NormalizedText: result.NormalizedText,
		Threshold:      s.engine.DuplicateThreshold(),
	})
}

func (s *Server) handleSimilarTitles(c echo.Context) error {
	req, ok, err := s.bindTitleRequest(c)
	if !ok {
		return err
	}

	threshold := s.engine.SimilarThreshold()
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	matches, err := s.engine.Similar(c.Request().Context(), req.Title, threshold)
	if err != nil {
		return s.respondEngineError(c, err, "find similar titles")
	}

	items := make([]similarItem, 0, len(matches))
	for _, match := range matches {
		items = append(items, similarItem{
			ID:           match.Record.ID,
			Title:        match.Record.RawText,
			CanonicalKey: match.Record.CanonicalKey,
			IsDuplicate:  match.Record.IsDuplicate,
			Score:        roundScore(match.Score),
		})
	}
	return success(c, map[string]any{
		"threshold": threshold,
		"items":     items,
	})
}

func (s *Server) handleListTitles(c echo.Context) error {
	page, err := parsePositiveInt(c.QueryParam("page"), 1, 1, 1_000_000)
	if err != nil {
		return failValidation(c, map[string]string{"page": err.Error()})
	}
	limit, err := parsePositiveInt(c.QueryParam("limit"), dedup.DefaultPageLimit, 1, dedup.MaxPageLimit)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}
	duplicates, err := parseOptionalBool(c.QueryParam("duplicates"))
	if err != nil {
		return failValidation(c, map[string]string{"duplicates": err.Error()})
	}

	result, err := s.engine.ListTitles(c.Request().Context(), dedup.TitleFilter{
		Search:     strings.TrimSpace(c.QueryParam("search")),
		Duplicates: duplicates,
		Page:       page,
		Limit:      limit,
	})
	if err != nil {
		return s.respondEngineError(c, err, "list titles")
	}
	return success(c, result)
}

func (s *Server) handleGetTitle(c echo.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return failValidation(c, map[string]string{"id": err.Error()})
	}

	record, err := s.engine.GetTitle(c.Request().Context(), id)
	if err != nil {
		return s.respondEngineError(c, err, "load title")
	}
	return success(c, map[string]any{"title": record})
}

func (s *Server) handleEditTitle(c echo.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return failValidation(c, map[string]string{"id": err.Error()})
	}
	req, ok, err := s.bindTitleRequest(c)
	if !ok {
		return err
	}

	record, err := s.engine.Edit(c.Request().Context(), id, req.Title)
	if err != nil {
		return s.respondEngineError(c, err, "edit title")
	}
	return success(c, map[string]any{"title": record})
}

func (s *Server) handleDeleteTitle(c echo.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return failValidation(c, map[string]string{"id": err.Error()})
	}

	deleted, err := s.engine.Delete(c.Request().Context(), id)
	if err != nil {
		return s.respondEngineError(c, err, "delete title")
	}
	return success(c, map[string]any{"deleted": deleted})
}

func (s *Server) handleBulkDelete(c echo.Context) error {
	var req bulkDeleteRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}
	if len(req.IDs) == 0 {
		return failValidation(c, map[string]string{"ids": "at least one id is required"})
	}

	deleted, err := s.engine.Delete(c.Request().Context(), req.IDs...)
	if err != nil {
		return s.respondEngineError(c, err, "delete titles")
	}
	return success(c, map[string]any{"deleted": deleted})
}

func (s *Server) handleClusters(c echo.Context) error {
	clusters, err := s.engine.ListClusters(c.Request().Context())
	if err != nil {
		return s.respondEngineError(c, err, "list clusters")
	}
	return success(c, map[string]any{
		"total": len(clusters),
		"items": clusters,
	})
}

func (s *Server) handleClusterMembers(c echo.Context) error {
	key, err := url.PathUnescape(c.Param("key"))
	if err != nil || strings.TrimSpace(key) == "" {
		return failValidation(c, map[string]string{"key": "is required"})
	}

	members, err := s.engine.Cluster(c.Request().Context(), key)
	if err != nil {
		return s.respondEngineError(c, err, "load cluster")
	}
	return success(c, map[string]any{
		"canonical_key": key,
		"size":          len(members),
		"members":       members,
	})
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.engine.Stats(c.Request().Context())
	if err != nil {
		return s.respondEngineError(c, err, "load stats")
	}
	return success(c, stats)
}

func (s *Server) handleExport(c echo.Context) error {
	scope, err := parseExportScope(c.QueryParam("scope"), c.QueryParam("ids"))
	if err != nil {
		return failValidation(c, map[string]string{"scope": err.Error()})
	}
	format := strings.ToLower(strings.TrimSpace(c.QueryParam("format")))
	if format == "" {
		format = string(sheet.FormatCSV)
	}
	if format != string(sheet.FormatCSV) && format != string(sheet.FormatXLSX) {
		return failValidation(c, map[string]string{"format": "must be csv or xlsx"})
	}

	records, err := s.engine.ExportSelection(c.Request().Context(), scope)
	if err != nil {
		return s.respondEngineError(c, err, "export titles")
	}

	filename := fmt.Sprintf("clearoid-%s.%s", scope.Kind, format)
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))

	if format == string(sheet.FormatXLSX) {
		resp.Header().Set(echo.HeaderContentType, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		resp.WriteHeader(http.StatusOK)
		return sheet.WriteXLSX(resp, records)
	}
	resp.Header().Set(echo.HeaderContentType, "text/csv; charset=utf-8")
	resp.WriteHeader(http.StatusOK)
	return sheet.WriteCSV(resp, records)
}

// bindTitleRequest validates the shared title body. When ok is false the
// response has already been written and err is what the handler returns.
func (s *Server) bindTitleRequest(c echo.Context) (*payloadschema.TitleRequest, bool, error) {
	raw, err := readJSONPayload(c)
	if err != nil {
		return nil, false, failValidation(c, map[string]string{"body": err.Error()})
	}
	req, err := payloadschema.ValidateTitleRequest(raw)
	if err != nil {
		return nil, false, failValidation(c, map[string]string{"body": err.Error()})
	}
	return req, true, nil
}

func parseExportScope(rawScope, rawIDs string) (dedup.ExportScope, error) {
	kind := dedup.ScopeKind(strings.ToLower(strings.TrimSpace(rawScope)))
	if kind == "" {
		kind = dedup.ScopeAll
		if strings.TrimSpace(rawIDs) != "" {
			kind = dedup.ScopeIDs
		}
	}

	switch kind {
	case dedup.ScopeAll, dedup.ScopeDuplicates, dedup.ScopeUnique:
		return dedup.ExportScope{Kind: kind}, nil
	case dedup.ScopeIDs:
		ids := make([]int64, 0, 8)
		for _, part := range strings.Split(rawIDs, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return dedup.ExportScope{}, fmt.Errorf("ids must be a comma separated list of integers")
			}
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			return dedup.ExportScope{}, fmt.Errorf("ids are required for scope ids")
		}
		return dedup.ExportScope{Kind: dedup.ScopeIDs, IDs: ids}, nil
	default:
		return dedup.ExportScope{}, fmt.Errorf("must be one of all, duplicates, unique, ids")
	}
}
