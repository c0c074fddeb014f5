// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/hotswap/services/hotswap/registry"
)

const (
	defaultListLimit = 20
	maxListLimit     = 1000
)

func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{Status: "ok"}
	if h := s.deps.Registry.Current(); h != nil {
		resp.OperatorLoaded = true
		resp.Operator = h.Name()
	}
	c.JSON(http.StatusOK, resp)
}

// handleOperator describes the published module. Only the handle's
// immutable metadata is read, so no reference is taken.
func (s *Server) handleOperator(c *gin.Context) {
	h := s.deps.Registry.Current()
	if h == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: registry.ErrEmpty.Error()})
		return
	}
	c.JSON(http.StatusOK, OperatorResponse{
		Name:       h.Name(),
		Locator:    h.Locator(),
		Generation: h.Generation(),
		LoadedAt:   h.LoadedAt(),
	})
}

func (s *Server) handleUpdate(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := apiValidate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	out, err := s.deps.Coordinator.Request(c.Request.Context(), req.Locator)
	resp := UpdateResponse{Outcome: out}
	if err != nil {
		resp.Error = out.ErrorMessage()
		if resp.Error == "" {
			resp.Error = err.Error()
		}
		c.JSON(http.StatusUnprocessableEntity, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleScore(c *gin.Context) {
	var req ScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := apiValidate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	score, name, err := s.deps.Registry.Compute(req.feature())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, registry.ErrEmpty) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, ScoreResponse{Score: score, Operator: name})
}

func (s *Server) handleUpdates(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "update history is not enabled"})
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	records, err := s.deps.History.List(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("list updates failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to read update history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updates": records, "count": len(records)})
}

func (s *Server) handleStats(c *gin.Context) {
	body := gin.H{
		"registry":    s.deps.Registry.Stats(),
		"coordinator": s.deps.Coordinator.Stats(),
	}
	if s.deps.Loader != nil {
		body["loader"] = s.deps.Loader.Stats()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleLogs(c *gin.Context) {
	if s.deps.Logs == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "log buffer is not enabled"})
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	entries := s.deps.Logs.Entries(limit)
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// parseLimit reads ?limit=, writing a 400 and returning false if invalid.
func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxListLimit {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be between 1 and " + strconv.Itoa(maxListLimit)})
		return 0, false
	}
	return limit, true
}
