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
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/hotswap/services/hotswap/config"
	"github.com/AleutianAI/hotswap/services/hotswap/coordinator"
	"github.com/AleutianAI/hotswap/services/hotswap/operator"
)

var apiValidate *validator.Validate

func init() {
	apiValidate = validator.New()
	_ = apiValidate.RegisterValidation("locator", func(fl validator.FieldLevel) bool {
		return config.IsLocator(fl.Field().String())
	})
}

// UpdateRequest is the body of POST /v1/operator/update.
type UpdateRequest struct {
	Locator string `json:"locator" validate:"required,max=4096,locator"`
}

// UpdateResponse wraps a coordinator outcome with its error message,
// which Outcome itself does not serialise.
type UpdateResponse struct {
	coordinator.Outcome
	Error string `json:"error,omitempty"`
}

// ScoreRequest is the body of POST /v1/score.
type ScoreRequest struct {
	UserID      int     `json:"user_id" validate:"gte=0"`
	ItemID      int     `json:"item_id" validate:"gte=0"`
	UserFeature float64 `json:"user_feature"`
	ItemFeature float64 `json:"item_feature"`
}

func (r ScoreRequest) feature() operator.Feature {
	return operator.Feature{
		UserID:      r.UserID,
		ItemID:      r.ItemID,
		UserFeature: r.UserFeature,
		ItemFeature: r.ItemFeature,
	}
}

// ScoreResponse is the result of POST /v1/score.
type ScoreResponse struct {
	Score    float64 `json:"score"`
	Operator string  `json:"operator"`
}

// OperatorResponse describes the published module.
type OperatorResponse struct {
	Name       string    `json:"name"`
	Locator    string    `json:"locator"`
	Generation uint64    `json:"generation"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	OperatorLoaded bool   `json:"operator_loaded"`
	Operator       string `json:"operator,omitempty"`
}

// StreamMessage is one frame on the /v1/events websocket.
type StreamMessage struct {
	// Type is "subscribed" for the first frame and "transition" after.
	Type  string             `json:"type"`
	Event *coordinator.Event `json:"event,omitempty"`
}

// ErrorResponse is the body of every 4xx/5xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
