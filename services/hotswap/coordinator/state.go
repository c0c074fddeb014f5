// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"fmt"
	"time"
)

// State is a step of one update request.
type State int

const (
	// StateIdle is the state before a request starts.
	StateIdle State = iota

	// StateLoading means the loader is resolving the locator.
	StateLoading

	// StatePublishing means the new handle is being swapped into the registry.
	StatePublishing

	// StateDraining means the previous handle is being given time to drain.
	StateDraining

	// StateDone is terminal: the new module is current.
	StateDone

	// StateFailed is terminal: the load failed and the registry is unchanged.
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePublishing:
		return "publishing"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a request.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown update state %q", text)
}

// Outcome is the terminal result of one update request.
type Outcome struct {
	// ID identifies the request.
	ID string `json:"id"`

	// Locator is the requested module.
	Locator string `json:"locator"`

	// State is StateDone or StateFailed.
	State State `json:"state"`

	// Operator is the name of the published operator (Done only).
	Operator string `json:"operator,omitempty"`

	// Previous is the name of the operator that was replaced, if any.
	Previous string `json:"previous,omitempty"`

	// Generation is the published handle's generation (Done only).
	Generation uint64 `json:"generation,omitempty"`

	// Err is the failure cause (Failed only).
	Err error `json:"-"`

	// ErrorKind classifies Err, e.g. "module_not_found".
	ErrorKind string `json:"error_kind,omitempty"`

	// Drained reports whether the previous handle was torn down before the
	// request finished. False is normal while readers still hold it.
	Drained bool `json:"drained"`

	// TraceContext carries the request's trace context.
	TraceContext map[string]string `json:"trace_context,omitempty"`

	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// Succeeded reports whether the update took effect.
func (o Outcome) Succeeded() bool { return o.State == StateDone }

// ErrorMessage returns Err's message or "".
func (o Outcome) ErrorMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Event is one state transition of one request.
type Event struct {
	UpdateID string    `json:"update_id"`
	Locator  string    `json:"locator"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	At       time.Time `json:"at"`
	Operator string    `json:"operator,omitempty"`
	Error    string    `json:"error,omitempty"`
}
