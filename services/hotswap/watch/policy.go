// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch turns a module directory into update requests.
//
// Modules are published as files named name_vMAJOR[.MINOR[.PATCH]][-pre].so,
// one file per version. Whenever the directory changes, the highest
// version present becomes the requested module. Files without a version
// rank below every versioned file and are ordered by name.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"golang.org/x/mod/semver"

	"github.com/AleutianAI/hotswap/services/hotswap/coordinator"
)

var versionPattern = regexp.MustCompile(`_(v\d+(?:\.\d+){0,2}(?:-[0-9A-Za-z.-]+)?)\.so$`)

// Version extracts the semantic version from a module file name.
func Version(name string) (string, bool) {
	m := versionPattern.FindStringSubmatch(filepath.Base(name))
	if m == nil || !semver.IsValid(m[1]) {
		return "", false
	}
	return m[1], true
}

// Candidate is one module file found in the directory.
type Candidate struct {
	Path    string
	Version string
}

// Less orders candidates by version, then by name.
func (c Candidate) Less(o Candidate) bool {
	switch {
	case c.Version == "" && o.Version != "":
		return true
	case c.Version != "" && o.Version == "":
		return false
	}
	if cmp := semver.Compare(c.Version, o.Version); cmp != 0 {
		return cmp < 0
	}
	return filepath.Base(c.Path) < filepath.Base(o.Path)
}

// Scan lists the modules in dir matching pattern, lowest first.
func Scan(dir, pattern string) ([]Candidate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan module dir: %w", err)
	}
	var out []Candidate
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if ok, _ := filepath.Match(pattern, e.Name()); !ok {
			continue
		}
		v, _ := Version(e.Name())
		out = append(out, Candidate{Path: filepath.Join(dir, e.Name()), Version: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

// Latest returns the highest module in dir.
func Latest(dir, pattern string) (Candidate, bool, error) {
	all, err := Scan(dir, pattern)
	if err != nil || len(all) == 0 {
		return Candidate{}, false, err
	}
	return all[len(all)-1], true, nil
}

// Updater runs an update request. *coordinator.Coordinator implements it.
type Updater interface {
	Request(ctx context.Context, locator string) (coordinator.Outcome, error)
}

// Policy requests an update whenever the latest module in a directory
// changes.
//
// # Description
//
// A failed update is remembered as well, so a broken file is not retried
// on every unrelated change; publishing a newer version or touching the
// same file again re-evaluates it.
//
// # Thread Safety
//
// Evaluate is serialized internally.
type Policy struct {
	dir     string
	pattern string
	updater Updater
	logger  *slog.Logger

	mu   sync.Mutex
	last string
}

// NewPolicy creates a policy over dir. lastLocator is the module already
// current, if any, so startup does not reload it.
func NewPolicy(dir, pattern string, updater Updater, lastLocator string, logger *slog.Logger) *Policy {
	if pattern == "" {
		pattern = DefaultOptions().Pattern
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{dir: dir, pattern: pattern, updater: updater, logger: logger, last: lastLocator}
}

// Evaluate requests the latest module if it differs from the last one
// requested. touched lists paths that changed; a touched path equal to the
// last request forces a retry.
//
// Returns the outcome and true when a request was made.
func (p *Policy) Evaluate(ctx context.Context, touched []string) (coordinator.Outcome, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	latest, ok, err := Latest(p.dir, p.pattern)
	if err != nil {
		return coordinator.Outcome{}, false, err
	}
	if !ok {
		return coordinator.Outcome{}, false, nil
	}

	retouched := false
	for _, t := range touched {
		if filepath.Clean(t) == filepath.Clean(latest.Path) {
			retouched = true
			break
		}
	}
	if latest.Path == p.last && !retouched {
		return coordinator.Outcome{}, false, nil
	}

	p.last = latest.Path
	p.logger.Info("module directory changed, requesting update",
		"locator", latest.Path,
		"version", latest.Version)
	out, err := p.updater.Request(ctx, latest.Path)
	return out, true, err
}

// Run watches the directory until ctx is done, evaluating once at start
// and after every debounced batch.
func (p *Policy) Run(ctx context.Context, opts *Options) error {
	if opts == nil {
		o := DefaultOptions()
		opts = &o
	}
	if opts.Pattern == "" {
		opts.Pattern = p.pattern
	}
	if opts.Logger == nil {
		opts.Logger = p.logger
	}

	w, err := NewWatcher(p.dir, func(changes []Change) {
		paths := make([]string, 0, len(changes))
		for _, c := range changes {
			if c.Op == OpCreate || c.Op == OpWrite {
				paths = append(paths, c.Path)
			}
		}
		p.evaluateAndLog(ctx, paths)
	}, opts)
	if err != nil {
		return fmt.Errorf("create module watcher: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return fmt.Errorf("watch %s: %w", p.dir, err)
	}
	defer w.Stop()

	p.evaluateAndLog(ctx, nil)
	<-ctx.Done()
	return nil
}

func (p *Policy) evaluateAndLog(ctx context.Context, touched []string) {
	out, requested, err := p.Evaluate(ctx, touched)
	switch {
	case err != nil && requested:
		p.logger.Warn("module update from directory failed",
			"locator", out.Locator,
			"error_kind", out.ErrorKind,
			"error", err)
	case err != nil:
		p.logger.Warn("module directory scan failed", "dir", p.dir, "error", err)
	}
}
