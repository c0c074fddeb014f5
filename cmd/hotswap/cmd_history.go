// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/hotswap/pkg/ux"
	"github.com/AleutianAI/hotswap/services/hotswap/coordinator"
	"github.com/AleutianAI/hotswap/services/hotswap/journal"
)

func runHistoryCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	logger, _, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	jcfg := cfg.Journal
	jcfg.Logger = logger.Slog().With("component", "journal")
	j, err := journal.Open(jcfg)
	if err != nil {
		// Badger holds a directory lock while serve is running.
		return fmt.Errorf("open journal %s (is serve running?): %w", jcfg.Path, err)
	}
	defer j.Close()

	records, err := j.List(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	return printHistory(ux.New(cmd.OutOrStdout()), records, historyJSON)
}

// printHistory writes records newest first, either as a table or as one
// JSON object per line. JSON is never styled.
func printHistory(out *ux.Output, records []journal.Record, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out.Writer())
		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	}

	if len(records) == 0 {
		out.Muted("no updates recorded")
		return nil
	}
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			fmt.Sprintf("%d", rec.Seq),
			rec.Finished.Local().Format(time.DateTime),
			rec.State,
			rec.Finished.Sub(rec.Started).Round(time.Millisecond).String(),
			rec.Locator,
			historyResult(rec),
		})
	}
	out.Table([]string{"SEQ", "FINISHED", "STATE", "DURATION", "LOCATOR", "RESULT"}, rows,
		func(row []string) string {
			if row[2] == coordinator.StateDone.String() {
				return "success"
			}
			return "failure"
		})
	return nil
}

// historyResult is the swap for a finished update, or the failure cause.
func historyResult(rec journal.Record) string {
	if !rec.Succeeded() {
		if rec.Error != "" {
			return rec.ErrorKind + ": " + rec.Error
		}
		return rec.ErrorKind
	}
	if rec.Previous != "" {
		return rec.Previous + " -> " + rec.Operator
	}
	return rec.Operator
}
