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
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/hotswap/pkg/logging"
	"github.com/AleutianAI/hotswap/pkg/ux"
	"github.com/AleutianAI/hotswap/services/hotswap/config"
	"github.com/AleutianAI/hotswap/services/hotswap/driver"
	"github.com/AleutianAI/hotswap/services/hotswap/module"
)

func runInspectCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	logger, _, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	return inspect(cmd.Context(), cmd.OutOrStdout(), cfg, logger, args[0])
}

// inspect loads locator outside any registry, scores one sample feature
// and releases the handle again, verifying that it was torn down.
func inspect(ctx context.Context, out io.Writer, cfg config.Config, logger *logging.Logger, locator string) error {
	static, gcs, opener := buildOpener(ctx, cfg.Modules, logger.Slog())
	if gcs != nil {
		defer gcs.Close()
	}
	loader, err := module.NewLoader(module.LoaderConfig{
		Opener: opener,
		Logger: logger.Slog().With("component", "loader"),
	})
	if err != nil {
		return err
	}

	h, err := loader.Load(ctx, locator)
	if err != nil {
		return err
	}
	feature := driver.FeatureFor(1, 1)
	score := h.Operator().Compute(feature)

	w := ux.New(out)
	w.Field("locator", locator)
	w.Field("operator", h.Name())
	w.Field("generation", fmt.Sprintf("%d", h.Generation()))
	w.Field("feature", fmt.Sprintf("user=%d item=%d user_feature=%.2f item_feature=%.2f",
		feature.UserID, feature.ItemID, feature.UserFeature, feature.ItemFeature))
	w.Field("score", fmt.Sprintf("%.6f", score))

	h.Release()
	if !h.TornDown() {
		return fmt.Errorf("%s: handle still referenced after release", locator)
	}
	if strings.HasPrefix(locator, module.BuiltinScheme) {
		st := static.Stats()
		w.Field("released", fmt.Sprintf("ok (opens=%d closes=%d resident=%d)", st.Opens, st.Closes, st.Resident))
	} else {
		w.Field("released", "ok")
	}
	return nil
}
