// Copyright (C) ClusterCockpit.
// All rights reserved. This file is part of cc-profdb.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sources

import (
	"github.com/ClusterCockpit/cc-profdb/internal/pipeline"
	"github.com/ClusterCockpit/cc-profdb/internal/profile"
)

// ensureStandardStatistics registers the standard sum/mean/min/max/stddev/cv
// StatisticPartials and Statistics on m exactly once. ops.MetricAdd uniques
// Metrics by name, so a second file touching the same metric name gets back
// the very same *profile.Metric another source (or an earlier file in this
// one) already registered; re-running AddStandardStatistics against it would
// duplicate every StatisticPartial, shifting every later (partial, scope)
// identifier computed via Metric.Identifier. Frozen reports whether
// AddPartial/AddStatistic has already run, so it doubles as the guard.
//
// withExtra additionally derives a "<name>.range" ExtraStatistic (max - min)
// through ops.ExtraStatisticAdd - the one bit of behavior that distinguishes
// -metric stats from -metric sum (see DESIGN.md).
func ensureStandardStatistics(ops pipeline.Ops, m *profile.Metric, withExtra bool) error {
	if !m.Frozen() {
		if err := profile.AddStandardStatistics(m); err != nil {
			return err
		}
	}
	if withExtra {
		inputs := []string{m.Name + ".max", m.Name + ".min"}
		if _, err := ops.ExtraStatisticAdd(m.Name+".range", inputs, "m0 - m1"); err != nil {
			return err
		}
	}
	return nil
}
