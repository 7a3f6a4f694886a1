// Copyright (C) ClusterCockpit.
// All rights reserved. This file is part of cc-profdb.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package housekeep runs periodic progress-reporting jobs during a long
// pipeline ingestion, repurposing the teacher's taskManager scheduler
// bootstrap (job-archive retention/compression workers) into a single
// heartbeat job over pipeline.Driver state.
package housekeep

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/ClusterCockpit/cc-profdb/internal/pipeline"
	"github.com/ClusterCockpit/cc-profdb/pkg/log"
)

// DefaultInterval is the heartbeat period used unless a caller overrides
// it (SPEC_FULL.md §4.1).
const DefaultInterval = 30 * time.Second

// Housekeeper wraps a gocron.Scheduler running one heartbeat job that logs
// the driver's ingestion progress.
type Housekeeper struct {
	scheduler gocron.Scheduler
}

// Start registers and starts the heartbeat job against driver, logging
// progress every interval (DefaultInterval if interval <= 0).
func Start(driver *pipeline.Driver, interval time.Duration) (*Housekeeper, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("housekeep: could not create gocron scheduler: %w", err)
	}

	h := &Housekeeper{scheduler: s}
	if _, err := s.NewJob(gocron.DurationJob(interval), gocron.NewTask(func() {
		h.logHeartbeat(driver)
	})); err != nil {
		return nil, fmt.Errorf("housekeep: could not register heartbeat job: %w", err)
	}

	s.Start()
	return h, nil
}

func (h *Housekeeper) logHeartbeat(driver *pipeline.Driver) {
	fired := driver.FiredClasses()
	running := driver.SourcesRunning()
	log.Infof("pipeline progress: classes fired=%s, sources still running=%d", fired, running)
}

// Shutdown stops the scheduler; it does not block waiting for the driver.
func (h *Housekeeper) Shutdown() error {
	return h.scheduler.Shutdown()
}
