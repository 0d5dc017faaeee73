// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"time"

	"github.com/enclave-foundation/enclave/lib/ipc"
)

// scheduleLiveness arms the snap's liveness timer. One timer per
// executing snap; termination stops it. The timer is only rearmed
// after a successful ping, so a snap that missed one ping is never
// pinged again.
func (s *Service) scheduleLiveness(snapID, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.jobs[jobID]; !running {
		return
	}
	s.timers[snapID] = time.AfterFunc(s.pollingInterval, func() {
		s.pollLiveness(snapID, jobID)
	})
}

// pollLiveness sends one liveness ping, raced against the
// unresponsive timeout. Success reschedules; failure publishes
// unresponsive exactly once and stops polling. A job that was
// terminated while the ping was in flight publishes nothing — an
// orderly shutdown is not unresponsiveness.
func (s *Service) pollLiveness(snapID, jobID string) {
	s.mu.Lock()
	j, running := s.jobs[jobID]
	s.mu.Unlock()
	if !running {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.unresponsiveTimeout)
	defer cancel()
	_, err := j.engine.Call(ctx, ipc.MethodPing, nil)
	if err == nil {
		s.scheduleLiveness(snapID, jobID)
		return
	}

	s.mu.Lock()
	_, running = s.jobs[jobID]
	delete(s.timers, snapID)
	s.mu.Unlock()
	if !running {
		return
	}

	s.logger.Warn("snap unresponsive", "snap_id", snapID, "job_id", jobID, "error", err)
	s.messenger.PublishUnresponsive(snapID)
}
