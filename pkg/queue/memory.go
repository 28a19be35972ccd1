// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Memory is the in-process queue used by tests and single-binary runs. It
// keeps the broker semantics: per-project FIFO, at-least-once delivery with
// a visibility timeout, and JobID deduplication.
type Memory struct {
	mu       sync.Mutex
	pending  map[string][]*memEntry // per project, FIFO
	projects []string               // project scan order, first-enqueue wins
	inflight map[string]*memEntry   // project -> unacked entry
	timers   map[string]*time.Timer // job id -> visibility timer
	seen     map[string]bool        // job ids inside the dedup window
	wake     chan struct{}
	closed   bool

	visibility time.Duration
	maxDeliver int
	logger     *slog.Logger
}

type memEntry struct {
	job      Job
	attempts int
}

// MemoryOptions tunes the in-process queue.
type MemoryOptions struct {
	Visibility time.Duration // default 30s
	MaxDeliver int           // default 3
	Logger     *slog.Logger
}

// NewMemory creates an empty in-process queue.
func NewMemory(opts MemoryOptions) *Memory {
	if opts.Visibility <= 0 {
		opts.Visibility = 30 * time.Second
	}
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Memory{
		pending:    make(map[string][]*memEntry),
		inflight:   make(map[string]*memEntry),
		timers:     make(map[string]*time.Timer),
		seen:       make(map[string]bool),
		wake:       make(chan struct{}),
		visibility: opts.Visibility,
		maxDeliver: opts.MaxDeliver,
		logger:     opts.Logger,
	}
}

// Enqueue appends the job to its project's FIFO. A JobID already seen is
// dropped without error, matching broker deduplication.
func (m *Memory) Enqueue(_ context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.seen[job.JobID] {
		m.logger.Debug("queue.job.duplicate", "job_id", job.JobID)
		return nil
	}
	m.seen[job.JobID] = true
	if _, ok := m.pending[job.ProjectID]; !ok {
		if !m.hasProject(job.ProjectID) {
			m.projects = append(m.projects, job.ProjectID)
		}
	}
	m.pending[job.ProjectID] = append(m.pending[job.ProjectID], &memEntry{job: job})
	m.broadcast()
	return nil
}

// Dequeue pops the oldest job of the first project with no unacked delivery.
// A project stays blocked while one of its jobs is in flight, so jobs of one
// project never interleave.
func (m *Memory) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if d := m.tryDequeueLocked(); d != nil {
			m.mu.Unlock()
			return d, nil
		}
		wake := m.wake
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// Close rejects further operations. In-flight deliveries are abandoned.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, t := range m.timers {
		t.Stop()
	}
	m.broadcast()
	return nil
}

// Depth reports the number of pending jobs, for tests and status output.
func (m *Memory) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.pending {
		n += len(q)
	}
	return n
}

func (m *Memory) hasProject(id string) bool {
	for _, p := range m.projects {
		if p == id {
			return true
		}
	}
	return false
}

func (m *Memory) broadcast() {
	close(m.wake)
	m.wake = make(chan struct{})
}

func (m *Memory) tryDequeueLocked() *Delivery {
	for _, project := range m.projects {
		if m.inflight[project] != nil || len(m.pending[project]) == 0 {
			continue
		}
		entry := m.pending[project][0]
		m.pending[project] = m.pending[project][1:]
		entry.attempts++
		m.inflight[project] = entry

		jobID := entry.job.JobID
		m.timers[jobID] = time.AfterFunc(m.visibility, func() {
			m.expire(project, jobID)
		})
		return &Delivery{
			Job: entry.job,
			ack: func() error { return m.settle(project, jobID, true) },
			nak: func() error { return m.settle(project, jobID, false) },
		}
	}
	return nil
}

// settle resolves an in-flight delivery. Ack drops the job; Nak returns it
// to the head of its project queue, or drops it once delivery attempts are
// exhausted.
func (m *Memory) settle(project, jobID string, ack bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.inflight[project]
	if entry == nil || entry.job.JobID != jobID {
		return nil // already expired and redelivered
	}
	if t := m.timers[jobID]; t != nil {
		t.Stop()
		delete(m.timers, jobID)
	}
	delete(m.inflight, project)
	if !ack {
		m.requeueLocked(project, entry)
	}
	m.broadcast()
	return nil
}

// expire fires when the visibility timeout passes without an ack.
func (m *Memory) expire(project, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.inflight[project]
	if entry == nil || entry.job.JobID != jobID || m.closed {
		return
	}
	delete(m.timers, jobID)
	delete(m.inflight, project)
	m.logger.Warn("queue.job.visibility_expired", "job_id", jobID, "project_id", project)
	m.requeueLocked(project, entry)
	m.broadcast()
}

func (m *Memory) requeueLocked(project string, entry *memEntry) {
	if entry.attempts >= m.maxDeliver {
		m.logger.Warn("queue.job.delivery_exhausted",
			"job_id", entry.job.JobID, "attempts", entry.attempts)
		return
	}
	m.pending[project] = append([]*memEntry{entry}, m.pending[project]...)
}
