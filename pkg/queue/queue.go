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

// Package queue carries analysis jobs between the API side and the workers.
// Delivery is at-least-once with explicit acknowledgement; jobs for the same
// project are delivered in enqueue order.
package queue

import (
	"context"
	"errors"
	"time"
)

// Job kinds.
const (
	KindFullScan = "full_scan"
	KindPRScan   = "pr_scan"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue: closed")

// RepoRef tells the worker what to fetch.
type RepoRef struct {
	URL        string `json:"url"`
	Branch     string `json:"branch,omitempty"`
	Commit     string `json:"commit,omitempty"`
	BaseBranch string `json:"base_branch,omitempty"`
	HeadBranch string `json:"head_branch,omitempty"`
	Username   string `json:"username,omitempty"`
	Token      string `json:"token,omitempty"`
}

// LLMConfig is the per-job model selection; empty fields fall back to the
// worker's process defaults.
type LLMConfig struct {
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	APIKey      string  `json:"api_key,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// PRInfo carries pull-request metadata for pr_scan jobs.
type PRInfo struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
}

// Job is the queue envelope. JobID doubles as the deduplication key: a
// second enqueue with the same JobID is dropped by the broker.
type Job struct {
	JobID          string    `json:"job_id"`
	Kind           string    `json:"kind"`
	ProjectID      string    `json:"project_id"`
	RepoRef        RepoRef   `json:"repo_ref"`
	RequestedAt    time.Time `json:"requested_at"`
	LLMConfig      LLMConfig `json:"llm_config"`
	OutputLanguage string    `json:"output_language,omitempty"`
	ProjectNotes   string    `json:"project_notes,omitempty"`
	AnalysisType   string    `json:"analysis_type,omitempty"`
	PR             *PRInfo   `json:"pr,omitempty"`
}

// Validate checks the fields every consumer relies on.
func (j Job) Validate() error {
	if j.JobID == "" {
		return errors.New("queue: job_id is required")
	}
	if j.ProjectID == "" {
		return errors.New("queue: project_id is required")
	}
	switch j.Kind {
	case KindFullScan, KindPRScan:
	default:
		return errors.New("queue: unknown job kind " + j.Kind)
	}
	if j.RepoRef.URL == "" {
		return errors.New("queue: repo url is required")
	}
	return nil
}

// Delivery is one received job. Exactly one of Ack or Nak must be called;
// an unacknowledged delivery reappears after the visibility timeout.
type Delivery struct {
	Job Job

	ack func() error
	nak func() error
}

// Ack marks the job as done; it will not be redelivered.
func (d *Delivery) Ack() error { return d.ack() }

// Nak returns the job to the queue for redelivery.
func (d *Delivery) Nak() error { return d.nak() }

// Queue is the job transport.
type Queue interface {
	// Enqueue publishes a job. Duplicate JobIDs within the dedup window
	// are silently dropped.
	Enqueue(ctx context.Context, job Job) error

	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)

	Close() error
}
