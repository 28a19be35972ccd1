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
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStream defaults.
const (
	streamName     = "ANALYSIS"
	subjectPrefix  = "analysis.jobs."
	consumerName   = "ckg-workers"
	defaultAckWait = 180 * time.Second
	dedupWindow    = 2 * time.Minute
	fetchWait      = 5 * time.Second
)

// JetStreamQueue is the durable queue. One stream holds all jobs under
// analysis.jobs.<project_id>; a shared durable consumer feeds the workers.
// AckWait is the visibility timeout: a worker that dies mid-job leaves the
// message to reappear for another worker.
type JetStreamQueue struct {
	nc       *nats.Conn
	consumer jetstream.Consumer
	js       jetstream.JetStream
	logger   *slog.Logger
	ownsConn bool
}

// JetStreamOptions tunes the queue. Zero values select the defaults.
type JetStreamOptions struct {
	AckWait    time.Duration
	MaxDeliver int
	Logger     *slog.Logger
}

// NewJetStream connects to the broker and provisions the stream and the
// durable consumer, both idempotently.
func NewJetStream(ctx context.Context, url string, opts JetStreamOptions) (*JetStreamQueue, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	q, err := newJetStream(ctx, nc, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	q.ownsConn = true
	return q, nil
}

func newJetStream(ctx context.Context, nc *nats.Conn, opts JetStreamOptions) (*JetStreamQueue, error) {
	if opts.AckWait <= 0 {
		opts.AckWait = defaultAckWait
	}
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ">"},
		Retention:  jetstream.WorkQueuePolicy,
		Duplicates: dedupWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", streamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: subjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       opts.AckWait,
		MaxDeliver:    opts.MaxDeliver,
		// One unacked message at a time keeps delivery in stream order, so
		// jobs for the same project never run concurrently.
		MaxAckPending: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	return &JetStreamQueue{
		nc:       nc,
		consumer: consumer,
		js:       js,
		logger:   opts.Logger,
	}, nil
}

// Enqueue publishes the job to its project subject. The job ID rides as the
// message ID so the broker drops duplicates inside the dedup window.
func (q *JetStreamQueue) Enqueue(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = q.js.Publish(ctx, subjectPrefix+job.ProjectID, data,
		jetstream.WithMsgID(job.JobID))
	if err != nil {
		return fmt.Errorf("publish job %s: %w", job.JobID, err)
	}
	q.logger.Info("queue.job.enqueued", "job_id", job.JobID, "kind", job.Kind, "project_id", job.ProjectID)
	return nil
}

// Dequeue blocks until a job arrives. A message that fails to decode is
// terminated so the broker stops redelivering it.
func (q *JetStreamQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgs, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			q.logger.Debug("queue.fetch.error", "error", err)
			continue
		}
		for msg := range msgs.Messages() {
			var job Job
			if err := json.Unmarshal(msg.Data(), &job); err != nil {
				q.logger.Warn("queue.job.malformed", "subject", msg.Subject(), "error", err)
				if termErr := msg.Term(); termErr != nil {
					q.logger.Warn("queue.job.term_failed", "error", termErr)
				}
				continue
			}
			return &Delivery{Job: job, ack: msg.Ack, nak: msg.Nak}, nil
		}
	}
}

// Close releases the connection when this queue opened it.
func (q *JetStreamQueue) Close() error {
	if q.ownsConn && q.nc != nil {
		q.nc.Close()
	}
	return nil
}
