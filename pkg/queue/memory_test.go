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
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testQueue(t *testing.T, opts MemoryOptions) *Memory {
	t.Helper()
	opts.Logger = quietLogger()
	q := NewMemory(opts)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func job(id, project string) Job {
	return Job{
		JobID:       id,
		Kind:        KindFullScan,
		ProjectID:   project,
		RepoRef:     RepoRef{URL: "https://example.com/repo.git", Branch: "main"},
		RequestedAt: time.Now(),
	}
}

func TestValidateRejectsBadJobs(t *testing.T) {
	assert.Error(t, Job{}.Validate())
	assert.Error(t, job("j1", "").Validate())

	bad := job("j1", "p")
	bad.Kind = "resync"
	assert.Error(t, bad.Validate())

	noURL := job("j1", "p")
	noURL.RepoRef.URL = ""
	assert.Error(t, noURL.Validate())

	assert.NoError(t, job("j1", "p").Validate())
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := testQueue(t, MemoryOptions{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, job("j1", "p")))
	require.NoError(t, q.Enqueue(ctx, job("j2", "p")))

	d1, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j1", d1.Job.JobID)
	require.NoError(t, d1.Ack())

	d2, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j2", d2.Job.JobID)
	require.NoError(t, d2.Ack())
	assert.Zero(t, q.Depth())
}

func TestDuplicateJobIDDropped(t *testing.T) {
	q := testQueue(t, MemoryOptions{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, job("j1", "p")))
	require.NoError(t, q.Enqueue(ctx, job("j1", "p")))
	assert.Equal(t, 1, q.Depth())
}

func TestProjectBlocksWhileInFlight(t *testing.T) {
	q := testQueue(t, MemoryOptions{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, job("a1", "alpha")))
	require.NoError(t, q.Enqueue(ctx, job("a2", "alpha")))
	require.NoError(t, q.Enqueue(ctx, job("b1", "beta")))

	d1, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a1", d1.Job.JobID)

	// alpha has an unacked job, so the next delivery must come from beta.
	d2, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b1", d2.Job.JobID)

	require.NoError(t, d1.Ack())
	d3, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a2", d3.Job.JobID)
}

func TestNakRedeliversAtHead(t *testing.T) {
	q := testQueue(t, MemoryOptions{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, job("j1", "p")))
	require.NoError(t, q.Enqueue(ctx, job("j2", "p")))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Nak())

	// Order survives the redelivery.
	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j1", again.Job.JobID)
}

func TestNakExhaustsAfterMaxDeliver(t *testing.T) {
	q := testQueue(t, MemoryOptions{MaxDeliver: 2})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, job("j1", "p")))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Nak())

	d, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Nak())

	// Second Nak hit the delivery ceiling; the job is gone.
	assert.Zero(t, q.Depth())
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	q := testQueue(t, MemoryOptions{Visibility: 20 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, job("j1", "p")))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)

	// Never acked; the timeout hands it to the next consumer.
	redelivered, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j1", redelivered.Job.JobID)
	require.NoError(t, redelivered.Ack())

	// The stale handle settles as a no-op.
	assert.NoError(t, first.Ack())
}

func TestDequeueHonorsContext(t *testing.T) {
	q := testQueue(t, MemoryOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseUnblocksDequeue(t *testing.T) {
	q := NewMemory(MemoryOptions{Logger: quietLogger()})
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after Close")
	}
}
