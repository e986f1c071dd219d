package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thornvale/worldscheduler/job"
)

// fakeSource hands out a fixed set of jobs once, then reports empty. It
// records every Ack/Fail settlement.
type fakeSource struct {
	mu      sync.Mutex
	pending []*job.Job
	acked   []string
	failed  map[string]bool // id -> requeue flag
	renews  int
}

func newFakeSource(jobs ...*job.Job) *fakeSource {
	return &fakeSource{pending: jobs, failed: make(map[string]bool)}
}

func (f *fakeSource) Reserve(_ context.Context, _ string, _ time.Duration) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, nil
	}
	j := f.pending[0]
	f.pending = f.pending[1:]
	return j, nil
}

func (f *fakeSource) Renew(_ context.Context, _, _ string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renews++
	return true, nil
}

func (f *fakeSource) Ack(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeSource) Fail(_ context.Context, id string, _ error, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = requeue
	return nil
}

func (f *fakeSource) settled() (acked []string, failed map[string]bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acked = append([]string(nil), f.acked...)
	failed = make(map[string]bool, len(f.failed))
	for k, v := range f.failed {
		failed[k] = v
	}
	return acked, failed
}

func mkJob(kind job.Kind) *job.Job {
	return &job.Job{ID: uuid.NewString(), Kind: kind, CampaignID: "campaign-1"}
}

func runDispatcher(t *testing.T, d *Dispatcher, wait time.Duration) {
	t.Helper()
	d.Start()
	time.Sleep(wait)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
}

func TestDispatcherRoutesByKind(t *testing.T) {
	effectJob := mkJob(job.KindDeferredEffect)
	growthJob := mkJob(job.KindSettlementGrowth)
	src := newFakeSource(effectJob, growthJob)

	var mu sync.Mutex
	seen := map[job.Kind][]string{}
	record := func(kind job.Kind) HandlerFunc {
		return func(_ context.Context, j *job.Job) job.Outcome {
			mu.Lock()
			seen[kind] = append(seen[kind], j.ID)
			mu.Unlock()
			return job.Success()
		}
	}

	d := New(src, Options{Workers: 2, PollInterval: 10 * time.Millisecond}, hclog.NewNullLogger())
	d.Register(job.KindDeferredEffect, record(job.KindDeferredEffect))
	d.Register(job.KindSettlementGrowth, record(job.KindSettlementGrowth))
	runDispatcher(t, d, 100*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{effectJob.ID}, seen[job.KindDeferredEffect])
	assert.Equal(t, []string{growthJob.ID}, seen[job.KindSettlementGrowth])

	acked, _ := src.settled()
	assert.ElementsMatch(t, []string{effectJob.ID, growthJob.ID}, acked)
}

func TestDispatcherOutcomeSettlement(t *testing.T) {
	okJob := mkJob(job.KindDeferredEffect)
	retryJob := mkJob(job.KindEventExpiration)
	terminalJob := mkJob(job.KindStructureMaintenance)
	src := newFakeSource(okJob, retryJob, terminalJob)

	d := New(src, Options{Workers: 1, PollInterval: 10 * time.Millisecond}, hclog.NewNullLogger())
	d.Register(job.KindDeferredEffect, HandlerFunc(func(context.Context, *job.Job) job.Outcome {
		return job.Success()
	}))
	d.Register(job.KindEventExpiration, HandlerFunc(func(context.Context, *job.Job) job.Outcome {
		return job.Retry(errors.New("transient"))
	}))
	d.Register(job.KindStructureMaintenance, HandlerFunc(func(context.Context, *job.Job) job.Outcome {
		return job.Terminal(errors.New("unrecoverable"))
	}))
	runDispatcher(t, d, 100*time.Millisecond)

	acked, failed := src.settled()
	assert.Equal(t, []string{okJob.ID}, acked)
	requeue, ok := failed[retryJob.ID]
	require.True(t, ok)
	assert.True(t, requeue, "retry outcome must requeue")
	requeue, ok = failed[terminalJob.ID]
	require.True(t, ok)
	assert.False(t, requeue, "terminal outcome must not requeue")
}

func TestDispatcherUnknownKindIsTerminal(t *testing.T) {
	j := mkJob(job.Kind("mysteryKind"))
	src := newFakeSource(j)

	d := New(src, Options{Workers: 1, PollInterval: 10 * time.Millisecond}, hclog.NewNullLogger())
	runDispatcher(t, d, 100*time.Millisecond)

	_, failed := src.settled()
	requeue, ok := failed[j.ID]
	require.True(t, ok, "unknown kind must be failed")
	assert.False(t, requeue)
}

func TestDispatcherRecoversFromPanic(t *testing.T) {
	j := mkJob(job.KindDeferredEffect)
	src := newFakeSource(j)

	d := New(src, Options{Workers: 1, PollInterval: 10 * time.Millisecond}, hclog.NewNullLogger())
	d.Register(job.KindDeferredEffect, HandlerFunc(func(context.Context, *job.Job) job.Outcome {
		panic("handler bug")
	}))
	runDispatcher(t, d, 100*time.Millisecond)

	_, failed := src.settled()
	requeue, ok := failed[j.ID]
	require.True(t, ok, "a panicking handler must fail the job")
	assert.True(t, requeue, "panics are retryable")
}

func TestDispatcherRenewsLongRunningJobs(t *testing.T) {
	j := mkJob(job.KindDeferredEffect)
	src := newFakeSource(j)

	d := New(src, Options{Workers: 1, PollInterval: 10 * time.Millisecond, Lease: 30 * time.Millisecond}, hclog.NewNullLogger())
	d.Register(job.KindDeferredEffect, HandlerFunc(func(context.Context, *job.Job) job.Outcome {
		time.Sleep(120 * time.Millisecond)
		return job.Success()
	}))
	runDispatcher(t, d, 200*time.Millisecond)

	src.mu.Lock()
	renews := src.renews
	src.mu.Unlock()
	assert.Greater(t, renews, 0, "lease must be renewed while the handler runs")
}

func TestDispatcherDefaults(t *testing.T) {
	d := New(newFakeSource(), Options{}, hclog.NewNullLogger())
	assert.Equal(t, defaultWorkers, d.workers)
	assert.Equal(t, defaultPollInterval, d.pollInterval)
	assert.Equal(t, defaultLease, d.lease)
}
