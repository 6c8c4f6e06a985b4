package batch

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umop66/scrapebatch/internal/testutil"
	"github.com/umop66/scrapebatch/pkg/fetcher"
	"github.com/umop66/scrapebatch/pkg/limiter"
	"github.com/umop66/scrapebatch/pkg/upstream"
)

func testPolicy() fetcher.RetryPolicy {
	return fetcher.RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         time.Millisecond,
		BackoffMultiplier: 2.0,
		RequestTimeout:    5 * time.Second,
	}
}

// newTestClient points an upstream client at the mock scraping service.
func newTestClient(t *testing.T, mock *testutil.MockUpstream) *upstream.Client {
	t.Helper()
	client, err := upstream.New(upstream.Config{
		BaseURL: mock.URL(),
		APIKey:  "test-key",
	})
	require.NoError(t, err)
	return client
}

func TestNew_InvalidLimit(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	client := newTestClient(t, mock)

	for _, limit := range []int{0, -1} {
		_, err := New(client, Config{Limit: limit, Policy: testPolicy()})
		require.Error(t, err, "limit %d should be rejected", limit)
		assert.ErrorIs(t, err, limiter.ErrInvalidLimit)
	}

	// No job may be dispatched before construction fails.
	assert.Equal(t, 0, mock.RequestCount())
}

func TestNew_InvalidPolicy(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	client := newTestClient(t, mock)

	_, err := New(client, Config{Limit: 2, Policy: fetcher.RetryPolicy{MaxAttempts: 0}})
	require.Error(t, err)
	assert.Equal(t, 0, mock.RequestCount())
}

func TestNew_MissingCaller(t *testing.T) {
	_, err := New(nil, Config{Limit: 2, Policy: testPolicy()})
	require.Error(t, err)
}

func TestRun_OrderedOutcomes(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	// Deliberately reordered completion: earlier jobs finish last.
	const jobCount = 6
	jobs := make([]fetcher.Job, jobCount)
	for i := range jobs {
		target := fmt.Sprintf("https://example.com/page/%d", i)
		jobs[i] = fetcher.Job{Target: target, Identity: fmt.Sprintf("id-%d", i)}
		delay := time.Duration(jobCount-i) * 20 * time.Millisecond
		mock.Script(target, testutil.Slow(fmt.Sprintf("payload-%d", i), delay))
	}

	d, err := New(newTestClient(t, mock), Config{Limit: jobCount, Policy: testPolicy()})
	require.NoError(t, err)

	outcomes, snapshot, err := d.Run(context.Background(), jobs)
	require.NoError(t, err)
	require.Len(t, outcomes, jobCount)

	for i, o := range outcomes {
		assert.Equal(t, fmt.Sprintf("id-%d", i), o.Identity, "outcome %d placed out of order", i)
		require.True(t, o.Success(), "job %d failed: %v", i, o.Err)
		assert.Equal(t, fmt.Sprintf("payload-%d", i), string(o.Payload))
	}
	assert.EqualValues(t, jobCount, snapshot.Total)
}

func TestRun_FiveJobsLimitTwo(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	jobs := make([]fetcher.Job, 5)
	for i := range jobs {
		target := fmt.Sprintf("https://example.com/item/%d", i)
		jobs[i] = fetcher.Job{Target: target, Identity: fmt.Sprintf("job-%d", i)}
		// Enough latency that attempts overlap if the limiter lets them.
		mock.Script(target, testutil.Slow("ok", 30*time.Millisecond))
	}

	d, err := New(newTestClient(t, mock), Config{Limit: 2, Policy: testPolicy()})
	require.NoError(t, err)

	outcomes, snapshot, err := d.Run(context.Background(), jobs)
	require.NoError(t, err)

	for i, o := range outcomes {
		require.True(t, o.Success(), "job %d failed: %v", i, o.Err)
		assert.Equal(t, 1, o.Attempts)
	}

	assert.EqualValues(t, 5, snapshot.Total)
	assert.EqualValues(t, 5, snapshot.Succeeded)
	assert.Equal(t, float64(100), snapshot.SuccessRate)
	assert.LessOrEqual(t, mock.MaxConcurrent(), 2,
		"more than 2 attempts were in flight concurrently")
}

func TestRun_ConcurrencyCeilingWithRetries(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	jobs := make([]fetcher.Job, 8)
	for i := range jobs {
		target := fmt.Sprintf("https://example.com/retry/%d", i)
		jobs[i] = fetcher.Job{Target: target}
		// Every job fails once and then succeeds, doubling attempt volume.
		mock.Script(target,
			testutil.MockResponse{StatusCode: http.StatusInternalServerError, Delay: 10 * time.Millisecond},
			testutil.Slow("recovered", 10*time.Millisecond),
		)
	}

	d, err := New(newTestClient(t, mock), Config{Limit: 3, Policy: testPolicy()})
	require.NoError(t, err)

	outcomes, snapshot, err := d.Run(context.Background(), jobs)
	require.NoError(t, err)

	for i, o := range outcomes {
		require.True(t, o.Success(), "job %d failed: %v", i, o.Err)
		assert.Equal(t, 2, o.Attempts)
	}
	assert.EqualValues(t, 16, snapshot.Total)
	assert.EqualValues(t, 8, snapshot.Succeeded)
	assert.EqualValues(t, 8, snapshot.Failed)
	assert.LessOrEqual(t, mock.MaxConcurrent(), 3)
}

func TestRun_FailuresIsolated(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	jobs := []fetcher.Job{
		{Target: "https://example.com/good-1", Identity: "a"},
		{Target: "https://example.com/gone", Identity: "b"},
		{Target: "https://example.com/good-2", Identity: "c"},
	}
	mock.Script("https://example.com/gone", testutil.NotFound())

	d, err := New(newTestClient(t, mock), Config{Limit: 3, Policy: testPolicy()})
	require.NoError(t, err)

	outcomes, snapshot, err := d.Run(context.Background(), jobs)
	require.NoError(t, err)

	assert.True(t, outcomes[0].Success())
	assert.True(t, outcomes[2].Success())

	require.False(t, outcomes[1].Success())
	var fe *fetcher.FetchError
	require.ErrorAs(t, outcomes[1].Err, &fe)
	assert.Equal(t, fetcher.KindUpstream, fe.Kind)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	// Non-retryable: one attempt only.
	assert.Equal(t, 1, outcomes[1].Attempts)

	assert.EqualValues(t, 3, snapshot.Total)
	assert.EqualValues(t, 2, snapshot.Succeeded)
}

// panicCaller panics for one target and delegates the rest.
type panicCaller struct {
	inner       fetcher.Caller
	panicTarget string
}

func (p *panicCaller) Do(ctx context.Context, req upstream.Request) (*upstream.Response, error) {
	if req.Target == p.panicTarget {
		panic("synthetic catastrophic failure")
	}
	return p.inner.Do(ctx, req)
}

func TestRun_PanicIsolation(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	caller := &panicCaller{
		inner:       newTestClient(t, mock),
		panicTarget: "https://example.com/explodes",
	}

	jobs := []fetcher.Job{
		{Target: "https://example.com/fine-1", Identity: "a"},
		{Target: "https://example.com/explodes", Identity: "b"},
		{Target: "https://example.com/fine-2", Identity: "c"},
	}

	d, err := New(caller, Config{Limit: 3, Policy: testPolicy()})
	require.NoError(t, err)

	outcomes, _, err := d.Run(context.Background(), jobs)

	// The fault is propagated without losing sibling results.
	require.Error(t, err)
	require.Len(t, outcomes, 3)
	assert.True(t, outcomes[0].Success())
	assert.True(t, outcomes[2].Success())
	require.False(t, outcomes[1].Success())
	assert.Equal(t, "b", outcomes[1].Identity)
	assert.Contains(t, outcomes[1].Err.Error(), "panic")
}

func TestRun_AssignsIdentities(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	jobs := []fetcher.Job{
		{Target: "https://example.com/1"},
		{Target: "https://example.com/2"},
	}

	d, err := New(newTestClient(t, mock), Config{Limit: 2, Policy: testPolicy()})
	require.NoError(t, err)

	outcomes, _, err := d.Run(context.Background(), jobs)
	require.NoError(t, err)

	require.NotEmpty(t, outcomes[0].Identity)
	require.NotEmpty(t, outcomes[1].Identity)
	assert.NotEqual(t, outcomes[0].Identity, outcomes[1].Identity)
}

func TestRun_Cancellation(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	const jobCount = 6
	jobs := make([]fetcher.Job, jobCount)
	for i := range jobs {
		target := fmt.Sprintf("https://example.com/slow/%d", i)
		jobs[i] = fetcher.Job{Target: target, Identity: fmt.Sprintf("s-%d", i)}
		mock.Script(target, testutil.Slow("late", 300*time.Millisecond))
	}

	d, err := New(newTestClient(t, mock), Config{Limit: 2, Policy: testPolicy()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	outcomes, _, err := d.Run(ctx, jobs)
	require.NoError(t, err)

	// No job retries past the deadline: the batch ends promptly.
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, outcomes, jobCount)

	cancelled := 0
	for i, o := range outcomes {
		if o.Success() {
			continue
		}
		var fe *fetcher.FetchError
		require.ErrorAs(t, o.Err, &fe, "job %d has unexpected error %v", i, o.Err)
		if fe.Kind == fetcher.KindCancelled {
			cancelled++
		}
	}
	assert.Greater(t, cancelled, 0, "expected at least one cancelled job")

	// Jobs that never got a slot made no network calls.
	for i, o := range outcomes {
		if !o.Success() && o.Attempts == 0 {
			assert.Equal(t, 0, mock.TargetCount(jobs[i].Target))
		}
	}
}

func TestRun_EmptyBatch(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	d, err := New(newTestClient(t, mock), Config{Limit: 2, Policy: testPolicy()})
	require.NoError(t, err)

	outcomes, snapshot, err := d.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.EqualValues(t, 0, snapshot.Total)
	assert.Equal(t, float64(0), snapshot.SuccessRate)
}

func TestRun_AllFailuresSignalSystemicProblem(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	jobs := make([]fetcher.Job, 4)
	for i := range jobs {
		target := fmt.Sprintf("https://example.com/broken/%d", i)
		jobs[i] = fetcher.Job{Target: target}
		mock.Script(target, testutil.ServerError())
	}

	d, err := New(newTestClient(t, mock), Config{Limit: 2, Policy: testPolicy()})
	require.NoError(t, err)

	outcomes, snapshot, err := d.Run(context.Background(), jobs)
	require.NoError(t, err)

	for i, o := range outcomes {
		require.False(t, o.Success(), "job %d unexpectedly succeeded", i)
		assert.Equal(t, testPolicy().MaxAttempts, o.Attempts)
		assert.ErrorIs(t, o.Err, fetcher.ErrRetryExhausted)
	}
	assert.Equal(t, float64(0), snapshot.SuccessRate)
	assert.EqualValues(t, 4*testPolicy().MaxAttempts, snapshot.Total)
}
