package batchjob_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DEEJ4Y/batchjob"
	"github.com/DEEJ4Y/batchjob/memory"
)

// TestConcurrentAcquire races many pods for the same fire-time.
func TestConcurrentAcquire(t *testing.T) {
	const numPods = 50

	store := memory.NewStore()
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		fireTimestamp := fmt.Sprintf("2024011514%02d", round)

		var (
			wg       sync.WaitGroup
			start    = make(chan struct{})
			acquired atomic.Int32
			failures atomic.Int32
		)
		for i := 0; i < numPods; i++ {
			locks := batchjob.NewLockManager(store)
			pod := fmt.Sprintf("pod-%02d", i)
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, ok, err := locks.TryAcquire(ctx, "acme", "cleanup", fireTimestamp, pod)
				if err != nil {
					failures.Add(1)
					t.Logf("%s: %v", pod, err)
					return
				}
				if ok {
					acquired.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		if got := acquired.Load(); got != 1 {
			t.Errorf("fire-time %s acquired %d times, want exactly once", fireTimestamp, got)
		}
		if failures.Load() > 0 {
			t.Errorf("fire-time %s: %d pods failed with errors", fireTimestamp, failures.Load())
		}
	}
}

// TestConcurrentSchedulers validates that multiple replicas ticking the same
// tenants at the same time run every fire-time exactly once.
func TestConcurrentSchedulers(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping concurrency test in short mode")
	}
	runConcurrentSchedulers(t, 10, 20, 5, 3)
}

// runConcurrentSchedulers runs numRounds simulated minutes. In each round
// every pod ticks until a tick dispatches nothing, which means every due
// fire-time of every tenant was claimed by someone.
func runConcurrentSchedulers(t *testing.T, numPods, numTenants, jobsPerTenant, numRounds int) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	t.Logf("Test configuration: %d pods, %d tenants, %d jobs per tenant, %d rounds",
		numPods, numTenants, jobsPerTenant, numRounds)

	store := memory.NewStore()
	tenants := memory.NewTenants()
	for i := 0; i < numTenants; i++ {
		name := fmt.Sprintf("tenant-%03d", i)
		tenants.Add(name, batchjob.TenantProduction)
		for j := 0; j < jobsPerTenant; j++ {
			// A minute range, since a wildcard minute is rejected.
			if err := tenants.SetJob(name, fmt.Sprintf("job-%02d", j), fmt.Sprintf("0-59 * * * * /jobs/%02d", j)); err != nil {
				t.Fatal(err)
			}
		}
	}

	var now atomic.Value
	now.Store(time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC))
	clock := func() time.Time { return now.Load().(time.Time) }

	executions := &ExecutionTracker{counts: make(map[string]int)}
	var round atomic.Int32
	executor := batchjob.ExecutorFunc(func(ctx context.Context, targetRef string, id batchjob.Identity, timeout time.Duration) error {
		executions.Record(fmt.Sprintf("%d|%s|%s", round.Load(), id.Tenant, targetRef))
		time.Sleep(time.Millisecond)
		return nil
	})

	var (
		errorCount atomic.Int64
		peerCalls  atomic.Int64
	)
	schedulers := make([]*batchjob.Scheduler, numPods)
	for i := range schedulers {
		podID := i
		sched, err := batchjob.New(batchjob.Config{
			Store:              store,
			Tenants:            tenants,
			Executor:           executor,
			PodName:            fmt.Sprintf("pod-%02d", i),
			Clock:              clock,
			DisableSelfTrigger: true,
			PeerTrigger: batchjob.PeerTriggerFunc(func(ctx context.Context) error {
				peerCalls.Add(1)
				return nil
			}),
			OnError: func(ctx context.Context, err error) {
				errorCount.Add(1)
				t.Logf("Pod %d error: %v", podID, err)
			},
		})
		if err != nil {
			t.Fatalf("Failed to create scheduler: %v", err)
		}
		schedulers[i] = sched
	}

	expected := numTenants * jobsPerTenant
	startTime := time.Now()

	for r := 0; r < numRounds; r++ {
		round.Store(int32(r))
		now.Store(time.Date(2024, 1, 15, 14, r, 0, 0, time.UTC))

		var wg sync.WaitGroup
		start := make(chan struct{})
		for i, sched := range schedulers {
			wg.Add(1)
			go func(idx int, s *batchjob.Scheduler) {
				defer wg.Done()
				<-start
				for {
					result, err := s.Tick(ctx)
					if err != nil {
						t.Errorf("Pod %d tick failed: %v", idx, err)
						return
					}
					if len(result.Dispatched) == 0 {
						return
					}
				}
			}(i, sched)
		}
		close(start)
		wg.Wait()

		// Wait for the dispatched bodies of this round.
		deadline := time.Now().Add(30 * time.Second)
		for executions.RoundTotal(r) < expected && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		// Let any duplicate surface before moving on.
		time.Sleep(50 * time.Millisecond)
	}
	duration := time.Since(startTime)

	// Status writes finish shortly after the bodies.
	deadline := time.Now().Add(10 * time.Second)
	for !allTerminal(schedulers) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	for i, sched := range schedulers {
		if err := sched.Stop(stopCtx); err != nil {
			t.Logf("Warning: Pod %d stop error: %v", i, err)
		}
	}

	separator := strings.Repeat("=", 80)
	t.Log("\n" + separator)
	t.Log("CONCURRENCY TEST RESULTS")
	t.Log(separator)

	stats := executions.Stats()
	t.Logf("  Expected executions:      %d", expected*numRounds)
	t.Logf("  Total executions:         %d", stats.TotalExecutions)
	t.Logf("  Unique fire-times:        %d", stats.Unique)
	t.Logf("  Duplicate runs:           %d", stats.TotalDuplicates)
	t.Logf("  Peer trigger calls:       %d", peerCalls.Load())
	t.Logf("  Errors encountered:       %d", errorCount.Load())
	t.Logf("  Total duration:           %v", duration)
	t.Log(separator)

	if stats.TotalDuplicates > 0 {
		t.Errorf("FAILED: Found %d duplicate executions, e.g. %v", stats.TotalDuplicates, stats.Examples)
	}
	if stats.Unique != expected*numRounds {
		t.Errorf("FAILED: Expected %d fire-times executed, got %d", expected*numRounds, stats.Unique)
	}
	if errorCount.Load() > 0 {
		t.Errorf("FAILED: %d errors reported", errorCount.Load())
	}

	// Every lock record ends up succeeded.
	for r := 0; r < numRounds; r++ {
		ts := time.Date(2024, 1, 15, 14, r, 0, 0, time.UTC).Format(batchjob.TimestampLayout)
		for i := 0; i < numTenants; i++ {
			tenant := fmt.Sprintf("tenant-%03d", i)
			for j := 0; j < jobsPerTenant; j++ {
				uri := batchjob.LockURI(fmt.Sprintf("job-%02d", j), ts)
				e, err := store.Get(context.Background(), tenant, uri)
				if err != nil || e == nil {
					t.Errorf("%s%s: missing lock record (%v)", tenant, uri, err)
					continue
				}
				if e.Status != batchjob.StatusSucceeded {
					t.Errorf("%s%s: status %s, want succeeded", tenant, uri, e.Status)
				}
			}
		}
	}
}

func allTerminal(schedulers []*batchjob.Scheduler) bool {
	for _, s := range schedulers {
		reg := s.Registry()
		for _, tenant := range reg.Tenants() {
			for _, f := range reg.Futures(tenant) {
				if !f.Status().Terminal() {
					return false
				}
			}
		}
	}
	return true
}

// ExecutionTracker tracks job executions in a thread-safe manner
type ExecutionTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func (et *ExecutionTracker) Record(key string) {
	et.mu.Lock()
	defer et.mu.Unlock()
	et.counts[key]++
}

func (et *ExecutionTracker) RoundTotal(round int) int {
	et.mu.Lock()
	defer et.mu.Unlock()

	prefix := fmt.Sprintf("%d|", round)
	total := 0
	for k, count := range et.counts {
		if strings.HasPrefix(k, prefix) {
			total += count
		}
	}
	return total
}

type ExecutionStats struct {
	TotalExecutions int
	Unique          int
	TotalDuplicates int
	Examples        []string
}

func (et *ExecutionTracker) Stats() ExecutionStats {
	et.mu.Lock()
	defer et.mu.Unlock()

	stats := ExecutionStats{Unique: len(et.counts)}
	for k, count := range et.counts {
		stats.TotalExecutions += count
		if count > 1 {
			stats.TotalDuplicates += count - 1
			if len(stats.Examples) < 10 {
				stats.Examples = append(stats.Examples, k)
			}
		}
	}
	return stats
}
