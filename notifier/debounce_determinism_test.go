package notifier

import (
	"fmt"
	"sync"
	"testing"
)

// NOTE: These tests are intentionally DB-free. They validate the intended
// email debounce semantics:
// - the per-budget named lock serializes concurrent senders
// - the sent stamp makes delivery exactly-once per (kind, budget)
//
// Full MySQL-backed coverage lives in the docker-gated integration tests.

type fakeDebouncedSender struct {
	muByBudget map[string]*sync.Mutex
	mu         sync.Mutex
	sent       map[string]bool
	deliveries int
}

func newFakeDebouncedSender() *fakeDebouncedSender {
	return &fakeDebouncedSender{
		muByBudget: map[string]*sync.Mutex{},
		sent:       map[string]bool{},
	}
}

func (s *fakeDebouncedSender) send(kind string, budgetId int, deliver func()) {
	// Serialize per budget+kind (models AcquireBudgetEmailLock).
	key := fmt.Sprintf("%s|%d", kind, budgetId)
	s.mu.Lock()
	bm := s.muByBudget[key]
	if bm == nil {
		bm = &sync.Mutex{}
		s.muByBudget[key] = bm
	}
	s.mu.Unlock()

	bm.Lock()
	defer bm.Unlock()

	// Stamp check: a budget that already got this mail is skipped.
	s.mu.Lock()
	if s.sent[key] {
		s.mu.Unlock()
		return
	}
	s.sent[key] = true
	s.mu.Unlock()

	deliver()

	s.mu.Lock()
	s.deliveries++
	s.mu.Unlock()
}

func TestCompletionEmail_ConcurrentClosers_SendOnce(t *testing.T) {
	s := newFakeDebouncedSender()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.send("complete", 7, func() {})
		}()
	}
	wg.Wait()

	if s.deliveries != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", s.deliveries)
	}
}

func TestEmailDebounce_DeterministicUnderConcurrency(t *testing.T) {
	for run := 0; run < 100; run++ {
		s := newFakeDebouncedSender()
		var wg sync.WaitGroup

		// same scenario, repeated concurrently: two budgets, two kinds
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.send("submission", 1, func() {})
				s.send("complete", 1, func() {})
				s.send("submission", 2, func() {})
				s.send("submission", 1, func() {}) // duplicate
			}()
		}
		wg.Wait()

		if s.deliveries != 3 {
			t.Fatalf("run=%d expected 3 unique deliveries, got %d", run, s.deliveries)
		}
	}
}
