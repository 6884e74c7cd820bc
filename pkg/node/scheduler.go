// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package node

import (
	"context"
	"sync"

	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/pgd/pkg/objectid"
)

var mon = monkit.Package()

// OpClass is the class of op a scheduler entry belongs to, each with its
// own weight so recovery traffic can't starve client work (spec §4.1 "Op
// scheduler").
type OpClass int

// Classes named in spec §4.1: "client ops, peer sub-ops, peering events,
// recovery ops, and scrub ops."
const (
	ClassClient OpClass = iota
	ClassSubOp
	ClassPeering
	ClassRecovery
	ClassScrub
	numClasses
)

// DefaultClassWeights is the weighted-fair share each class receives, indexed by
// OpClass. Defaults approximate "recovery never starves client work":
// client ops get the largest share, scrub the smallest.
var DefaultClassWeights = [numClasses]int{
	ClassClient:   8,
	ClassSubOp:    4,
	ClassPeering:  4,
	ClassRecovery: 2,
	ClassScrub:    1,
}

// Task is one unit of scheduled work.
type Task struct {
	PG      objectid.PGID
	Class   OpClass
	Epoch   uint64 // map epoch this op assumes, 0 if not epoch-sensitive
	Run     func(ctx context.Context)
}

// classQueue is a plain FIFO for one class on one shard.
type classQueue struct {
	items []Task
}

func (q *classQueue) push(t Task)    { q.items = append(q.items, t) }
func (q *classQueue) empty() bool    { return len(q.items) == 0 }
func (q *classQueue) pop() Task {
	t := q.items[0]
	q.items = q.items[1:]
	return t
}

// Scheduler is one worker shard's weighted-fair priority queue: classes
// are served in proportion to their configured weight using a simple
// deficit round-robin, so a burst of recovery ops can't delay client ops
// indefinitely (spec §4.1 "weighted-fair policy (reservation / limit /
// weight per class)").
type Scheduler struct {
	log     *zap.Logger
	weights [numClasses]int

	mu      sync.Mutex
	queues  [numClasses]classQueue
	deficit [numClasses]int
	notify  chan struct{}

	currentEpoch func(pg objectid.PGID) uint64
}

// NewScheduler constructs a Scheduler for one worker shard. currentEpoch,
// if non-nil, lets the scheduler discard stale-epoch ops per spec §4.1
// "if the PG has advanced past that epoch the op is re-queued or
// discarded."
func NewScheduler(log *zap.Logger, weights [numClasses]int, currentEpoch func(objectid.PGID) uint64) *Scheduler {
	return &Scheduler{
		log:          log,
		weights:      weights,
		notify:       make(chan struct{}, 1),
		currentEpoch: currentEpoch,
	}
}

// Submit enqueues t on its class's queue.
func (s *Scheduler) Submit(t Task) {
	s.mu.Lock()
	s.queues[t.Class].push(t)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// RunOne dequeues and runs a single task using weighted-fair selection,
// blocking until one is available or ctx is done. It is meant to be
// called in a loop by the worker goroutine that owns this shard (spec §5
// "each PG is sharded to exactly one worker").
func (s *Scheduler) RunOne(ctx context.Context) error {
	for {
		t, ok := s.next()
		if ok {
			s.runTask(ctx, t)
			return nil
		}
		select {
		case <-s.notify:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Scheduler) runTask(ctx context.Context, t Task) {
	defer mon.Task()(&ctx)(nil)
	if t.Epoch != 0 && s.currentEpoch != nil {
		if cur := s.currentEpoch(t.PG); cur > t.Epoch {
			s.log.Debug("discarding stale-epoch op", zap.String("pg", t.PG.String()), zap.Uint64("op_epoch", t.Epoch), zap.Uint64("current_epoch", cur))
			return
		}
	}
	t.Run(ctx)
}

// next selects the next task using deficit round-robin across non-empty
// class queues, weighted by s.weights.
func (s *Scheduler) next() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for round := 0; round < 2; round++ {
		for class := OpClass(0); class < numClasses; class++ {
			if s.queues[class].empty() || s.deficit[class] <= 0 {
				continue
			}
			s.deficit[class]--
			return s.queues[class].pop(), true
		}
		// Every non-empty class has spent its share: start a new round by
		// crediting each one its weight.
		for class := OpClass(0); class < numClasses; class++ {
			if !s.queues[class].empty() {
				s.deficit[class] += s.weights[class]
			}
		}
	}
	// Nothing had positive deficit but something is queued: fall back to
	// the highest-weight non-empty class so work always makes progress.
	best := -1
	for class := OpClass(0); class < numClasses; class++ {
		if s.queues[class].empty() {
			continue
		}
		if best == -1 || s.weights[class] > s.weights[OpClass(best)] {
			best = int(class)
		}
	}
	if best == -1 {
		return Task{}, false
	}
	return s.queues[OpClass(best)].pop(), true
}

// Pending returns the total queued task count across all classes, for
// admin/debug output.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for class := range s.queues {
		n += len(s.queues[class].items)
	}
	return n
}
