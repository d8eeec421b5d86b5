// Package workqueue implements the work-dispatch engine: a single active
// job slot served by a pool of CPU and GPU workers, coordinated by one
// mutex and one condition variable, with a pending queue and per-request
// cancellation.
package workqueue

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"

	"github.com/JeanOUINA/vite-work-server/internal/metrics"
	"github.com/JeanOUINA/vite-work-server/internal/workpow"
)

// Result is what a Completion eventually delivers: either the nonce that
// satisfied the threshold, or one of workpow.ErrCanceled / ErrErrored.
type Result struct {
	Nonce workpow.Nonce
	Err   error
}

// Completion is a one-shot sink: a buffered channel paired with a
// sync.Once so the result is signalled exactly once no matter how many
// times send is called.
type Completion struct {
	once sync.Once
	ch   chan Result
}

func newCompletion() *Completion {
	return &Completion{ch: make(chan Result, 1)}
}

func (c *Completion) send(r Result) {
	c.once.Do(func() { c.ch <- r })
}

// Wait blocks until the completion is signalled.
func (c *Completion) Wait() Result {
	return <-c.ch
}

type pendingItem struct {
	root       workpow.Root
	threshold  workpow.Threshold
	completion *Completion
}

// activeJob is the job every worker currently races on.
type activeJob struct {
	root                workpow.Root
	threshold           workpow.Threshold
	completion          *Completion
	taskComplete        *atomic.Bool
	unsuccessfulWorkers int
}

// idleFlag is shared by all workers when no job is active: it is always
// true, so a worker never needs a nil check on its hot path before the
// first job it acquires.
var idleFlag = func() *atomic.Bool {
	b := &atomic.Bool{}
	b.Store(true)
	return b
}()

// IdleFlag returns a permanently-true shared flag. Workers seed their
// local task-complete pointer with this before ever having acquired a
// job, so their first loop iteration takes the AcquireJob path.
func IdleFlag() *atomic.Bool { return idleFlag }

// State is the singleton, process-wide work state. Exactly one mutex and
// one condition variable guard it; no other lock exists in the core.
type State struct {
	mu   sync.Mutex
	cond *sync.Cond

	active  *activeJob
	pending []pendingItem

	randomMode   bool
	totalWorkers int

	rng *rand.Rand
	log log.Logger
	met *metrics.Set
}

// NewState constructs an idle work state. totalWorkers is the sum of CPU
// threads and GPU devices, used by ReportWorkerFailure to detect that
// every worker has given up.
func NewState(randomMode bool, totalWorkers int, met *metrics.Set) *State {
	s := &State{
		randomMode:   randomMode,
		totalWorkers: totalWorkers,
		rng:          rand.New(rand.NewSource(rand.Int63())),
		log:          log.New("component", "workqueue"),
		met:          met,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Enqueue appends a pending item and immediately attempts promotion,
// returning the Completion the caller should Wait on.
func (s *State) Enqueue(root workpow.Root, threshold workpow.Threshold) *Completion {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := newCompletion()
	s.pending = append(s.pending, pendingItem{root: root, threshold: threshold, completion: c})
	s.met.QueueSize.Update(int64(len(s.pending)))
	s.promoteLocked()
	return c
}

// promoteLocked moves one pending item into the active slot. Callers
// must hold the mutex, and must only call it when active == nil.
// Selection is FIFO unless randomMode is set, in which case it is
// uniform over the pending slice.
func (s *State) promoteLocked() {
	if s.active != nil || len(s.pending) == 0 {
		return
	}
	i := 0
	if s.randomMode {
		i = s.rng.Intn(len(s.pending))
	}
	item := s.pending[i]
	s.pending = append(s.pending[:i], s.pending[i+1:]...)
	s.met.QueueSize.Update(int64(len(s.pending)))

	flag := &atomic.Bool{}
	s.active = &activeJob{
		root:         item.root,
		threshold:    item.threshold,
		completion:   item.completion,
		taskComplete: flag,
	}
	s.met.Generating.Update(1)
	s.log.Debug("promoted job", "root", s.active.root, "pending", len(s.pending))
	s.cond.Broadcast()
}

// terminateActiveLocked resolves the active job with err, clears the slot
// and promotes the next pending item under the same lock hold, so workers
// never observe an empty active slot while pending items remain.
func (s *State) terminateActiveLocked(err error, nonce workpow.Nonce) {
	job := s.active
	s.active = nil
	s.met.Generating.Update(0)
	job.taskComplete.Store(true)
	job.completion.send(Result{Nonce: nonce, Err: err})
	s.promoteLocked()
}

// Cancel removes every pending item whose root matches, signalling each
// Canceled, and if the active job's root matches, cancels it too.
// Idempotent: a second call targeting the same root is a no-op.
func (s *State) Cancel(root workpow.Root) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.pending[:0]
	for _, item := range s.pending {
		if item.root == root {
			item.completion.send(Result{Err: workpow.ErrCanceled})
			continue
		}
		kept = append(kept, item)
	}
	s.pending = kept
	s.met.QueueSize.Update(int64(len(s.pending)))

	if s.active != nil && s.active.root == root {
		s.terminateActiveLocked(workpow.ErrCanceled, workpow.Nonce{})
	}
}

// jobHandle is what AcquireJob hands to a worker: a snapshot of the
// active job plus the shared task-complete flag the worker polls without
// the lock.
type jobHandle struct {
	root         workpow.Root
	threshold    workpow.Threshold
	taskComplete *atomic.Bool
}

// AcquireJob blocks on the condition variable until a job is active, then
// returns a snapshot of it. Workers call this whenever their local
// task-complete flag reads true.
func (s *State) AcquireJob() jobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.active == nil {
		s.cond.Wait()
	}
	return jobHandle{root: s.active.root, threshold: s.active.threshold, taskComplete: s.active.taskComplete}
}

// Complete publishes nonce as the winning answer for the job captured as
// root, but only if that job is still the active one (guards against
// completing a job that was cancelled and replaced between the find and
// the lock acquisition). Returns true if the completion was delivered.
func (s *State) Complete(capturedRoot workpow.Root, nonce workpow.Nonce) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.root != capturedRoot {
		return false
	}
	s.terminateActiveLocked(nil, nonce)
	return true
}

// ReportWorkerFailure records that a worker has given up on the job it
// captured as capturedRoot. If every CPU+GPU worker has now given up, the
// job fails with ErrErrored. Returns true if the job was failed. CPU
// workers never quarantine, so in practice only a GPU worker abandoning a
// job outside the AcquireJobForGPU protocol would call this directly; its
// counting logic lives in reportFailureLocked below, which
// AcquireJobForGPU shares.
func (s *State) ReportWorkerFailure(capturedRoot workpow.Root) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.root != capturedRoot {
		return false
	}
	return s.reportFailureLocked()
}

// reportFailureLocked is ReportWorkerFailure's body, callable when the
// caller already holds s.mu (AcquireJobForGPU's quarantine bookkeeping).
func (s *State) reportFailureLocked() bool {
	s.active.unsuccessfulWorkers++
	s.met.WorkerFailures.Mark(1)
	if s.active.unsuccessfulWorkers >= s.totalWorkers {
		s.terminateActiveLocked(workpow.ErrErrored, workpow.Nonce{})
		return true
	}
	return false
}

// ActiveRoot returns the active job's root and whether a job is active,
// without blocking. GPU workers detect a job change through
// AcquireJobForGPU instead; this is a read-only view of the same slot.
func (s *State) ActiveRoot() (workpow.Root, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return workpow.Root{}, false
	}
	return s.active.root, true
}

// AcquireJobForGPU is the GPU-specific counterpart to AcquireJob: a GPU
// worker calls this whenever it is quarantined (wasFailed) or its local
// task-complete flag reads true. It performs, under a single lock hold:
//   - clearing wasFailed if the active job has already moved on from
//     capturedRoot (another worker's report or completion beat us here);
//   - if still failed, counting this worker towards "all workers have
//     given up" against the job it actually quarantined on, possibly
//     failing that job with ErrErrored;
//   - sleeping on the condition variable until a *different* job becomes
//     active, rather than returning immediately if the quarantined job is
//     still the active one (it would otherwise spin hot retrying the
//     same device operation);
//   - undoing the unsuccessfulWorkers bookkeeping on that same captured
//     job, not on whatever happens to be active once the wait returns.
func (s *State) AcquireJobForGPU(capturedRoot workpow.Root, wasFailed bool) jobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wasFailed && s.active != nil && s.active.root != capturedRoot {
		wasFailed = false
	}

	var failedJob *activeJob
	if wasFailed && s.active != nil {
		failedJob = s.active
		s.reportFailureLocked()
	}

	for s.active == nil || s.active == failedJob {
		s.cond.Wait()
	}

	if failedJob != nil {
		failedJob.unsuccessfulWorkers--
	}
	return jobHandle{root: s.active.root, threshold: s.active.threshold, taskComplete: s.active.taskComplete}
}

// Status reports the pending queue length and whether a job is active,
// for the `status` RPC action.
func (s *State) Status() (queueSize int, generating bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), s.active != nil
}
