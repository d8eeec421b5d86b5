package workqueue

import (
	"errors"
	"sync"
	"testing"
	"time"

	gethmetrics "github.com/ethereum/go-ethereum/metrics"
	"github.com/stretchr/testify/require"

	"github.com/JeanOUINA/vite-work-server/internal/metrics"
	"github.com/JeanOUINA/vite-work-server/internal/workpow"
)

// fakeDevice is a test double standing in for an OpenCL device, so the
// GPU worker state machine can be exercised without real hardware.
type fakeDevice struct {
	mu sync.Mutex

	setTaskErr error
	runErr     error
	runInvalid bool // Run reports a hit, but it fails workpow.Meets
	runHit     bool // Run reports a hit that does satisfy the threshold
	validNonce workpow.Nonce

	resetErr error

	setTaskCalls int
	runCalls     int
}

func (f *fakeDevice) SetTask(root workpow.Root, threshold workpow.Threshold) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setTaskCalls++
	return f.setTaskErr
}

func (f *fakeDevice) Run(attempt uint64) (bool, workpow.Nonce, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCalls++
	if f.runErr != nil {
		return false, workpow.Nonce{}, f.runErr
	}
	if f.runInvalid {
		return true, workpow.Nonce{0xDE, 0xAD}, nil
	}
	if f.runHit {
		return true, f.validNonce, nil
	}
	return false, workpow.Nonce{}, nil
}

func (f *fakeDevice) ResetBufs() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resetErr
}

func TestGPUWorkerCompletesOnValidHit(t *testing.T) {
	met := metrics.New(gethmetrics.NewRegistry())
	s := NewState(false, 1, met)
	dev := &fakeDevice{runHit: true, validNonce: workpow.Nonce{0x01}}

	stop := make(chan struct{})
	defer close(stop)
	go RunGPUWorker(s, dev, "0:0", met, stop)

	var root workpow.Root
	c := s.Enqueue(root, workpow.Threshold{}) // zero threshold: any hit is valid

	select {
	case r := <-c.ch:
		require.NoError(t, r.Err)
		require.Equal(t, dev.validNonce, r.Nonce)
	case <-time.After(2 * time.Second):
		t.Fatal("GPU worker never completed")
	}
}

func TestGPUWorkerQuarantinesAfterRepeatedInvalidWork(t *testing.T) {
	met := metrics.New(gethmetrics.NewRegistry())
	s := NewState(false, 1, met) // single worker: quarantine => Errored
	dev := &fakeDevice{runInvalid: true}

	stop := make(chan struct{})
	defer close(stop)
	go RunGPUWorker(s, dev, "0:0", met, stop)

	var root workpow.Root
	var impossible workpow.Threshold
	for i := range impossible {
		impossible[i] = 0xff
	}
	c := s.Enqueue(root, impossible)

	select {
	case r := <-c.ch:
		require.Equal(t, workpow.ErrErrored, r.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("expected job to error out after repeated invalid work")
	}
}

func TestGPUWorkerQuarantineCountIsolatedPerJob(t *testing.T) {
	met := metrics.New(gethmetrics.NewRegistry())
	s := NewState(false, 1, met) // single worker: quarantine => Errored
	dev := &fakeDevice{runInvalid: true}

	stop := make(chan struct{})
	defer close(stop)
	go RunGPUWorker(s, dev, "0:0", met, stop)

	var rootA, rootB workpow.Root
	rootA[0] = 0xAA
	rootB[0] = 0xBB
	var impossible workpow.Threshold
	for i := range impossible {
		impossible[i] = 0xff
	}

	cA := s.Enqueue(rootA, impossible)
	select {
	case r := <-cA.ch:
		require.Equal(t, workpow.ErrErrored, r.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("expected job A to error out after repeated invalid work")
	}

	// Job B must start with a fresh failure count; it must not inherit
	// job A's leftover unsuccessfulWorkers bookkeeping.
	cB := s.Enqueue(rootB, impossible)
	select {
	case r := <-cB.ch:
		require.Equal(t, workpow.ErrErrored, r.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("job B never errored out: stale unsuccessfulWorkers bookkeeping leaked across jobs")
	}
}

func TestGPUWorkerSleepsWhileQuarantinedOnStillActiveJob(t *testing.T) {
	met := metrics.New(gethmetrics.NewRegistry())
	s := NewState(false, 2, met) // two workers: the GPU alone can't fail the job
	dev := &fakeDevice{runInvalid: true}

	stop := make(chan struct{})
	defer close(stop)
	go RunGPUWorker(s, dev, "0:0", met, stop)

	var root workpow.Root
	var impossible workpow.Threshold
	for i := range impossible {
		impossible[i] = 0xff
	}
	c := s.Enqueue(root, impossible)

	// Let the worker run through its invalid-work quarantine; the job
	// stays active since totalWorkers=2, so it should settle into the
	// condition-variable wait rather than keep dispatching.
	time.Sleep(100 * time.Millisecond)
	dev.mu.Lock()
	callsAtQuarantine := dev.runCalls
	dev.mu.Unlock()

	time.Sleep(150 * time.Millisecond)
	dev.mu.Lock()
	callsAfterWaiting := dev.runCalls
	dev.mu.Unlock()
	require.Equal(t, callsAtQuarantine, callsAfterWaiting,
		"quarantined GPU worker must sleep, not spin retrying the same job")

	// A second worker's failure report is what finally fails the job.
	require.True(t, s.ReportWorkerFailure(root))

	select {
	case r := <-c.ch:
		require.Equal(t, workpow.ErrErrored, r.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("job never errored out after the second worker's failure report")
	}
}

func TestGPUWorkerAbandonsOnSetTaskError(t *testing.T) {
	met := metrics.New(gethmetrics.NewRegistry())
	s := NewState(false, 1, met)
	dev := &fakeDevice{setTaskErr: errors.New("boom")}

	stop := make(chan struct{})
	defer close(stop)
	go RunGPUWorker(s, dev, "0:0", met, stop)

	var root workpow.Root
	c := s.Enqueue(root, workpow.Threshold{})

	select {
	case r := <-c.ch:
		require.Equal(t, workpow.ErrErrored, r.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("expected job to error out after SetTask failure with a single worker")
	}
}
