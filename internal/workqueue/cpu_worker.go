package workqueue

import (
	"github.com/ethereum/go-ethereum/log"

	"github.com/JeanOUINA/vite-work-server/internal/workpow"
)

// cpuChunk is the number of inner-loop hash attempts a CPU worker tries
// before it checks in on its task-complete flag again. Checking less
// often would raise cancellation latency; checking every hash would pay
// an atomic load per hash.
const cpuChunk = 1 << 18

// RunCPUWorker is the long-lived search loop for one CPU search thread.
// It never returns except when stop is closed.
func RunCPUWorker(state *State, stop <-chan struct{}) {
	l := log.New("component", "cpu-worker")
	rng := newXorshiftRng()

	var root workpow.Root
	var threshold workpow.Threshold
	taskComplete := IdleFlag()

	for {
		select {
		case <-stop:
			return
		default:
		}

		if taskComplete.Load() {
			h := state.AcquireJob()
			root, threshold, taskComplete = h.root, h.threshold, h.taskComplete
		}

		out := rng.nonce()
		found := false
		for i := 0; i < cpuChunk; i++ {
			if valid, _ := workpow.Meets(root, out, threshold); valid {
				found = true
				break
			}
			out.Inc()
		}
		if found {
			if !state.Complete(root, out) {
				l.Debug("discarded stale hit", "root", root)
			}
		}
	}
}
