package workqueue

import (
	"github.com/ethereum/go-ethereum/log"

	"github.com/JeanOUINA/vite-work-server/internal/metrics"
	"github.com/JeanOUINA/vite-work-server/internal/workpow"
)

// gpuDevice is the subset of *gpu.Device a GPU worker drives. Declaring it
// here, at the point of use, lets tests supply a fake device without
// internal/gpu importing workqueue.
type gpuDevice interface {
	SetTask(root workpow.Root, threshold workpow.Threshold) error
	Run(attempt uint64) (found bool, nonce workpow.Nonce, err error)
	ResetBufs() error
}

// invalidWorkQuarantine and errorQuarantine are the consecutive-failure
// counts at which a GPU worker abandons the active job.
const (
	invalidWorkQuarantine = 3
	errorQuarantine       = 3
)

// RunGPUWorker is the long-lived search loop for one GPU device. It never
// returns except when stop is closed. label identifies the device in log
// lines (e.g. "0:1" for platform 0, device 1).
func RunGPUWorker(state *State, device gpuDevice, label string, met *metrics.Set, stop <-chan struct{}) {
	l := log.New("component", "gpu-worker", "device", label)
	rng := newXorshiftRng()

	var root workpow.Root
	var threshold workpow.Threshold
	taskComplete := IdleFlag()

	failed := false
	consecutiveErrors := 0
	consecutiveInvalid := 0

	for {
		select {
		case <-stop:
			return
		default:
		}

		if failed || taskComplete.Load() {
			h := state.AcquireJobForGPU(root, failed)
			root, threshold, taskComplete = h.root, h.threshold, h.taskComplete

			if err := device.SetTask(root, threshold); err != nil {
				l.Warn("failed to program GPU for task, abandoning it for this job", "err", err)
				if rerr := device.ResetBufs(); rerr != nil {
					l.Warn("failed to reset GPU buffers", "err", rerr)
				}
				failed = true
				continue
			}
			failed = false
			consecutiveErrors = 0
			consecutiveInvalid = 0
		}

		attempt := rng.attempt()
		found, nonce, err := device.Run(attempt)
		switch {
		case err != nil:
			l.Warn("GPU error computing work", "err", err)
			if rerr := device.ResetBufs(); rerr != nil {
				l.Warn("failed to reset GPU buffers, abandoning it for this job", "err", rerr)
				failed = true
			}
			consecutiveErrors++

		case found:
			if valid, _ := workpow.Meets(root, nonce, threshold); valid {
				state.Complete(root, nonce)
				consecutiveErrors = 0
				consecutiveInvalid = 0
			} else {
				l.Warn("GPU returned invalid work for root", "root", root, "nonce", nonce)
				consecutiveInvalid++
				consecutiveErrors++
				if consecutiveInvalid >= invalidWorkQuarantine {
					l.Warn("GPU returned invalid work 3 consecutive times, abandoning it for this job")
					failed = true
				}
			}

		default:
			// Productive dispatch, no hit: the device is healthy.
			consecutiveErrors = 0
		}

		if consecutiveErrors >= errorQuarantine {
			l.Warn("3 consecutive GPU errors, abandoning it for this job")
			failed = true
		}
		if failed {
			met.GPUQuarantines.Mark(1)
		}
	}
}
