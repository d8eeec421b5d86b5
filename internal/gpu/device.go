// Package gpu wraps an OpenCL platform:device pair running the PoW search
// kernel. It is a thin host-side harness around
// github.com/Gustav-Simonsson/go-opencl/cl, the same OpenCL bindings
// go-ethereum's own ethash GPU miner used.
package gpu

import (
	"encoding/binary"
	"fmt"

	"github.com/Gustav-Simonsson/go-opencl/cl"

	"github.com/ethereum/go-ethereum/log"

	"github.com/JeanOUINA/vite-work-server/internal/workpow"
)

// DefaultThreads is the default per-dispatch batch size.
const DefaultThreads = 1 << 20 // 1,048,576

// searchKernelSource sweeps a batch of candidate nonces per dispatch. The
// host passes a 64-bit attempt seed and the per-work-item id is folded in
// so the device, not the host, enumerates nonces. vite_work_blake2b_meets
// and VITE_WORK_SCRATCH_SIZE
// come from a companion BLAKE2b compression kernel compiled into the same
// program; it is not reproduced here (it is a direct, unmodified port of
// the reference compression function and carries no PoW-server logic).
const searchKernelSource = `
__kernel void vite_work_search(
    __constant uchar *root,      // 32 bytes
    __constant uchar *threshold, // 32 bytes
    ulong attempt,
    __global ulong *result,      // [0] = found flag, [1] = nonce
    __global uchar *scratch      // per-work-item blake2b scratch space
) {
    ulong id = get_global_id(0);
    ulong nonce = attempt + id;
    if (vite_work_blake2b_meets(root, threshold, nonce, scratch + id * VITE_WORK_SCRATCH_SIZE)) {
        result[0] = 1;
        result[1] = nonce;
    }
}
`

// Device is one GPU search worker's handle on an OpenCL device. It is not
// safe for concurrent use; each GPU worker owns exactly one Device and
// never shares it.
type Device struct {
	log     log.Logger
	device  *cl.Device
	ctx     *cl.Context
	queue   *cl.CommandQueue
	program *cl.Program
	kernel  *cl.Kernel

	threads       int
	localWorkSize int

	rootBuf      *cl.MemObject
	thresholdBuf *cl.MemObject
	resultBuf    *cl.MemObject
	scratchBuf   *cl.MemObject
}

// Open enumerates OpenCL platforms, selects platformIndex:deviceIndex,
// compiles the search kernel and allocates device buffers. It fails fast
// if the platform or device index is out of range, rather than silently
// degrading.
func Open(platformIndex, deviceIndex, threads, localWorkSize int) (*Device, error) {
	if threads <= 0 {
		threads = DefaultThreads
	}
	platforms, err := cl.GetPlatforms()
	if err != nil {
		return nil, fmt.Errorf("gpu: enumerate platforms: %w", err)
	}
	if platformIndex < 0 || platformIndex >= len(platforms) {
		return nil, fmt.Errorf("gpu: platform index %d out of range (found %d)", platformIndex, len(platforms))
	}
	devices, err := platforms[platformIndex].GetDevices(cl.DeviceTypeAll)
	if err != nil {
		return nil, fmt.Errorf("gpu: enumerate devices: %w", err)
	}
	if deviceIndex < 0 || deviceIndex >= len(devices) {
		return nil, fmt.Errorf("gpu: device index %d out of range (found %d)", deviceIndex, len(devices))
	}
	dev := devices[deviceIndex]

	ctx, err := cl.CreateContext([]*cl.Device{dev})
	if err != nil {
		return nil, fmt.Errorf("gpu: create context: %w", err)
	}
	queue, err := ctx.CreateCommandQueue(dev, 0)
	if err != nil {
		return nil, fmt.Errorf("gpu: create command queue: %w", err)
	}
	program, err := ctx.CreateProgramWithSource([]string{searchKernelSource})
	if err != nil {
		return nil, fmt.Errorf("gpu: create program: %w", err)
	}
	if err := program.BuildProgram([]*cl.Device{dev}, ""); err != nil {
		return nil, fmt.Errorf("gpu: build program: %w", err)
	}
	kernel, err := program.CreateKernel("vite_work_search")
	if err != nil {
		return nil, fmt.Errorf("gpu: create kernel: %w", err)
	}

	d := &Device{
		log:           log.New("component", "gpu-device", "platform", platformIndex, "device", deviceIndex),
		device:        dev,
		ctx:           ctx,
		queue:         queue,
		program:       program,
		kernel:        kernel,
		threads:       threads,
		localWorkSize: localWorkSize,
	}
	if err := d.allocBuffers(); err != nil {
		return nil, err
	}
	d.log.Info("GPU device ready", "threads", threads)
	return d, nil
}

func (d *Device) allocBuffers() error {
	var err error
	if d.rootBuf, err = d.ctx.CreateEmptyBuffer(cl.MemReadOnly, workpow.RootSize); err != nil {
		return fmt.Errorf("gpu: alloc root buffer: %w", err)
	}
	if d.thresholdBuf, err = d.ctx.CreateEmptyBuffer(cl.MemReadOnly, workpow.ThresholdSize); err != nil {
		return fmt.Errorf("gpu: alloc threshold buffer: %w", err)
	}
	if d.resultBuf, err = d.ctx.CreateEmptyBuffer(cl.MemReadWrite, 2*8); err != nil {
		return fmt.Errorf("gpu: alloc result buffer: %w", err)
	}
	const scratchPerItem = 256
	if d.scratchBuf, err = d.ctx.CreateEmptyBuffer(cl.MemReadWrite, scratchPerItem*d.threads); err != nil {
		return fmt.Errorf("gpu: alloc scratch buffer: %w", err)
	}
	return nil
}

// SetTask (re)programs the device-resident root/threshold buffers for a
// new job. On error the caller must call ResetBufs before retrying.
func (d *Device) SetTask(root workpow.Root, threshold workpow.Threshold) error {
	if _, err := d.queue.EnqueueWriteBuffer(d.rootBuf, true, 0, root[:], nil); err != nil {
		return fmt.Errorf("gpu: write root: %w", err)
	}
	if _, err := d.queue.EnqueueWriteBuffer(d.thresholdBuf, true, 0, threshold[:], nil); err != nil {
		return fmt.Errorf("gpu: write threshold: %w", err)
	}
	if err := d.kernel.SetArgs(d.rootBuf, d.thresholdBuf, uint64(0), d.resultBuf, d.scratchBuf); err != nil {
		return fmt.Errorf("gpu: bind kernel args: %w", err)
	}
	return nil
}

// Run sweeps d.threads candidate nonces derived from attempt. found is
// true when the device reports a candidate; the caller must re-verify it
// with workpow.Meets before trusting it, since OpenCL implementations in
// the wild have been known to return spurious hits.
func (d *Device) Run(attempt uint64) (found bool, nonce workpow.Nonce, err error) {
	var zero [16]byte
	if _, err = d.queue.EnqueueWriteBuffer(d.resultBuf, true, 0, zero[:], nil); err != nil {
		return false, nonce, fmt.Errorf("gpu: clear result buffer: %w", err)
	}
	if err = d.kernel.SetArg(2, attempt); err != nil {
		return false, nonce, fmt.Errorf("gpu: set attempt arg: %w", err)
	}

	global := d.threads
	var local []int
	if d.localWorkSize > 0 {
		local = []int{d.localWorkSize}
	}
	if _, err = d.queue.EnqueueNDRangeKernel(d.kernel, nil, []int{global}, local, nil); err != nil {
		return false, nonce, fmt.Errorf("gpu: dispatch kernel: %w", err)
	}
	if err = d.queue.Finish(); err != nil {
		return false, nonce, fmt.Errorf("gpu: finish: %w", err)
	}

	var result [16]byte
	if _, err = d.queue.EnqueueReadBuffer(d.resultBuf, true, 0, result[:], nil); err != nil {
		return false, nonce, fmt.Errorf("gpu: read result: %w", err)
	}
	if binary.LittleEndian.Uint64(result[0:8]) == 0 {
		return false, nonce, nil
	}
	hit := binary.LittleEndian.Uint64(result[8:16])
	binary.LittleEndian.PutUint64(nonce[:], hit)
	return true, nonce, nil
}

// ResetBufs rebuilds the device-side allocations after an error.
func (d *Device) ResetBufs() error {
	d.rootBuf.Release()
	d.thresholdBuf.Release()
	d.resultBuf.Release()
	d.scratchBuf.Release()
	return d.allocBuffers()
}

// Close releases every OpenCL resource this device holds.
func (d *Device) Close() {
	for _, rel := range []interface{ Release() }{d.rootBuf, d.thresholdBuf, d.resultBuf, d.scratchBuf, d.kernel, d.program, d.queue, d.ctx} {
		if rel != nil {
			rel.Release()
		}
	}
}
