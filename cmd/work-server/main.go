// Command work-server is a standalone proof-of-work generation server: it
// offloads the BLAKE2b-based PoW search to a pool of CPU and/or GPU
// workers and serves work_generate/work_cancel/work_validate/benchmark/
// status over JSON-HTTP.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	gethlog "github.com/ethereum/go-ethereum/log"
	gethmetrics "github.com/ethereum/go-ethereum/metrics"

	"github.com/JeanOUINA/vite-work-server/internal/gpu"
	"github.com/JeanOUINA/vite-work-server/internal/httpapi"
	"github.com/JeanOUINA/vite-work-server/internal/metrics"
	"github.com/JeanOUINA/vite-work-server/internal/workqueue"
)

var (
	listenAddressFlag = &cli.StringFlag{
		Name:    "listen-address",
		Aliases: []string{"l"},
		Usage:   "address to listen on",
		Value:   "[::1]:7076",
	}
	cpuThreadsFlag = &cli.UintFlag{
		Name:    "cpu-threads",
		Aliases: []string{"c"},
		Usage:   "number of CPU search threads",
		Value:   0,
	}
	gpuFlag = &cli.StringSliceFlag{
		Name:    "gpu",
		Aliases: []string{"g"},
		Usage:   "add a GPU worker, as PLATFORM:DEVICE[:THREADS] (THREADS defaults to 1048576)",
	}
	gpuLocalWorkSizeFlag = &cli.IntFlag{
		Name:  "gpu-local-work-size",
		Usage: "OpenCL local work size hint, applied to every --gpu",
	}
	shuffleFlag = &cli.BoolFlag{
		Name:  "shuffle",
		Usage: "pick a random pending request instead of the oldest (improves fairness across multiple work servers)",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity: 0=crit .. 5=trace",
		Value: 3,
	}
	metricsAddressFlag = &cli.StringFlag{
		Name:  "metrics-address",
		Usage: "address to serve Prometheus metrics on; empty disables the exporter",
		Value: "",
	}
)

func main() {
	app := &cli.App{
		Name:  "work-server",
		Usage: "Provides a proof-of-work server without a full node.",
		Flags: []cli.Flag{
			listenAddressFlag,
			cpuThreadsFlag,
			gpuFlag,
			gpuLocalWorkSizeFlag,
			shuffleFlag,
			verbosityFlag,
			metricsAddressFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type gpuSpec struct {
	platform, device, threads int
}

func parseGPUSpec(s string) (gpuSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return gpuSpec{}, fmt.Errorf("GPU string %q must be PLATFORM:DEVICE[:THREADS]", s)
	}
	platform, err := strconv.Atoi(parts[0])
	if err != nil {
		return gpuSpec{}, fmt.Errorf("failed to parse GPU platform in %q: %w", s, err)
	}
	device, err := strconv.Atoi(parts[1])
	if err != nil {
		return gpuSpec{}, fmt.Errorf("failed to parse GPU device in %q: %w", s, err)
	}
	threads := gpu.DefaultThreads
	if len(parts) == 3 {
		threads, err = strconv.Atoi(parts[2])
		if err != nil {
			return gpuSpec{}, fmt.Errorf("failed to parse GPU threads in %q: %w", s, err)
		}
	}
	return gpuSpec{platform: platform, device: device, threads: threads}, nil
}

func run(c *cli.Context) error {
	setupLogging(c.Int(verbosityFlag.Name))
	logger := gethlog.New("component", "main")

	randomMode := c.Bool(shuffleFlag.Name)
	listenAddr := c.String(listenAddressFlag.Name)
	cpuThreads := int(c.Uint(cpuThreadsFlag.Name))
	localWorkSize := c.Int(gpuLocalWorkSizeFlag.Name)

	var gpuSpecs []gpuSpec
	for _, s := range c.StringSlice(gpuFlag.Name) {
		spec, err := parseGPUSpec(s)
		if err != nil {
			logger.Crit("invalid --gpu flag", "err", err)
			return err
		}
		gpuSpecs = append(gpuSpecs, spec)
	}

	totalWorkers := cpuThreads + len(gpuSpecs)
	if totalWorkers == 0 {
		fmt.Fprintln(os.Stderr, "No workers specified. Please use the --gpu or --cpu-threads flags.\nUse --help for more options.")
		os.Exit(1)
	}

	met := metrics.New(gethmetrics.DefaultRegistry)
	state := workqueue.NewState(randomMode, totalWorkers, met)

	stop := make(chan struct{})
	defer close(stop)

	for i := 0; i < cpuThreads; i++ {
		go workqueue.RunCPUWorker(state, stop)
	}
	for i, spec := range gpuSpecs {
		dev, err := gpu.Open(spec.platform, spec.device, spec.threads, localWorkSize)
		if err != nil {
			// Fatal startup error: abort the process rather than run
			// degraded with a GPU that never attaches.
			logger.Crit("failed to open GPU device", "gpu", i, "err", err)
			return err
		}
		defer dev.Close()
		label := fmt.Sprintf("%d:%d", spec.platform, spec.device)
		go workqueue.RunGPUWorker(state, dev, label, met, stop)
	}

	exporter, err := metrics.Serve(c.String(metricsAddressFlag.Name), gethmetrics.DefaultRegistry)
	if err != nil {
		logger.Crit("failed to start metrics exporter", "err", err)
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = exporter.Close(ctx)
	}()

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		logger.Crit("failed to bind listen address", "addr", listenAddr, "err", err)
		return err
	}

	server := httpapi.New(state, met)
	httpServer := &http.Server{Handler: server}

	logger.Info("ready to receive requests", "addr", listenAddr, "cpu_threads", cpuThreads, "gpus", len(gpuSpecs))
	return httpServer.Serve(ln)
}
