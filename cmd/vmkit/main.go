// Command vmkit is a thin demonstration CLI wiring config, the reference
// GCPlan, and vm.VirtualMachine together: boot, serve /metrics if
// requested, run a handful of allocations through the write barriers, and
// collect once before shutting down. It exists to exercise the full boot
// path end to end (spec §12), not as a production runtime entry point.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vmkit-go/vmkit/api"
	"github.com/vmkit-go/vmkit/config"
	"github.com/vmkit-go/vmkit/internal/gcplan"
	"github.com/vmkit-go/vmkit/vm"
)

func main() {
	os.Exit(doMain(os.Args[1:], os.Stderr))
}

// doMain is separated out for the purpose of unit testing.
func doMain(args []string, stdErr io.Writer) int {
	cfg := config.New("vmkit")
	cfg.FlagSet().SetOutput(stdErr)
	if err := cfg.Parse(args); err != nil {
		fmt.Fprintln(stdErr, err)
		return 1
	}

	reg := prometheus.NewRegistry()
	var server *http.Server
	if *cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server = &http.Server{Addr: *cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintln(stdErr, "metrics server:", err)
			}
		}()
	}

	plan := gcplan.NewReferencePlan()
	vmInstance, err := vm.Boot(vm.Options{Config: cfg, Plan: plan, Registerer: reg})
	if err != nil {
		fmt.Fprintln(stdErr, "boot:", err)
		return 1
	}

	if err := demonstrate(vmInstance); err != nil {
		fmt.Fprintln(stdErr, "demonstration:", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := vmInstance.Shutdown(ctx); err != nil {
		fmt.Fprintln(stdErr, "shutdown:", err)
		return 1
	}
	if server != nil {
		_ = server.Close()
	}
	return 0
}

// demonstrate allocates a handful of objects through the barrier API,
// registers one as a weak reference, and runs a collection cycle, just
// enough to confirm the whole pipeline from MutatorAllocate through
// ScanForCollector is wired correctly. The demonstration's own thread
// record is detached before collecting, since Collect waits for every
// attached mutator to reach a safepoint.
func demonstrate(vmInstance *vm.VirtualMachine) error {
	rec, err := vmInstance.AttachThread()
	if err != nil {
		return err
	}

	referent, err := vmInstance.Barriers().Alloc(16, nil)
	if err != nil {
		vmInstance.DetachThread(rec)
		return err
	}
	weakRef, err := vmInstance.Barriers().Alloc(16, nil)
	if err != nil {
		vmInstance.DetachThread(rec)
		return err
	}
	api.SetReferent(weakRef, referent)
	vmInstance.RegisterWeak(weakRef)
	vmInstance.DetachThread(rec)

	vmInstance.Collect()
	return nil
}
