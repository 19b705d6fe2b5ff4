package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/johndauphine/sqlconv/internal/analyzer"
	"github.com/johndauphine/sqlconv/internal/config"
	"github.com/johndauphine/sqlconv/internal/fault"
	"github.com/johndauphine/sqlconv/internal/logging"
)

// minFreeDiskMB is the free space required on the output volume.
const minFreeDiskMB = 100

// Check is one preflight probe.
type Check struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Detail    string `json:"detail"`
	LatencyMs int64  `json:"latency_ms"`
}

// PreflightResult collects the probes run before a pipeline starts.
type PreflightResult struct {
	Timestamp string  `json:"timestamp"`
	Checks    []Check `json:"checks"`
	Healthy   bool    `json:"healthy"`
}

// Failure describes the failed checks.
func (r *PreflightResult) Failure() string {
	var failed []string
	for _, c := range r.Checks {
		if !c.OK {
			failed = append(failed, c.Name+": "+c.Detail)
		}
	}
	return strings.Join(failed, "; ")
}

// Preflight verifies input, output, disk space, ledger and backend
// configuration. Probes run in parallel, each with its own timeout.
func (o *Orchestrator) Preflight(ctx context.Context) (*PreflightResult, error) {
	const checkTimeout = 30 * time.Second

	probes := []struct {
		name string
		fn   func(context.Context) (string, error)
	}{
		{"input", o.checkInput},
		{"output", o.checkOutput},
		{"disk", o.checkDisk},
		{"ledger", o.checkLedger},
		{"backend", o.checkBackend},
	}

	result := &PreflightResult{
		Timestamp: time.Now().Format(time.RFC3339),
		Checks:    make([]Check, len(probes)),
	}
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			detail, err := p.fn(checkCtx)
			c := Check{Name: p.name, OK: err == nil, Detail: detail, LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				c.Detail = err.Error()
			}
			result.Checks[i] = c
		}()
	}
	wg.Wait()

	result.Healthy = true
	for _, c := range result.Checks {
		if !c.OK {
			result.Healthy = false
			logging.Warn("Preflight %s failed: %s", c.Name, c.Detail)
		} else {
			logging.Debug("Preflight %s ok: %s", c.Name, c.Detail)
		}
	}
	return result, ctx.Err()
}

func (o *Orchestrator) checkInput(ctx context.Context) (string, error) {
	if o.config.Input.Dir == "" {
		return "", fault.Config("input.dir", "is required")
	}
	files, err := analyzer.Discover(o.config.Input.Dir, o.config.Input.Extensions)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no files with extensions %s in %s",
			strings.Join(o.config.Input.Extensions, ","), o.config.Input.Dir)
	}
	return fmt.Sprintf("%d source files", len(files)), nil
}

func (o *Orchestrator) checkOutput(ctx context.Context) (string, error) {
	dir := o.config.Output.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return "", fmt.Errorf("%s is not writable: %w", dir, err)
	}
	f.Close()
	os.Remove(f.Name())
	return dir + " writable", nil
}

func (o *Orchestrator) checkDisk(ctx context.Context) (string, error) {
	dir, err := filepath.Abs(o.config.Output.Dir)
	if err != nil {
		return "", err
	}
	// Walk up to an existing path; the output directory may not exist yet.
	for {
		if _, err := os.Stat(dir); err == nil || filepath.Dir(dir) == dir {
			break
		}
		dir = filepath.Dir(dir)
	}
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return "", fmt.Errorf("reading disk usage: %w", err)
	}
	freeMB := usage.Free / (1024 * 1024)
	if freeMB < minFreeDiskMB {
		return "", fmt.Errorf("only %d MB free on %s", freeMB, usage.Path)
	}
	detail := fmt.Sprintf("%d MB free", freeMB)
	if memMB := config.AvailableMemoryMB(); memMB > 0 {
		detail += fmt.Sprintf(", %d MB memory available", memMB)
	}
	return detail, nil
}

func (o *Orchestrator) checkLedger(ctx context.Context) (string, error) {
	runs, err := o.store.ListRuns(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s ledger, %d runs", o.config.Ledger.Driver, len(runs)), nil
}

func (o *Orchestrator) checkBackend(ctx context.Context) (string, error) {
	gen, err := o.generator()
	if err != nil {
		return "", err
	}
	if e, ok := gen.(interface{ Endpoint() string }); ok {
		return e.Endpoint(), nil
	}
	return "custom generator", nil
}
