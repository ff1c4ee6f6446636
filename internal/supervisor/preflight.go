package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
)

const minFreeBytes = 2 << 30

// CheckResult is one preflight verdict.
type CheckResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
	// Fatal marks checks that must pass for the stack to run.
	Fatal bool `json:"fatal"`
}

// Preflight verifies the environment before the stack starts: runtime,
// local LLM, state directory, disk space, and GPU presence.
func (s *Supervisor) Preflight(ctx context.Context) []CheckResult {
	var out []CheckResult

	out = append(out, CheckResult{
		Name:   "runtime",
		OK:     true,
		Detail: fmt.Sprintf("%s on %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
		Fatal:  true,
	})

	if path, err := exec.LookPath("ollama"); err == nil {
		out = append(out, CheckResult{Name: "ollama_binary", OK: true, Detail: path, Fatal: true})
	} else {
		out = append(out, CheckResult{Name: "ollama_binary", OK: false, Detail: "ollama not found on PATH", Fatal: true})
	}

	if s.ollamaReachable(ctx) {
		out = append(out, CheckResult{Name: "ollama_reachable", OK: true, Detail: s.ollamaURL})
	} else {
		out = append(out, CheckResult{Name: "ollama_reachable", OK: false,
			Detail: "local LLM not responding (kait start will launch it)"})
	}

	out = append(out, s.checkStateDir())
	out = append(out, s.checkDiskSpace())
	out = append(out, detectGPU())
	return out
}

// PreflightOK reports whether every fatal check passed.
func PreflightOK(results []CheckResult) bool {
	for _, r := range results {
		if r.Fatal && !r.OK {
			return false
		}
	}
	return true
}

func (s *Supervisor) checkStateDir() CheckResult {
	probe := filepath.Join(s.dir, ".write_probe")
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return CheckResult{Name: "state_dir", OK: false, Detail: err.Error(), Fatal: true}
	}
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return CheckResult{Name: "state_dir", OK: false, Detail: err.Error(), Fatal: true}
	}
	os.Remove(probe)
	return CheckResult{Name: "state_dir", OK: true, Detail: s.dir, Fatal: true}
}

func (s *Supervisor) checkDiskSpace() CheckResult {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(s.dir, &fs); err != nil {
		return CheckResult{Name: "disk_space", OK: false, Detail: err.Error()}
	}
	free := fs.Bavail * uint64(fs.Bsize)
	detail := fmt.Sprintf("%.1f GiB free", float64(free)/(1<<30))
	return CheckResult{Name: "disk_space", OK: free >= minFreeBytes, Detail: detail}
}

// detectGPU looks for common accelerator tooling. Informational only;
// the stack runs on CPU.
func detectGPU() CheckResult {
	if _, err := exec.LookPath("nvidia-smi"); err == nil {
		return CheckResult{Name: "gpu", OK: true, Detail: "nvidia-smi found"}
	}
	if _, err := os.Stat("/dev/dri"); err == nil {
		return CheckResult{Name: "gpu", OK: true, Detail: "dri devices present"}
	}
	if runtime.GOOS == "darwin" {
		return CheckResult{Name: "gpu", OK: true, Detail: "metal (apple silicon)"}
	}
	return CheckResult{Name: "gpu", OK: false, Detail: "no accelerator detected, using CPU"}
}
