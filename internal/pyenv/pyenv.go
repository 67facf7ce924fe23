package pyenv

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// Result is the prepared execution environment the supervisor binds to.
type Result struct {
	Python string   // absolute interpreter path
	Script string   // absolute worker entry script path
	Env    []string // extra environment entries for the worker
}

// Preparer resolves the worker's runtime environment. Toolchain bootstrap
// (installing the interpreter and packages) lives behind this boundary.
type Preparer interface {
	Prepare(ctx context.Context) (Result, error)
	// Invalidate drops any cached result so the next Prepare re-resolves.
	Invalidate()
}

// VenvPreparer locates a virtualenv interpreter and validates that the worker
// entry script exists. The result is cached until Invalidate.
type VenvPreparer struct {
	VenvDir string
	Script  string
	Env     []string
	Logger  *slog.Logger

	mu     sync.Mutex
	cached *Result
}

var _ Preparer = (*VenvPreparer)(nil)

func (p *VenvPreparer) Prepare(ctx context.Context) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil {
		return *p.cached, nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	python, err := p.resolveInterpreter()
	if err != nil {
		return Result{}, err
	}
	script, err := filepath.Abs(p.Script)
	if err != nil {
		return Result{}, err
	}
	if fi, err := os.Stat(script); err != nil || fi.IsDir() {
		return Result{}, fmt.Errorf("worker script %s: not a readable file", script)
	}

	res := Result{Python: python, Script: script, Env: append([]string(nil), p.Env...)}
	p.cached = &res
	if p.Logger != nil {
		p.Logger.Info("python environment prepared", "python", python, "script", script)
	}
	return res, nil
}

func (p *VenvPreparer) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

func (p *VenvPreparer) resolveInterpreter() (string, error) {
	if p.VenvDir != "" {
		candidate := filepath.Join(p.VenvDir, "bin", "python")
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
			return filepath.Abs(candidate)
		}
	}
	for _, name := range []string{"python3", "python"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no python interpreter found (venv %q, PATH)", p.VenvDir)
}
