package sip

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flowpbx/signalrtc/internal/store"
)

// CallDescriptor is what a dialplan lookup resolves a dialled user to.
type CallDescriptor struct {
	Destination string // SIP URI to dial
	Body        string // request body to forward, e.g. the original SDP
}

// UasTxInfo exposes the inbound INVITE's relevant fields to dialplan
// scripts as the "uasTx" binding.
type UasTxInfo struct {
	DialledUser string
	FromUser    string
	FromHost    string
	Body        string
}

// FromAccountInfo exposes the resolved caller account, if hosted — the
// "from" binding.
type FromAccountInfo struct {
	Hosted   bool
	Username string
	DomainID int64
}

type compiledDialplan struct {
	program    *vm.Program
	compiledAt time.Time
}

// DialplanEvaluator compiles the persisted dialplan source into a cached
// in-process callable, recompiling on source change.
type DialplanEvaluator struct {
	repo    store.DialplanRepository
	slot    atomic.Pointer[compiledDialplan]
	lastErr atomic.Pointer[string]
	logger  *slog.Logger
}

// NewDialplanEvaluator creates an evaluator backed by repo.
func NewDialplanEvaluator(repo store.DialplanRepository, logger *slog.Logger) *DialplanEvaluator {
	return &DialplanEvaluator{repo: repo, logger: logger.With("subsystem", "dialplan")}
}

// Warm compiles the current dialplan at startup so the first call doesn't
// pay the compilation cost inline.
func (d *DialplanEvaluator) Warm(ctx context.Context) error {
	return d.refreshIfStale(ctx)
}

// Lookup resolves a dialled user to a call descriptor, recompiling first if
// the persisted dialplan has changed since the last compile. Returns
// (nil, nil) when the script legitimately yields no route — callers
// respond 404 in that case.
func (d *DialplanEvaluator) Lookup(ctx context.Context, uasTx UasTxInfo, from FromAccountInfo) (*CallDescriptor, error) {
	if err := d.refreshIfStale(ctx); err != nil {
		d.logger.Warn("dialplan refresh failed, using previously compiled version", "error", err)
	}

	current := d.slot.Load()
	if current == nil || current.program == nil {
		return nil, fmt.Errorf("no dialplan compiled")
	}

	env := map[string]any{
		"uasTx": uasTx,
		"from":  from,
		"fwd": func(dest string, body string) CallDescriptor {
			return CallDescriptor{Destination: dest, Body: body}
		},
	}

	out, err := expr.Run(current.program, env)
	if err != nil {
		return nil, fmt.Errorf("running dialplan: %w", err)
	}
	if out == nil {
		return nil, nil
	}
	if cd, ok := out.(CallDescriptor); ok {
		return &cd, nil
	}
	return nil, nil
}

// LastCompileError returns the most recent compilation error, or "" if the
// current compiled version built cleanly. Surfaced to the management UI
//'s "compilation failures return an error string for display".
func (d *DialplanEvaluator) LastCompileError() string {
	if p := d.lastErr.Load(); p != nil {
		return *p
	}
	return ""
}

// refreshIfStale recompiles when the persisted dialplan's lastUpdate
// (truncated to whole seconds) is newer than the last in-memory compile.
func (d *DialplanEvaluator) refreshIfStale(ctx context.Context) error {
	dp, err := d.repo.Get(ctx)
	if err != nil {
		return fmt.Errorf("loading dialplan: %w", err)
	}
	if dp == nil {
		return fmt.Errorf("no dialplan configured")
	}

	truncated := dp.LastUpdate.Truncate(time.Second)
	current := d.slot.Load()
	if current != nil && !truncated.After(current.compiledAt) {
		return nil
	}

	return d.compile(dp.ScriptSource, truncated)
}

func (d *DialplanEvaluator) compile(source string, compiledAt time.Time) error {
	program, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		msg := err.Error()
		d.lastErr.Store(&msg)
		return fmt.Errorf("compiling dialplan: %w", err)
	}

	d.slot.Store(&compiledDialplan{program: program, compiledAt: compiledAt})
	empty := ""
	d.lastErr.Store(&empty)

	// Script compiler state can run to hundreds of MB; collect the
	// previous compile's artifacts immediately rather than waiting for
	// the next GC cycle to bound peak RSS.
	runtime.GC()

	return nil
}
