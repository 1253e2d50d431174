// Package hook implements the Hook Engine: a typed registry of callbacks
// fired at fixed points in a turn (before/after a tool call, on prompt
// submit, on stop, before compaction, at session start/end). It generalizes
// the inline permission-check call sites the starting point's
// session/processor.go made directly into tool execution, turning them into
// a registrable, ordered pipeline so multiple independent concerns (the
// permission checker, audit logging, custom user hooks) can all observe the
// same points without the turn loop knowing about any of them individually.
package hook

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Point names a fixed place in the turn lifecycle where hooks can run.
type Point string

const (
	PreToolUse       Point = "pre_tool_use"
	PostToolUse      Point = "post_tool_use"
	UserPromptSubmit Point = "user_prompt_submit"
	Stop             Point = "stop"
	PreCompact       Point = "pre_compact"
	SessionStart     Point = "session_start"
	SessionEnd       Point = "session_end"
)

// Mode controls whether the turn loop waits for a hook before continuing.
type Mode string

const (
	ModeBlocking   Mode = "blocking"   // turn loop waits for this hook to return
	ModeBackground Mode = "background" // fired and tracked, but doesn't gate the turn
)

// Decision is what a blocking hook can do to the event it observed.
type Decision struct {
	Block  bool   // true halts the pipeline and the originating action
	Reason string // shown to the user/caller when Block is true
}

// Event carries whatever the firing point needs to pass a hook.
type Event struct {
	Point     Point
	SessionID string
	ToolName  string
	Payload   map[string]any
}

// Func is a single hook's implementation. Returning a non-nil error aborts
// a blocking pipeline with that error; Decision.Block does the same without
// treating it as an error.
type Func func(ctx context.Context, evt Event) (Decision, error)

type registration struct {
	name     string
	priority int
	mode     Mode
	fn       Func
}

// Engine is the registry and dispatcher for hooks across all points.
type Engine struct {
	mu    sync.RWMutex
	hooks map[Point][]registration
	log   zerolog.Logger

	bgMu    sync.Mutex
	bgWG    sync.WaitGroup
	bgCount int
}

// New creates an empty Hook Engine. logger is the handle this engine logs
// through, set once here rather than read from a package-level global.
func New(logger zerolog.Logger) *Engine {
	return &Engine{hooks: make(map[Point][]registration), log: logger}
}

// Register adds a hook at a point. Lower priority numbers run first;
// hooks with equal priority run in registration order.
func (e *Engine) Register(point Point, name string, priority int, mode Mode, fn Func) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks[point] = append(e.hooks[point], registration{name: name, priority: priority, mode: mode, fn: fn})
	sort.SliceStable(e.hooks[point], func(i, j int) bool {
		return e.hooks[point][i].priority < e.hooks[point][j].priority
	})
}

// Fire runs every hook registered at point, in priority order. Blocking
// hooks run synchronously and the first one that blocks stops the pipeline
// and is returned. Background hooks are launched in goroutines tracked by
// WaitForBackground and never block the caller or influence the decision.
func (e *Engine) Fire(ctx context.Context, evt Event) (Decision, error) {
	e.mu.RLock()
	regs := append([]registration(nil), e.hooks[evt.Point]...)
	e.mu.RUnlock()

	for _, r := range regs {
		if r.mode == ModeBackground {
			e.runBackground(r, evt)
			continue
		}
		decision, err := r.fn(ctx, evt)
		if err != nil {
			return Decision{}, err
		}
		if decision.Block {
			e.log.Info().Str("hook", r.name).Str("point", string(evt.Point)).Str("reason", decision.Reason).Msg("hook blocked action")
			return decision, nil
		}
	}
	return Decision{}, nil
}

func (e *Engine) runBackground(r registration, evt Event) {
	e.bgMu.Lock()
	e.bgCount++
	e.bgWG.Add(1)
	e.bgMu.Unlock()

	go func() {
		defer e.bgWG.Done()
		defer func() {
			e.bgMu.Lock()
			e.bgCount--
			e.bgMu.Unlock()
		}()
		// Background hooks get their own context: the triggering turn may
		// already be past the point where it would cancel ctx before this
		// finishes draining.
		if _, err := r.fn(context.Background(), evt); err != nil {
			e.log.Warn().Str("hook", r.name).Err(err).Msg("background hook failed")
		}
	}()
}

// WaitForBackground blocks until every background hook launched so far has
// finished. Used at session end / server shutdown to drain cleanly.
func (e *Engine) WaitForBackground() {
	e.bgWG.Wait()
}

// PendingBackground returns how many background hooks are still running.
func (e *Engine) PendingBackground() int {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	return e.bgCount
}
