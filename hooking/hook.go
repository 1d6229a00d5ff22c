// Package hooking lets observers watch the kernel. Components fire hooks at
// named positions, such as a page fault or a process exit, and pass along
// the event the position is about.
package hooking

import (
	"log"
	"reflect"
	"slices"
)

// A HookPos names a point where a component fires its hooks.
type HookPos struct {
	Name string
}

func (p *HookPos) String() string {
	return p.Name
}

// HookCtx is what a hook receives.
type HookCtx struct {
	// Domain is the component that fired the hook.
	Domain Hookable
	Pos    *HookPos

	// Item is the event, for example a vm.Event or a kernel.ExitRecord.
	Item any
}

// Hookable is implemented by components that fire hooks.
type Hookable interface {
	AcceptHook(hook Hook)
	NumHooks() int
	Hooks() []Hook
}

// A Hook runs every time the component it is attached to fires.
type Hook interface {
	Func(ctx HookCtx)
}

// HookFunc turns a function into a Hook.
type HookFunc func(ctx HookCtx)

// Func calls f.
func (f HookFunc) Func(ctx HookCtx) {
	f(ctx)
}

// At returns a hook that runs f only at the given positions.
func At(f HookFunc, positions ...*HookPos) Hook {
	return &posFilter{f: f, positions: positions}
}

type posFilter struct {
	f         HookFunc
	positions []*HookPos
}

func (h *posFilter) Func(ctx HookCtx) {
	if slices.Contains(h.positions, ctx.Pos) {
		h.f(ctx)
	}
}

// HookableBase implements Hookable. Components embed it and call InvokeHook.
type HookableBase struct {
	hooks []Hook
}

// NumHooks returns the number of hooks registered.
func (h *HookableBase) NumHooks() int {
	return len(h.hooks)
}

// Hooks returns the hooks in registration order.
func (h *HookableBase) Hooks() []Hook {
	return h.hooks
}

// AcceptHook registers hook. Registering the same hook twice is a fatal
// error. Hooks of non-comparable types, such as HookFunc, are never
// considered the same.
func (h *HookableBase) AcceptHook(hook Hook) {
	if reflect.TypeOf(hook).Comparable() {
		for _, other := range h.hooks {
			if other == hook {
				log.Panicf("hooking: hook %T registered twice", hook)
			}
		}
	}

	h.hooks = append(h.hooks, hook)
}

// InvokeHook passes ctx to every hook in registration order.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.hooks {
		hook.Func(ctx)
	}
}
