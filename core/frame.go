package core

import "fmt"

// Frame is one coroutine invocation on a task's call stack: the coroutine,
// its state and the point at which it continues on its next step.
//
// A frame's parent is the frame directly below it in the CallStack; frames
// below the top are always suspended waiting for the frame above them.
type Frame struct {
	coro    Coroutine
	state   any
	point   int
	finally bool
}

// Point returns the resume point recorded by the last suspension.
func (f *Frame) Point() int { return f.point }

// State returns the opaque state the frame was pushed with.
func (f *Frame) State() any { return f.state }

// CallStack is a bounded LIFO of frames. The task's root coroutine sits at
// index 0 and the running coroutine at the top.
type CallStack struct {
	frames   []Frame
	maxDepth int
}

// NewCallStack returns an empty stack that holds at most maxDepth frames.
func NewCallStack(maxDepth int) CallStack {
	return CallStack{maxDepth: maxDepth}
}

// Push adds a frame for coro on top of the stack. It fails with
// ErrCapacityExceeded, leaving the stack untouched, when the stack is full.
func (cs *CallStack) Push(coro Coroutine, state any) error {
	if len(cs.frames) >= cs.maxDepth {
		return fmt.Errorf("%w: max depth %d", ErrCapacityExceeded, cs.maxDepth)
	}
	cs.frames = append(cs.frames, Frame{coro: coro, state: state})
	return nil
}

// Pop removes and returns the top frame.
func (cs *CallStack) Pop() (Frame, bool) {
	n := len(cs.frames)
	if n == 0 {
		return Frame{}, false
	}
	f := cs.frames[n-1]
	cs.frames[n-1] = Frame{}
	cs.frames = cs.frames[:n-1]
	return f, true
}

// Peek returns the top frame, or nil if the stack is empty. The pointer is
// invalidated by the next Push.
func (cs *CallStack) Peek() *Frame {
	if len(cs.frames) == 0 {
		return nil
	}
	return &cs.frames[len(cs.frames)-1]
}

// Len returns the current depth.
func (cs *CallStack) Len() int { return len(cs.frames) }

// IsEmpty reports whether the stack holds no frames.
func (cs *CallStack) IsEmpty() bool { return len(cs.frames) == 0 }

// MaxDepth returns the configured bound.
func (cs *CallStack) MaxDepth() int { return cs.maxDepth }

// Unwind drops every frame and returns how many were dropped.
func (cs *CallStack) Unwind() int {
	n := len(cs.frames)
	clear(cs.frames)
	cs.frames = cs.frames[:0]
	return n
}
