// Package cororunner runs stackless coroutines cooperatively on a single
// goroutine, resuming them when the kernel reports their I/O complete.
//
// A coroutine is a plain function that is called again and again. Each call
// continues from the resume point it recorded when it last suspended, so no
// goroutine or native stack is held while a task waits:
//
//	func greet(t *cororunner.Task, state any) cororunner.Result {
//		switch t.Point() {
//		case 0:
//			return t.Sleep(1, 100*time.Millisecond)
//		case 1:
//			fmt.Println("hello")
//		}
//		return t.Return()
//	}
//
// # Quick Start
//
// Run one root task until every task it spawns has finished:
//
//	err := cororunner.Forever(ctx, greet, nil, 64)
//
// Or build a scheduler explicitly:
//
//	s, err := cororunner.New(cororunner.WithMaxTasks(128), cororunner.WithBackend(cororunner.BackendRing))
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//	s.Spawn(greet, nil)
//	err = s.Loop(ctx)
//
// # Key Concepts
//
// Task: a pool slot holding a call stack of frames. A coroutine awaits
// another coroutine with Task.Await, which pushes a frame; the caller resumes
// on a later pass once the callee returns.
//
// Pool: a fixed number of task slots chosen at construction. Spawn fails
// with ErrPoolSaturated instead of blocking when every slot is taken.
//
// Reactor: the I/O backend. BackendEpoll waits for readiness and performs
// nonblocking reads and writes; BackendRing submits the operations to an
// io_uring. Coroutines see the same results from both.
//
// # Thread Safety
//
// A Scheduler is driven by one goroutine. Spawn and Kill are called from
// coroutines, Module hooks or before Loop starts. Runner adds a
// goroutine-safe Post on top for feeding work from elsewhere.
package cororunner
