package cororunner_test

import (
	"context"
	"fmt"
	"time"

	cororunner "github.com/Swind/go-coro-runner"
)

type countdown struct {
	n int
}

func tick(t *cororunner.Task, c *countdown) cororunner.Result {
	switch t.Point() {
	case 0:
		fmt.Println("tick", c.n)
		c.n--
		if c.n == 0 {
			break
		}
		return t.Sleep(0, time.Millisecond)
	}
	return t.Return()
}

// ExampleForever demonstrates running a root coroutine to completion.
func ExampleForever() {
	err := cororunner.Forever(context.Background(), cororunner.Typed(tick), &countdown{n: 3}, 4)
	fmt.Println("err:", err)

	// Output:
	// tick 3
	// tick 2
	// tick 1
	// err: <nil>
}

func child(t *cororunner.Task, label string) cororunner.Result {
	fmt.Println("child", label)
	return t.Throw(7)
}

func parent(t *cororunner.Task, _ any) cororunner.Result {
	switch t.Point() {
	case 0:
		return t.Await(1, cororunner.Typed(child), "a")
	case 1:
		fmt.Println("parent sees errno", t.Errno())
		t.ClearError()
	}
	return t.Return()
}

// ExampleTask_Await demonstrates a nested call and explicit error handling.
func ExampleTask_Await() {
	s, err := cororunner.New(cororunner.WithMaxTasks(2))
	if err != nil {
		fmt.Println(err)
		return
	}
	defer s.Close()

	h, _ := s.Spawn(parent, nil)
	_ = s.Loop(context.Background())
	fmt.Println("errno after exit:", h.Errno())

	// Output:
	// child a
	// parent sees errno 7
	// errno after exit: 0
}
