package loop

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"idlerunq/internal/sched"
)

func TestLoopRunsTasksInPostOrder(t *testing.T) {
	l := New()
	defer l.Close()

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.PostTask(sched.FromHere(), func() { got = append(got, i) })
	}
	if n := l.RunUntilIdle(); n != 5 {
		t.Fatalf("ran %d, want 5", n)
	}
	if want := []int{0, 1, 2, 3, 4}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if l.Ran() != 5 || l.Len() != 0 {
		t.Fatalf("ran=%d len=%d", l.Ran(), l.Len())
	}
}

func TestLoopRunsTasksPostedWhileDraining(t *testing.T) {
	l := New()
	defer l.Close()

	var got []string
	l.PostTask(sched.FromHere(), func() {
		got = append(got, "a")
		l.PostTask(sched.FromHere(), func() { got = append(got, "c") })
	})
	l.PostTask(sched.FromHere(), func() { got = append(got, "b") })
	l.RunUntilIdle()

	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestLoopDefersNonNestableTasksWhileNested(t *testing.T) {
	l := New()
	defer l.Close()

	var got []string
	l.PostTask(sched.FromHere(), func() {
		l.PostNonNestableTask(sched.FromHere(), func() { got = append(got, "nn1") })
		l.PostTask(sched.FromHere(), func() { got = append(got, "n1") })
		l.PostNonNestableTask(sched.FromHere(), func() { got = append(got, "nn2") })
		l.PostTask(sched.FromHere(), func() { got = append(got, "n2") })

		// "after" was queued first and is nestable, so it runs here too.
		if n := l.RunUntilIdle(); n != 3 {
			t.Errorf("nested run ran %d, want 3", n)
		}
		got = append(got, "outer")
	})
	l.PostTask(sched.FromHere(), func() { got = append(got, "after") })
	l.RunUntilIdle()

	want := []string{"after", "n1", "n2", "outer", "nn1", "nn2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestLoopNonNestableRunsNormallyAtTopLevel(t *testing.T) {
	l := New()
	defer l.Close()

	var got []string
	l.PostTask(sched.FromHere(), func() { got = append(got, "a") })
	l.PostNonNestableTask(sched.FromHere(), func() { got = append(got, "b") })
	l.PostTask(sched.FromHere(), func() { got = append(got, "c") })
	l.RunUntilIdle()

	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestLoopCycleHooksRunOncePerTopLevelDrain(t *testing.T) {
	l := New()
	defer l.Close()

	cycles := 0
	l.OnCycle(func() { cycles++ })

	l.PostTask(sched.FromHere(), func() { l.RunUntilIdle() })
	l.RunUntilIdle()
	l.RunUntilIdle()

	if cycles != 2 {
		t.Fatalf("cycles = %d, want 2", cycles)
	}
}

func TestLoopCloseDropsPendingAndRejectsPosts(t *testing.T) {
	l := New()

	ran := 0
	for i := 0; i < 3; i++ {
		l.PostTask(sched.FromHere(), func() { ran++ })
	}
	l.Close()
	l.Close()

	if l.PostTask(sched.FromHere(), func() { ran++ }) {
		t.Fatalf("post after close accepted")
	}
	if l.PostNonNestableTask(sched.FromHere(), func() { ran++ }) {
		t.Fatalf("non-nestable post after close accepted")
	}
	if n := l.RunUntilIdle(); n != 0 || ran != 0 {
		t.Fatalf("n=%d ran=%d after close", n, ran)
	}
	if err := l.Run(context.Background()); !errors.Is(err, ErrLoopClosed) {
		t.Fatalf("Run after close = %v, want ErrLoopClosed", err)
	}
}

func TestLoopOwnerChecks(t *testing.T) {
	l := New()
	defer l.Close()

	if !l.RunsTasksOnCurrentThread() {
		t.Fatalf("creating goroutine should own the loop")
	}

	var (
		wg       sync.WaitGroup
		owner    bool
		panicked bool
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		owner = l.RunsTasksOnCurrentThread()
		defer func() { panicked = recover() != nil }()
		l.RunUntilIdle()
	}()
	wg.Wait()

	if owner {
		t.Fatalf("foreign goroutine reported as owner")
	}
	if !panicked {
		t.Fatalf("RunUntilIdle off the owner goroutine should panic")
	}
}

func TestLoopRunFromTaskIsRejected(t *testing.T) {
	l := New()
	defer l.Close()

	var err error
	l.PostTask(sched.FromHere(), func() { err = l.Run(context.Background()) })
	l.RunUntilIdle()

	if !errors.Is(err, ErrReentrantRun) {
		t.Fatalf("err = %v, want ErrReentrantRun", err)
	}
}

func TestLoopRunProcessesCrossGoroutinePosts(t *testing.T) {
	l := New(WithTickInterval(time.Millisecond))
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const total = 200
	count := 0
	go func() {
		for i := 0; i < total; i++ {
			l.PostTask(sched.FromHere(), func() {
				count++
				if count == total {
					cancel()
				}
			})
		}
	}()

	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if count != total {
		t.Fatalf("count = %d, want %d", count, total)
	}
}

func TestLoopRunReturnsWhenClosed(t *testing.T) {
	l := New(WithTickInterval(time.Millisecond))

	ticks := 0
	l.OnCycle(func() {
		ticks++
		if ticks == 3 {
			go l.Close()
		}
	})

	if err := l.Run(context.Background()); !errors.Is(err, ErrLoopClosed) {
		t.Fatalf("Run = %v, want ErrLoopClosed", err)
	}
	if ticks < 3 {
		t.Fatalf("ticks = %d, want >= 3", ticks)
	}
}

func TestLoopPanicHandler(t *testing.T) {
	var recovered any
	l := New(WithPanicHandler(func(r any) { recovered = r }))
	defer l.Close()

	after := false
	l.PostTask(sched.FromHere(), func() { panic("boom") })
	l.PostTask(sched.FromHere(), func() { after = true })
	l.RunUntilIdle()

	if recovered != "boom" {
		t.Fatalf("recovered = %v", recovered)
	}
	if !after {
		t.Fatalf("loop stopped after a recovered panic")
	}
}

func TestLoopPanicPropagatesWithoutHandler(t *testing.T) {
	l := New()
	defer l.Close()

	l.PostTask(sched.FromHere(), func() { panic("boom") })
	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Fatalf("recover = %v, want boom", r)
			}
		}()
		l.RunUntilIdle()
	}()

	// depth unwound: a later top-level drain still runs cycle hooks
	cycles := 0
	l.OnCycle(func() { cycles++ })
	l.RunUntilIdle()
	if cycles != 1 {
		t.Fatalf("cycles = %d, want 1", cycles)
	}
}

func TestTickClockCountsAndStops(t *testing.T) {
	c := NewTickClock(1)
	c.Start(time.Millisecond)

	deadline := time.After(2 * time.Second)
	for c.Count() < 3 {
		select {
		case <-c.Ch:
		case <-deadline:
			t.Fatalf("clock did not tick, count = %d", c.Count())
		}
	}
	c.Stop()
	c.Stop()
}
