package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/urfave/cli"

	"idlerunq/internal/blame"
	"idlerunq/internal/config"
	"idlerunq/internal/idle"
	"idlerunq/internal/job"
	"idlerunq/internal/logx"
	"idlerunq/internal/loop"
	"idlerunq/internal/sched"
)

func run(c *cli.Context) error {
	cfg, cfgErr := config.LoadWithErr(configPath)
	if c.IsSet("tasks") {
		cfg.Demo.Tasks = numTasks
	}
	if c.IsSet("delayed") {
		cfg.Demo.Delayed = numDelayed
	}
	duration := cfg.DemoDuration()
	if c.IsSet("duration") {
		duration = c.Duration("duration")
	}

	log := logx.NewConsole(cfg.LogLevel)
	if cfgErr != nil && !errors.Is(cfgErr, fs.ErrNotExist) {
		log.Warn("using default config", logx.Err(cfgErr))
	}

	lp := loop.New(
		loop.WithLogger(log.With(logx.String("component", "loop"))),
		loop.WithTickInterval(cfg.Tick()),
		loop.WithPanicHandler(func(r any) {
			log.Error("idle job panicked", logx.Any("panic", r))
		}),
	)
	defer lp.Close()

	policy := idle.NewWindowPolicy(idle.SystemClock{}, cfg.IdleWindow(),
		idle.WithPolicyLogger(log.With(logx.String("component", "policy"))))
	runner := sched.NewIdleTaskRunner(lp, policy,
		sched.WithLogger(log.With(logx.String("component", "idle"))),
		sched.WithTraceRate(cfg.TraceRatePerSec))
	defer runner.Close()

	bc := blame.New("idlesched", blame.WithLogger(log))
	runner.SetBlameContext(bc)

	// Every cycle: admit delayed jobs, then treat the time up to the next tick
	// as an idle period.
	lp.OnCycle(func() {
		runner.EnqueueReadyDelayedIdleTasks()
		policy.BeginIdlePeriod(policy.NowTicks().Add(cfg.Tick()))
	})

	var (
		mu        sync.Mutex
		completed int
	)
	finished := func(done int) {
		mu.Lock()
		completed++
		mu.Unlock()
		log.Debug("job finished", logx.Int("items", done))
	}

	newJob := func(n int) *job.Chunked {
		items := make([]int, n)
		for i := range items {
			items[i] = i
		}
		j := &job.Chunked{
			Items:    items,
			Now:      policy.NowTicks,
			Step:     func(int) { time.Sleep(200 * time.Microsecond) },
			Finished: finished,
		}
		j.Repost = func(task sched.IdleTask) { runner.PostIdleTask(sched.FromHere(), task) }
		return j
	}

	// Producers post from their own goroutines; only lp's goroutine runs jobs.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < cfg.Demo.Tasks; i++ {
			j := newJob(20 + 10*i)
			if i%4 == 3 {
				runner.PostNonNestableIdleTask(sched.FromHere(), j.Run)
				continue
			}
			runner.PostIdleTask(sched.FromHere(), j.Run)
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < cfg.Demo.Delayed; i++ {
			delay := time.Duration(i+1) * 10 * cfg.Tick()
			runner.PostDelayedIdleTask(sched.FromHere(), delay, newJob(50).Run)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	start := time.Now()
	err := lp.Run(ctx)
	wg.Wait()
	if err != nil {
		return fmt.Errorf("idlesched: %w", err)
	}

	ps := policy.Stats()
	bs := bc.Snapshot()
	mu.Lock()
	done := completed
	mu.Unlock()
	log.Info("demo finished",
		logx.Duration("elapsed", time.Since(start)),
		logx.Int("jobs_completed", done),
		logx.Int("delayed_pending", runner.PendingDelayed()),
		logx.Int("queued", lp.Len()),
		logx.Int64("tasks_ran", lp.Ran()),
		logx.Uint64("idle_posted", ps.Posted),
		logx.Uint64("idle_processed", ps.Processed),
		logx.Uint64("idle_overruns", ps.Overruns),
		logx.Duration("idle_allotted", ps.Allotted),
		logx.Uint64("blame_entries", bs.Entries),
		logx.Duration("blame_busy", bs.Busy),
	)
	return nil
}
