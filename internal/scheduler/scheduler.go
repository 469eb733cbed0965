// Package scheduler runs the periodic sweeps on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	redisv9 "github.com/redis/go-redis/v9"
)

// Task is one scheduled function.
type Task struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Locker guards a task run across instances. Acquire returns false when
// another instance holds the lock.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisLocker implements Locker with SET NX.
type RedisLocker struct {
	client *redisv9.Client
	prefix string
}

func NewRedisLocker(client *redisv9.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "docdelta:sched:lock"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+":"+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire scheduler lock failed: %w", err)
	}
	return ok, nil
}

func (l *RedisLocker) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.prefix+":"+key).Err(); err != nil {
		return fmt.Errorf("release scheduler lock failed: %w", err)
	}
	return nil
}

type scheduled struct {
	task Task
	expr *cronexpr.Expression
}

type Scheduler struct {
	tasks  []scheduled
	locker Locker
	logger *slog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New parses every task schedule up front; an invalid expression is an error.
func New(tasks []Task, locker Locker, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		locker: locker,
		logger: logger,
		now:    time.Now,
	}
	for _, t := range tasks {
		if t.Run == nil {
			return nil, fmt.Errorf("task %q has no run function", t.Name)
		}
		expr, err := cronexpr.Parse(t.Schedule)
		if err != nil {
			return nil, fmt.Errorf("parse schedule of task %q: %w", t.Name, err)
		}
		if t.Timeout <= 0 {
			t.Timeout = 5 * time.Minute
		}
		s.tasks = append(s.tasks, scheduled{task: t, expr: expr})
	}
	return s, nil
}

// Next returns the next run time of the named task after from.
func (s *Scheduler) Next(name string, from time.Time) (time.Time, bool) {
	for _, t := range s.tasks {
		if t.task.Name == name {
			next := t.expr.Next(from)
			return next, !next.IsZero()
		}
	}
	return time.Time{}, false
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, t := range s.tasks {
		t := t
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(runCtx, t)
		}()
	}
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t scheduled) {
	for {
		next := t.expr.Next(s.now())
		if next.IsZero() {
			s.logger.Warn("schedule has no future runs", "task", t.task.Name)
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunOnce(ctx, t.task)
		}
	}
}

// RunOnce runs a task now, under the lock when a Locker is configured.
func (s *Scheduler) RunOnce(ctx context.Context, task Task) {
	if s.locker != nil {
		ok, err := s.locker.Acquire(ctx, task.Name, task.Timeout)
		if err != nil {
			s.logger.Error("scheduler lock failed", "task", task.Name, "error", err)
			return
		}
		if !ok {
			s.logger.Debug("task already running elsewhere", "task", task.Name)
			return
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), task.Name); err != nil {
				s.logger.Warn("scheduler unlock failed", "task", task.Name, "error", err)
			}
		}()
	}

	runCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()
	started := s.now()
	if err := task.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("scheduled task failed", "task", task.Name, "error", err, "duration", time.Since(started))
		return
	}
	s.logger.Debug("scheduled task finished", "task", task.Name, "duration", time.Since(started))
}
