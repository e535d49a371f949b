// Copyright (c) 2025-present deep.rent GmbH (https://deep.rent)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package app runs a command-line task that stops cleanly on interrupt.
//
// The task receives a context that is canceled on SIGINT or SIGTERM. Build
// tasks pass it on to cargo, so an interrupt kills the running child, and
// the runner waits a bounded time for the task to return.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"
)

// DefaultTimeout bounds the wait for the task after an interrupt.
const DefaultTimeout = 10 * time.Second

// Task is the unit of work executed by Run.
type Task func(ctx context.Context) error

type config struct {
	logger  *slog.Logger
	timeout time.Duration
	signals []os.Signal
	ctx     context.Context
}

// Option configures Run.
type Option func(*config)

// WithLogger sets the logger of the runner. A nil value is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeout sets how long Run waits for the task once interrupted.
// Non-positive durations are ignored.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithSignals replaces the signals that interrupt the task.
func WithSignals(signals ...os.Signal) Option {
	return func(c *config) {
		if len(signals) > 0 {
			c.signals = signals
		}
	}
}

// WithContext sets the parent context of the task. A nil value is ignored.
func WithContext(ctx context.Context) Option {
	return func(c *config) {
		if ctx != nil {
			c.ctx = ctx
		}
	}
}

// Run executes fn and blocks until it returns, or until it fails to return
// within the timeout after an interrupt. A task that returns the error of
// its canceled context counts as a clean exit. Panics are recovered and
// reported as errors.
func Run(fn Task, opts ...Option) error {
	cfg := config{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
		signals: []os.Signal{syscall.SIGTERM, syscall.SIGINT},
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := signal.NotifyContext(cfg.ctx, cfg.signals...)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("task panic: %v\n%s", r, debug.Stack())
			}
		}()
		errCh <- fn(ctx)
	}()

	select {
	case err := <-errCh:
		return filter(err)
	case <-ctx.Done():
	}

	cfg.logger.Info("Interrupted, waiting for the task to stop")
	timer := time.NewTimer(cfg.timeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return filter(err)
	case <-timer.C:
		return fmt.Errorf("shutdown timed out after %v", cfg.timeout)
	}
}

func filter(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
