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

package app_test

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/deep-rent/cdylib/internal/app"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Success(t *testing.T) {
	require.NoError(t, app.Run(func(context.Context) error { return nil }))
}

func TestRun_TaskError(t *testing.T) {
	err := app.Run(func(context.Context) error { return assert.AnError })
	require.ErrorIs(t, err, assert.AnError)
}

func TestRun_Panic(t *testing.T) {
	err := app.Run(func(context.Context) error {
		panic("cargo vanished")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task panic")
	assert.Contains(t, err.Error(), "cargo vanished")
}

func interrupt(t *testing.T, sig os.Signal) {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
	p, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, p.Signal(sig))
}

func TestRun_Signal(t *testing.T) {
	sig := syscall.SIGUSR1
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Run(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}, app.WithSignals(sig))
	}()

	interrupt(t, sig)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("did not return after signal")
	}
}

func TestRun_Timeout(t *testing.T) {
	sig := syscall.SIGUSR1
	timeout := 20 * time.Millisecond
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Run(func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(10 * timeout)
			return nil
		}, app.WithSignals(sig), app.WithTimeout(timeout))
	}()

	interrupt(t, sig)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "shutdown timed out")
	case <-time.After(time.Second):
		t.Fatal("did not time out")
	}
}

func TestRun_ParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Run(func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}, app.WithContext(ctx))
	}()

	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("did not return after cancel")
	}
}
