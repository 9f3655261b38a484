package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type runFunc func(ctx context.Context) error

func (f runFunc) Run(ctx context.Context) error { return f(ctx) }

func TestRunExitCode(t *testing.T) {
	t.Parallel()

	ok := runFunc(func(context.Context) error { return nil })
	require.Equal(t, 0, run(context.Background(), ok, zap.NewNop()))

	failed := runFunc(func(context.Context) error { return errors.New("close progress hub: deadline exceeded") })
	require.Equal(t, 1, run(context.Background(), failed, zap.NewNop()))
}
