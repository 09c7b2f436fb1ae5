package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/pager/internal/cfg"
	"github.com/e2b-dev/infra/packages/pager/internal/evict"
	"github.com/e2b-dev/infra/packages/pager/internal/kernel"
	"github.com/e2b-dev/infra/packages/pager/internal/swap"
	"github.com/e2b-dev/infra/packages/pager/internal/testutils"
)

func testConfig() cfg.Config {
	return cfg.Config{
		PhysicalFrames: 8,
		EvictionPolicy: evict.NameFIFO,
		SwapContent:    swap.ContentPreserve,
		SwapSlots:      swap.MaxSlots,
		StatPageLimit:  128,
		TraceEnabled:   true,
	}
}

func newKernel(t *testing.T) *kernel.Kernel {
	t.Helper()

	k, err := kernel.New(testConfig(), testutils.NewTestLogger(t), nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, k.Close(context.Background()))
	})

	return k
}

func TestRunProcess_Scenarios(t *testing.T) {
	t.Parallel()

	tests := []struct {
		scenario string
		want     string
	}{
		{scenario: scenarioSafe, want: "demandtest: finished"},
		{scenario: scenarioSwap, want: "Re-accessed heap page 4, value=E"},
		{scenario: scenarioFull, want: "process killed: invalid-access"},
		{scenario: scenarioMemtest, want: "Test completed"},
	}

	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()

			k := newKernel(t)
			out := &bytes.Buffer{}

			p, err := runProcess(context.Background(), k, testutils.NewExecutable(testutils.TextAndData().Build()), tt.scenario, out)
			require.NoError(t, err)
			require.NotNil(t, p)

			assert.Contains(t, out.String(), tt.want)
			assert.Contains(t, out.String(), "memstat: pid=")
			assert.Equal(t, 0, k.Processes())
			assert.Equal(t, uint(0), k.Memory().InUse())
		})
	}
}

func TestRunProcess_ExecFailureHasNoProcess(t *testing.T) {
	t.Parallel()

	k := newKernel(t)

	raw := testutils.TextAndData().Build()
	raw[1] = 'X'

	p, err := runProcess(context.Background(), k, testutils.NewExecutable(raw), scenarioSafe, &bytes.Buffer{})
	require.Error(t, err)
	assert.Nil(t, p)
}

func TestRun_FailedExecsAreReported(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.elf")
	require.NoError(t, os.WriteFile(path, []byte("not an elf"), 0o644))

	err := run(context.Background(), testutils.NewTestLogger(t), testConfig(), scenarioSafe, 3, path, false)
	require.Error(t, err)
}
