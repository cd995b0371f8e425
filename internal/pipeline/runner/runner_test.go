package runner

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectLines() (func(string), func() []string) {
	var mu sync.Mutex
	var lines []string
	onLine := func(l string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, l)
	}
	get := func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(lines))
		copy(out, lines)
		return out
	}
	return onLine, get
}

func TestRunner_SuccessfulExit(t *testing.T) {
	r := New(nil)
	onLine, lines := collectLines()

	res := r.Run([]string{"sh", "-c", "echo one; echo two"}, "", nil, 5*time.Second, nil, onLine)

	assert.Equal(t, OK, res.Outcome)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []string{"one", "two"}, lines())
}

func TestRunner_NonZeroExit(t *testing.T) {
	r := New(nil)
	onLine, _ := collectLines()

	res := r.Run([]string{"sh", "-c", "exit 7"}, "", nil, 5*time.Second, nil, onLine)

	assert.Equal(t, NonZeroExit, res.Outcome)
	assert.Equal(t, 7, res.ExitCode)
}

func TestRunner_SpawnFailed(t *testing.T) {
	r := New(nil)
	onLine, _ := collectLines()

	res := r.Run([]string{"/nonexistent-binary-xyz"}, "", nil, 5*time.Second, nil, onLine)

	assert.Equal(t, SpawnFailed, res.Outcome)
	assert.Error(t, res.Err)
}

func TestRunner_Timeout(t *testing.T) {
	r := New(nil)
	onLine, _ := collectLines()

	start := time.Now()
	res := r.Run([]string{"sh", "-c", "sleep 30"}, "", nil, 300*time.Millisecond, nil, onLine)
	elapsed := time.Since(start)

	assert.Equal(t, TimedOut, res.Outcome)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestRunner_Cancellation(t *testing.T) {
	r := New(nil)
	onLine, _ := collectLines()
	var cancel atomic.Bool

	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel.Store(true)
	}()

	start := time.Now()
	res := r.Run([]string{"sh", "-c", "sleep 30"}, "", nil, 30*time.Second, &cancel, onLine)
	elapsed := time.Since(start)

	assert.Equal(t, Cancelled, res.Outcome)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestBuildEnv_OverridesHome(t *testing.T) {
	env := BuildEnv("/tmp/job-home")

	found := false
	for _, kv := range env {
		if kv == "HOME=/tmp/job-home" {
			found = true
		}
		require.NotEqual(t, "HOME=/root", kv)
	}
	assert.True(t, found)
}
