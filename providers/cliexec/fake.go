package cliexec

import (
	"context"
	"strings"
	"sync"
)

// FakeRunner is a scripted Runner for tests. Responses are matched by the
// first argument sequence that prefixes the invocation.
type FakeRunner struct {
	mu    sync.Mutex
	Calls [][]string
	rules []fakeRule
}

type fakeRule struct {
	prefix []string
	out    []byte
	err    error
	times  int
}

// On registers a response for invocations starting with prefix. times <= 0
// means unlimited.
func (f *FakeRunner) On(prefix []string, out string, err error, times int) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, fakeRule{prefix: prefix, out: []byte(out), err: err, times: times})
	return f
}

func (f *FakeRunner) Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := append([]string{name}, args...)
	f.Calls = append(f.Calls, call)

	for i := range f.rules {
		r := &f.rules[i]
		if r.times < 0 || !hasPrefix(call, r.prefix) {
			continue
		}
		if r.times > 0 {
			r.times--
			if r.times == 0 {
				r.times = -1
			}
		}
		return r.out, r.err
	}
	return nil, &ExitError{Command: name, ExitCode: 2, Stderr: "unexpected invocation: " + strings.Join(call, " ")}
}

// Invocations returns how many calls started with prefix.
func (f *FakeRunner) Invocations(prefix ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if hasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func hasPrefix(call, prefix []string) bool {
	if len(prefix) > len(call) {
		return false
	}
	for i := range prefix {
		if call[i] != prefix[i] {
			return false
		}
	}
	return true
}
