package gitexec

import (
	"context"
	"strings"
	"sync"
)

// FakeRunner is a scripted Runner for tests. Responses match on the
// leading argv words; the longest prefix wins. Unmatched invocations
// succeed with empty output.
type FakeRunner struct {
	mu        sync.Mutex
	responses map[string]Result
	errs      map[string]error
	Calls     []FakeCall
}

// FakeCall records one invocation.
type FakeCall struct {
	Dir  string
	Argv []string
}

// NewFakeRunner creates an empty scripted runner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		responses: make(map[string]Result),
		errs:      make(map[string]error),
	}
}

// Stub registers a result for invocations whose argv starts with prefix
// (space-joined, e.g. "push origin").
func (f *FakeRunner) Stub(prefix string, res Result) { f.responses[prefix] = res }

// StubErr registers a hard error for a prefix.
func (f *FakeRunner) StubErr(prefix string, err error) { f.errs[prefix] = err }

func (f *FakeRunner) Run(_ context.Context, dir string, argv ...string) (Result, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, FakeCall{Dir: dir, Argv: argv})
	f.mu.Unlock()

	joined := strings.Join(argv, " ")
	var bestKey string
	for k := range f.responses {
		if strings.HasPrefix(joined, k) && len(k) > len(bestKey) {
			bestKey = k
		}
	}
	for k := range f.errs {
		if strings.HasPrefix(joined, k) && len(k) > len(bestKey) {
			return Result{ExitCode: 1}, f.errs[k]
		}
	}
	if bestKey != "" {
		return f.responses[bestKey], nil
	}
	return Result{}, nil
}

// CallsMatching returns recorded invocations whose argv starts with prefix.
func (f *FakeRunner) CallsMatching(prefix string) []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []FakeCall
	for _, c := range f.Calls {
		if strings.HasPrefix(strings.Join(c.Argv, " "), prefix) {
			out = append(out, c)
		}
	}
	return out
}
