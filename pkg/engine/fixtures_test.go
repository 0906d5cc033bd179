package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type testResource struct {
	kind    string
	name    string
	account string
	attrs   map[string]any
}

func newTestResource(kind, name string, attrs map[string]any) *testResource {
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrs["name"] = name
	return &testResource{kind: kind, name: name, account: "acme", attrs: attrs}
}

func (r *testResource) Kind() string               { return r.kind }
func (r *testResource) Key() string                { return r.kind + "/" + r.name }
func (r *testResource) AccountID() string          { return r.account }
func (r *testResource) Attributes() map[string]any { return r.attrs }

type testInventory []Resource

func (inv testInventory) List(kind string) []Resource {
	var out []Resource
	for _, r := range inv {
		if r.Kind() == kind {
			out = append(out, r)
		}
	}
	return out
}

// testBackend emits one echo per lifecycle call.
type testBackend struct {
	name     string
	kind     string
	match    string
	prepare  bool
	commit   bool
	saveErr  map[string]error
	extraLit map[string]string
}

func (b *testBackend) Name() string  { return b.name }
func (b *testBackend) Kind() string  { return b.kind }
func (b *testBackend) Match() string { return b.match }

func (b *testBackend) BuildContext(r Resource) (Context, error) {
	return Context{"name": r.Attributes()["name"]}, nil
}

func (b *testBackend) Prepare(_ context.Context, batch *Batch, s *Script) error {
	if b.prepare {
		s.Appendf("echo prepare %s@%s", b.name, batch.Host)
	}
	return nil
}

func (b *testBackend) Save(_ context.Context, batch *Batch, r Resource, s *Script) error {
	if err := b.saveErr[r.Key()]; err != nil {
		return err
	}
	s.Appendf("echo save %s %s", b.name, r.Key())
	if lit, ok := b.extraLit[r.Key()]; ok {
		s.Append(lit)
	}
	return nil
}

func (b *testBackend) Delete(_ context.Context, batch *Batch, r Resource, s *Script) error {
	s.Appendf("echo delete %s %s", b.name, r.Key())
	return nil
}

func (b *testBackend) Commit(_ context.Context, batch *Batch, s *Script) error {
	if b.commit {
		s.Appendf("echo commit %s@%s", b.name, batch.Host)
	}
	return nil
}

// fakeShell records programs and fails those containing a marker word.
type fakeShell struct {
	mu       sync.Mutex
	programs []string
	fail     map[string]int
	stdout   map[string]string
	err      error
}

func newFakeShell() *fakeShell {
	return &fakeShell{fail: map[string]int{}, stdout: map[string]string{}}
}

func (s *fakeShell) Run(_ context.Context, program string) (*ShellResult, error) {
	s.mu.Lock()
	s.programs = append(s.programs, program)
	s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	res := &ShellResult{}
	for word, out := range s.stdout {
		if strings.Contains(program, word) {
			res.Stdout += out
		}
	}
	for word, code := range s.fail {
		if strings.Contains(program, word) {
			res.ExitCode = code
			res.Stderr = fmt.Sprintf("boom\nhostpanel: statement 0 failed with status %d\n", code)
		}
	}
	return res, nil
}

func (s *fakeShell) Programs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.programs...)
}

type fakeShells struct {
	shell *fakeShell
	err   map[string]error
}

func (p *fakeShells) Shell(_ context.Context, host string) (Shell, error) {
	if err := p.err[host]; err != nil {
		return nil, err
	}
	return p.shell, nil
}
