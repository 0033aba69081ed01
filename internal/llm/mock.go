package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockCall records a single gateway invocation for assertions.
type MockCall struct {
	Prompt     string
	Structured bool
	Tags       []string
	Metadata   map[string]string
}

// MockClient is a scriptable Client for tests. Behavior is driven by the
// optional CompleteFunc / StructuredFunc hooks; every invocation is
// recorded regardless.
type MockClient struct {
	mu    sync.Mutex
	calls []MockCall

	// CompleteFunc handles Complete calls. Defaults to an empty string.
	CompleteFunc func(ctx context.Context, prompt string) (string, error)

	// StructuredFunc handles CompleteStructured calls and must populate out.
	StructuredFunc func(ctx context.Context, prompt string, out any) error
}

// Complete implements Client.
func (m *MockClient) Complete(ctx context.Context, prompt string, opts ...CallOption) (string, error) {
	o := applyOptions(opts)
	m.record(MockCall{Prompt: prompt, Tags: o.tags, Metadata: o.metadata})

	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, prompt)
	}
	return "", nil
}

// CompleteStructured implements Client.
func (m *MockClient) CompleteStructured(ctx context.Context, prompt string, out any, opts ...CallOption) error {
	o := applyOptions(opts)
	m.record(MockCall{Prompt: prompt, Structured: true, Tags: o.tags, Metadata: o.metadata})

	if m.StructuredFunc != nil {
		return m.StructuredFunc(ctx, prompt, out)
	}
	return fmt.Errorf("mock: no StructuredFunc configured")
}

// Calls returns a copy of the recorded invocations.
func (m *MockClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockClient) record(c MockCall) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
}

var _ Client = (*MockClient)(nil)
