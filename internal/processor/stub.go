package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// StubGateway is a scriptable in-memory processor used by tests and local
// development. By default every submission is approved.
type StubGateway struct {
	mu      sync.Mutex
	scripts []func(SubmitRequest) (*SubmitResponse, error)
	calls   []SubmitRequest
}

// NewStubGateway returns a stub that approves everything.
func NewStubGateway() *StubGateway {
	return &StubGateway{}
}

// Script appends a canned outcome; outcomes are consumed in order, and once
// exhausted the stub reverts to approving.
func (s *StubGateway) Script(fn func(SubmitRequest) (*SubmitResponse, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = append(s.scripts, fn)
}

// ScriptDecline queues one declined response.
func (s *StubGateway) ScriptDecline(code, reason string) {
	s.Script(func(SubmitRequest) (*SubmitResponse, error) {
		return &SubmitResponse{Approved: false, ResponseCode: code, ResponseReasonText: reason}, nil
	})
}

// ScriptNetworkError queues one transport failure.
func (s *StubGateway) ScriptNetworkError(timeout bool) {
	s.Script(func(SubmitRequest) (*SubmitResponse, error) {
		return nil, &NetworkError{Op: "submit", Timeout: timeout, Err: errors.New("stub: connection refused")}
	})
}

// Submit implements Gateway.
func (s *StubGateway) Submit(_ context.Context, req SubmitRequest) (*SubmitResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	var fn func(SubmitRequest) (*SubmitResponse, error)
	if len(s.scripts) > 0 {
		fn = s.scripts[0]
		s.scripts = s.scripts[1:]
	}
	s.mu.Unlock()

	if fn != nil {
		return fn(req)
	}

	return &SubmitResponse{
		Approved:              true,
		ExternalTransactionID: fmt.Sprintf("ext_%s", uuid.NewString()),
		ResponseCode:          "1",
		ResponseReasonText:    "Approved",
		AVSResult:             "Y",
		CVVResult:             "M",
	}, nil
}

// Calls returns a copy of every request the stub has seen.
func (s *StubGateway) Calls() []SubmitRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SubmitRequest, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many submissions reached the stub.
func (s *StubGateway) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
