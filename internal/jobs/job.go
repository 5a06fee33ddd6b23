// Package jobs runs asynchronous units of work on a bounded worker pool.
// Every job reports exactly one terminal outcome through its ResultSender.
package jobs

import (
	"context"
	"sync"
)

// Kind names a job type.
type Kind string

// ResultSender delivers the terminal outcome of a job to whoever submitted
// it. Delivery is fire and forget.
type ResultSender interface {
	SendSuccess(ctx context.Context, jobID string, result, payload any)
	SendError(ctx context.Context, jobID, message string)
}

// Job is one unit of work. Execute must finish by calling exactly one of
// the sender's methods. The dispatcher enforces this for jobs that don't.
type Job interface {
	ID() string
	Kind() Kind
	Execute(ctx context.Context, sender ResultSender)
}

// onceSender forwards the first outcome and drops the rest.
type onceSender struct {
	next    ResultSender
	onExtra func(jobID string)

	mu      sync.Mutex
	sent    bool
	failed  bool
	message string
}

func newOnceSender(next ResultSender, onExtra func(string)) *onceSender {
	return &onceSender{next: next, onExtra: onExtra}
}

func (s *onceSender) claim(jobID string, failed bool, message string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent {
		if s.onExtra != nil {
			s.onExtra(jobID)
		}
		return false
	}
	s.sent, s.failed, s.message = true, failed, message
	return true
}

func (s *onceSender) SendSuccess(ctx context.Context, jobID string, result, payload any) {
	if s.claim(jobID, false, "") && s.next != nil {
		s.next.SendSuccess(ctx, jobID, result, payload)
	}
}

func (s *onceSender) SendError(ctx context.Context, jobID, message string) {
	if s.claim(jobID, true, message) && s.next != nil {
		s.next.SendError(ctx, jobID, message)
	}
}

func (s *onceSender) outcome() (sent, failed bool, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.failed, s.message
}

// SenderFunc adapts two functions to a ResultSender.
type SenderFunc struct {
	Success func(ctx context.Context, jobID string, result, payload any)
	Error   func(ctx context.Context, jobID, message string)
}

func (f SenderFunc) SendSuccess(ctx context.Context, jobID string, result, payload any) {
	if f.Success != nil {
		f.Success(ctx, jobID, result, payload)
	}
}

func (f SenderFunc) SendError(ctx context.Context, jobID, message string) {
	if f.Error != nil {
		f.Error(ctx, jobID, message)
	}
}
