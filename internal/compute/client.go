// Package compute talks to the engine that applies parameters to a model and
// renders its artifacts. The engine is slow and may fail; every failure is
// classified by Kind.
package compute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"configurator/internal/params"
)

// Request is one update: a snapshot of the project's model and the
// parameters to apply to it.
type Request struct {
	Project    string
	IsAssembly bool
	// Model is the serialized current model of the project.
	Model      []byte
	Parameters *params.Set
}

// Handle identifies a submitted request.
type Handle struct {
	ID string

	// req is kept by Retry so a failed computation can be resubmitted.
	req *Request
}

// Result holds the rendered artifacts of a finished request.
type Result struct {
	// Model is the updated model.
	Model []byte
	// ModelView is the viewer package.
	ModelView []byte
	// Rfa is the family export. Engines produce it for parts only.
	Rfa []byte
	// Parameters is the incoming set with validation errors populated.
	Parameters *params.Set
	// Report is the parameter state of the updated model.
	Report *params.Set
	// Changed is false when no edit was attempted.
	Changed bool
}

// Client submits requests to an engine and awaits their results.
type Client interface {
	Submit(ctx context.Context, req Request) (Handle, error)
	Await(ctx context.Context, h Handle) (*Result, error)
}

// Middleware decorates a Client.
type Middleware func(Client) Client

// Wrap applies middlewares in left-to-right order:
// Wrap(inner, A, B) => A(B(inner)).
func Wrap(inner Client, mws ...Middleware) Client {
	out := inner
	for i := len(mws) - 1; i >= 0; i-- {
		out = mws[i](out)
	}
	return out
}

// Run submits req and waits for its result for at most timeout (no limit
// when timeout <= 0). A timeout only stops waiting; the engine has no cancel
// operation.
func Run(ctx context.Context, c Client, req Request, timeout time.Duration) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	h, err := c.Submit(ctx, req)
	if err != nil {
		return nil, asTimeout(ctx, "submit", err)
	}
	res, err := c.Await(ctx, h)
	if err != nil {
		return nil, asTimeout(ctx, "await", err)
	}
	return res, nil
}

func asTimeout(ctx context.Context, op string, err error) error {
	if KindOf(err) == KindTimeout {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newError(KindTimeout, op, fmt.Errorf("no result before deadline: %w", err))
	}
	return err
}
