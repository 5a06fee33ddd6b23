package compute

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Retry retries retryable failures up to maxAttempts with exponential backoff
// starting at baseDelay. A remote failure during Await resubmits the request.
// Rejections and timeouts are returned at once, and so is a canceled context.
func Retry(maxAttempts int, baseDelay time.Duration) Middleware {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 300 * time.Millisecond
	}
	return func(next Client) Client {
		return &retrying{next: next, max: maxAttempts, base: baseDelay}
	}
}

type retrying struct {
	next Client
	max  int
	base time.Duration
}

func (r *retrying) backoff(ctx context.Context, attempt int) error {
	t := time.NewTimer(r.base * time.Duration(1<<attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *retrying) Submit(ctx context.Context, req Request) (Handle, error) {
	var last error
	for i := 0; i < r.max; i++ {
		h, err := r.next.Submit(ctx, req)
		if err == nil {
			cp := req
			h.req = &cp
			return h, nil
		}
		if !Retryable(err) {
			return Handle{}, err
		}
		last = err
		if i == r.max-1 {
			break
		}
		if err := r.backoff(ctx, i); err != nil {
			return Handle{}, last
		}
	}
	return Handle{}, last
}

func (r *retrying) Await(ctx context.Context, h Handle) (*Result, error) {
	var last error
	for i := 0; i < r.max; i++ {
		res, err := r.next.Await(ctx, h)
		if err == nil {
			return res, nil
		}
		if !Retryable(err) {
			return nil, err
		}
		last = err
		if i == r.max-1 {
			break
		}
		if err := r.backoff(ctx, i); err != nil {
			return nil, last
		}
		if KindOf(last) == KindRemote && h.req != nil {
			nh, serr := r.next.Submit(ctx, *h.req)
			if serr != nil {
				if !Retryable(serr) {
					return nil, serr
				}
				last = serr
				continue
			}
			nh.req = h.req
			h = nh
		}
	}
	return nil, last
}

// WithBreaker guards the engine with a circuit breaker. Only retryable
// failures count against the engine. While the breaker is open calls fail
// with a transport error.
func WithBreaker(st gobreaker.Settings) Middleware {
	if st.IsSuccessful == nil {
		st.IsSuccessful = func(err error) bool { return err == nil || !Retryable(err) }
	}
	if st.ReadyToTrip == nil {
		st.ReadyToTrip = func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		}
	}
	return func(next Client) Client {
		return &breaking{next: next, cb: gobreaker.NewCircuitBreaker(st)}
	}
}

type breaking struct {
	next Client
	cb   *gobreaker.CircuitBreaker
}

func breakerErr(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return newError(KindTransport, op, err)
	}
	return err
}

func (b *breaking) Submit(ctx context.Context, req Request) (Handle, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Submit(ctx, req)
	})
	if err != nil {
		return Handle{}, breakerErr("submit", err)
	}
	return out.(Handle), nil
}

func (b *breaking) Await(ctx context.Context, h Handle) (*Result, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Await(ctx, h)
	})
	if err != nil {
		return nil, breakerErr("await", err)
	}
	return out.(*Result), nil
}

// WithLogging logs every call with its duration and failure kind.
func WithLogging(logger logrus.FieldLogger) Middleware {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(next Client) Client {
		return &logging{next: next, log: logger}
	}
}

type logging struct {
	next Client
	log  logrus.FieldLogger
}

func (l *logging) Submit(ctx context.Context, req Request) (Handle, error) {
	start := time.Now()
	h, err := l.next.Submit(ctx, req)
	entry := l.log.WithFields(logrus.Fields{
		"project":  req.Project,
		"params":   req.Parameters.Len(),
		"duration": time.Since(start),
	})
	if err != nil {
		entry.WithError(err).WithField("kind", KindOf(err)).Warn("compute submit failed")
		return h, err
	}
	entry.WithField("workitem", h.ID).Debug("compute submitted")
	return h, nil
}

func (l *logging) Await(ctx context.Context, h Handle) (*Result, error) {
	start := time.Now()
	res, err := l.next.Await(ctx, h)
	entry := l.log.WithFields(logrus.Fields{"workitem": h.ID, "duration": time.Since(start)})
	if err != nil {
		entry.WithError(err).WithField("kind", KindOf(err)).Warn("compute await failed")
		return nil, err
	}
	entry.WithField("changed", res.Changed).Info("compute finished")
	return res, nil
}
