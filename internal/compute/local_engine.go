package compute

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"configurator/internal/applier"
	"configurator/internal/cad"
	"configurator/internal/params"
)

var errUnknownWorkItem = errors.New("unknown work item")

// LocalEngine computes requests in-process: it loads the model snapshot,
// runs the parameter applier over it and renders the artifacts.
type LocalEngine struct {
	applier *applier.Applier
	latency time.Duration
	log     logrus.FieldLogger

	mu    sync.Mutex
	items map[string]*workItem
	runs  int
}

type workItem struct {
	done chan struct{}
	res  *Result
	err  error
}

// NewLocalEngine returns an engine that waits latency before each
// computation.
func NewLocalEngine(logger logrus.FieldLogger, latency time.Duration) *LocalEngine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LocalEngine{
		applier: applier.New(logger),
		latency: latency,
		log:     logger,
		items:   make(map[string]*workItem),
	}
}

// Pending returns the number of work items not yet collected by Await.
func (e *LocalEngine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.items)
}

// Runs returns the number of computations started.
func (e *LocalEngine) Runs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs
}

func (e *LocalEngine) Submit(_ context.Context, req Request) (Handle, error) {
	if len(req.Model) == 0 {
		return Handle{}, newError(KindRejected, "submit", errors.New("empty model"))
	}
	doc, err := cad.LoadModel(req.Model)
	if err != nil {
		return Handle{}, newError(KindRejected, "submit", err)
	}
	incoming := req.Parameters
	if incoming == nil {
		incoming = params.NewSet()
	}
	id := uuid.NewString()
	item := &workItem{done: make(chan struct{})}
	e.mu.Lock()
	e.items[id] = item
	e.runs++
	e.mu.Unlock()

	go func() {
		defer close(item.done)
		if e.latency > 0 {
			time.Sleep(e.latency)
		}
		item.res, item.err = e.compute(doc, incoming, req.IsAssembly)
	}()
	return Handle{ID: id}, nil
}

func (e *LocalEngine) Await(ctx context.Context, h Handle) (*Result, error) {
	e.mu.Lock()
	item, ok := e.items[h.ID]
	e.mu.Unlock()
	if !ok {
		return nil, newError(KindRemote, "await", fmt.Errorf("%w %s", errUnknownWorkItem, h.ID))
	}
	select {
	case <-ctx.Done():
		go e.forget(h.ID, item)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, newError(KindTimeout, "await", ctx.Err())
		}
		return nil, ctx.Err()
	case <-item.done:
	}
	e.forget(h.ID, item)
	return item.res, item.err
}

// forget drops an item once its computation finishes.
func (e *LocalEngine) forget(id string, item *workItem) {
	<-item.done
	e.mu.Lock()
	delete(e.items, id)
	e.mu.Unlock()
}

func (e *LocalEngine) compute(doc *cad.Model, incoming *params.Set, isAssembly bool) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newError(KindRemote, "compute", fmt.Errorf("engine panic: %v", r))
		}
	}()
	applied := e.applier.Apply(doc, incoming)
	res = &Result{
		Parameters: applied.Parameters,
		Report:     applied.Report,
		Changed:    applied.Changed,
	}
	if res.Model, err = doc.Marshal(); err != nil {
		return nil, newError(KindRemote, "compute", err)
	}
	report, err := json.MarshalIndent(applied.Report, "", "  ")
	if err != nil {
		return nil, newError(KindRemote, "compute", err)
	}
	if res.ModelView, err = renderView(res.Model, report); err != nil {
		return nil, newError(KindRemote, "compute", err)
	}
	if !isAssembly {
		res.Rfa = res.Model
	}
	return res, nil
}

// renderView packs the model and its parameter report the way viewer
// packages are shipped: a zip bundle.
func renderView(model, report []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range []struct {
		name string
		body []byte
	}{
		{"model.json", model},
		{"parameters.json", report},
	} {
		w, err := zw.Create(f.name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(f.body); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
