package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrQueueFull = errors.New("job queue is full")
	ErrStopped   = errors.New("dispatcher stopped")
)

// Messages sent for jobs that did not report on their own.
const (
	MessageInternal   = "internal error while executing job"
	MessageNoOutcome  = "job finished without reporting a result"
	MessageJobTimeout = "job did not finish in time"
)

type Config struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 64, JobTimeout: 10 * time.Minute}
}

type task struct {
	job    Job
	sender ResultSender
}

// Dispatcher runs jobs on a fixed pool of workers fed by a bounded queue.
// Each worker runs one job to completion before taking the next.
type Dispatcher struct {
	cfg   Config
	store Store
	log   logrus.FieldLogger

	queue  chan task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewDispatcher returns a stopped dispatcher. A nil store keeps an
// in-memory ledger.
func NewDispatcher(cfg Config, store Store, logger logrus.FieldLogger) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if store == nil {
		store = NewMemoryStore(0, 0)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:    cfg,
		store:  store,
		log:    logger,
		queue:  make(chan task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Store returns the job ledger.
func (d *Dispatcher) Store() Store { return d.store }

// Start launches the workers. Calling it again has no effect.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.log.WithFields(logrus.Fields{"workers": d.cfg.Workers, "queue": d.cfg.QueueSize}).Info("job dispatcher started")
}

// Submit enqueues job. Its outcome is delivered to sender.
func (d *Dispatcher) Submit(ctx context.Context, job Job, sender ResultSender) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	if err := d.store.Create(ctx, job.ID(), job.Kind()); err != nil {
		return fmt.Errorf("record job %s: %w", job.ID(), err)
	}
	select {
	case d.queue <- task{job: job, sender: sender}:
		d.log.WithFields(logrus.Fields{"job_id": job.ID(), "kind": job.Kind()}).Debug("job queued")
		return nil
	default:
		if err := d.store.Transition(ctx, job.ID(), StateFailed, ErrQueueFull.Error()); err != nil {
			d.log.WithError(err).WithField("job_id", job.ID()).Warn("record rejected job")
		}
		return ErrQueueFull
	}
}

// Stop rejects new jobs and waits for queued and running ones. When ctx
// ends first, running jobs are canceled and ctx's error is returned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		// nothing will drain the queue; fail what is left
		for t := range d.queue {
			if err := d.store.Transition(ctx, t.job.ID(), StateFailed, ErrStopped.Error()); err != nil {
				d.log.WithError(err).WithField("job_id", t.job.ID()).Warn("record dropped job")
			}
			if t.sender != nil {
				t.sender.SendError(ctx, t.job.ID(), ErrStopped.Error())
			}
		}
		d.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		d.log.Info("job dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) worker(n int) {
	defer d.wg.Done()
	for t := range d.queue {
		d.run(t)
	}
	d.log.WithField("worker", n).Debug("job worker exited")
}

func (d *Dispatcher) run(t task) {
	id := t.job.ID()
	log := d.log.WithFields(logrus.Fields{"job_id": id, "kind": t.job.Kind()})
	sender := newOnceSender(t.sender, func(jobID string) {
		log.Warn("job reported more than one outcome; extra report dropped")
	})
	bg := context.WithoutCancel(d.ctx)

	if err := d.store.Transition(bg, id, StateRunning, ""); err != nil {
		log.WithError(err).Warn("record job start")
	}

	ctx, cancel := d.jobContext()
	start := time.Now()
	d.execute(ctx, t.job, sender, log)
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()

	sent, failed, message := sender.outcome()
	if !sent {
		message = MessageNoOutcome
		if timedOut {
			message = MessageJobTimeout
		}
		log.Warn(message)
		sender.SendError(bg, id, message)
		failed = true
	}

	state := StateSucceeded
	if failed {
		state = StateFailed
	}
	if err := d.store.Transition(bg, id, state, message); err != nil {
		log.WithError(err).Warn("record job outcome")
	}
	log.WithFields(logrus.Fields{"state": state, "duration": time.Since(start)}).Info("job finished")
}

func (d *Dispatcher) jobContext() (context.Context, context.CancelFunc) {
	if d.cfg.JobTimeout > 0 {
		return context.WithTimeout(d.ctx, d.cfg.JobTimeout)
	}
	return context.WithCancel(d.ctx)
}

func (d *Dispatcher) execute(ctx context.Context, job Job, sender *onceSender, log logrus.FieldLogger) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Errorf("job panicked\n%s", debug.Stack())
			sender.SendError(context.WithoutCancel(ctx), job.ID(), MessageInternal)
		}
	}()
	job.Execute(ctx, sender)
}
