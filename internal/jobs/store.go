package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// State is the lifecycle position of a job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

func validTransition(from, to State) bool {
	switch from {
	case StateQueued:
		return to == StateRunning || to == StateFailed
	case StateRunning:
		return to.Terminal()
	default:
		return false
	}
}

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// Record is the ledger entry of a job.
type Record struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	State     State     `json:"state"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is the job state ledger.
type Store interface {
	Create(ctx context.Context, id string, kind Kind) error
	Transition(ctx context.Context, id string, to State, message string) error
	Get(ctx context.Context, id string) (Record, error)
}

// MemoryStore keeps records in an expiring LRU.
type MemoryStore struct {
	mu      sync.Mutex
	records *expirable.LRU[string, Record]
}

// NewMemoryStore keeps at most size records, each for at most ttl.
func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryStore{records: expirable.NewLRU[string, Record](size, nil, ttl)}
}

func (s *MemoryStore) Create(_ context.Context, id string, kind Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records.Contains(id) {
		return fmt.Errorf("job %s already exists", id)
	}
	now := time.Now()
	s.records.Add(id, Record{ID: id, Kind: kind, State: StateQueued, CreatedAt: now, UpdatedAt: now})
	return nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, to State, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records.Get(id)
	if !ok {
		return ErrJobNotFound
	}
	if !validTransition(rec.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.State, to)
	}
	rec.State = to
	rec.Message = message
	rec.UpdatedAt = time.Now()
	s.records.Add(id, rec)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records.Get(id)
	if !ok {
		return Record{}, ErrJobNotFound
	}
	return rec, nil
}

// PostgresStore keeps records in the jobs table. Transitions are a single
// conditional UPDATE so concurrent writers cannot leave a terminal state.
type PostgresStore struct {
	db         *sql.DB
	schemaOnce sync.Once
	schemaErr  error
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db is nil")
	}
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    state TEXT NOT NULL,
    message TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
`)
	})
	return s.schemaErr
}

func (s *PostgresStore) Create(ctx context.Context, id string, kind Kind) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (id, kind, state, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
`, id, string(kind), string(StateQueued), now)
	return err
}

func (s *PostgresStore) Transition(ctx context.Context, id string, to State, message string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	var from []string
	for _, st := range []State{StateQueued, StateRunning} {
		if validTransition(st, to) {
			from = append(from, string(st))
		}
	}
	if len(from) == 0 {
		return fmt.Errorf("%w: -> %s", ErrInvalidTransition, to)
	}
	// pad to the two placeholders below
	if len(from) == 1 {
		from = append(from, from[0])
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET state=$2, message=$3, updated_at=$4
WHERE id=$1 AND state IN ($5, $6)
`, id, string(to), message, time.Now(), from[0], from[1])
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return gerr
		}
		return fmt.Errorf("%w: job %s -> %s", ErrInvalidTransition, id, to)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return Record{}, err
	}
	var rec Record
	var kind, state string
	err := s.db.QueryRowContext(ctx, `
SELECT id, kind, state, message, created_at, updated_at FROM jobs WHERE id=$1
`, id).Scan(&rec.ID, &kind, &state, &rec.Message, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrJobNotFound
	}
	if err != nil {
		return Record{}, err
	}
	rec.Kind, rec.State = Kind(kind), State(state)
	return rec, nil
}
