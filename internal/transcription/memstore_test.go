package transcription_test

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Mimic/internal/database"
	"github.com/hbomb79/Mimic/internal/transcription"
)

// memStore is an in-memory transcription.Store. The mutex makes Claim
// behave like the conditional UPDATE of the SQL store.
type memStore struct {
	*sync.Mutex
	rows  map[uuid.UUID]*transcription.Transcription
	clock time.Time
}

func newMemStore() *memStore {
	return &memStore{Mutex: &sync.Mutex{}, rows: make(map[uuid.UUID]*transcription.Transcription), clock: time.Now()}
}

func (s *memStore) now() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

func (s *memStore) FindByTarget(_ context.Context, target transcription.Target) (*transcription.Transcription, error) {
	s.Lock()
	defer s.Unlock()
	return s.findByTarget(target)
}

func (s *memStore) findByTarget(target transcription.Target) (*transcription.Transcription, error) {
	for _, row := range s.rows {
		if row.TargetID == target.ID && row.TargetType == target.Type {
			cp := *row
			return &cp, nil
		}
	}

	return nil, &database.NotFoundError{Table: "transcriptions", ID: target.ID}
}

func (s *memStore) Create(_ context.Context, t *transcription.Transcription) (bool, error) {
	s.Lock()
	defer s.Unlock()

	if existing, err := s.findByTarget(t.Target()); err == nil {
		*t = *existing
		return false, nil
	}

	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	s.rows[t.ID] = &cp
	return true, nil
}

func (s *memStore) Get(_ context.Context, id uuid.UUID) (*transcription.Transcription, error) {
	s.Lock()
	defer s.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, &database.NotFoundError{Table: "transcriptions", ID: id}
	}

	cp := *row
	return &cp, nil
}

func (s *memStore) Claim(_ context.Context, id uuid.UUID, force bool) (bool, error) {
	s.Lock()
	defer s.Unlock()

	row, ok := s.rows[id]
	if !ok || !(row.State == transcription.Pending || (force && row.State == transcription.Finished)) {
		return false, nil
	}

	row.State = transcription.Processing
	row.UpdatedAt = s.now()
	return true, nil
}

func (s *memStore) Finish(_ context.Context, id uuid.UUID, engine string, model string, result []transcription.Segment) (*transcription.Transcription, error) {
	s.Lock()
	defer s.Unlock()

	row, ok := s.rows[id]
	if !ok || row.State != transcription.Processing {
		return nil, transcription.ErrClaimLost
	}

	row.State = transcription.Finished
	row.Engine, row.Model = engine, model
	row.Result = database.NewJsonColumn(result)
	row.UpdatedAt = s.now()
	cp := *row
	return &cp, nil
}

func (s *memStore) Release(_ context.Context, id uuid.UUID) error {
	s.Lock()
	defer s.Unlock()

	if row, ok := s.rows[id]; ok && row.State == transcription.Processing {
		row.State = transcription.Pending
		row.UpdatedAt = s.now()
	}
	return nil
}

func (s *memStore) ResetProcessing(_ context.Context) (int64, error) {
	s.Lock()
	defer s.Unlock()

	var reset int64
	for _, row := range s.rows {
		if row.State == transcription.Processing {
			row.State = transcription.Pending
			row.UpdatedAt = s.now()
			reset++
		}
	}
	return reset, nil
}

func (s *memStore) MarkSynced(_ context.Context, id uuid.UUID, snapshot time.Time) (bool, error) {
	s.Lock()
	defer s.Unlock()

	row, ok := s.rows[id]
	if !ok || !row.UpdatedAt.Equal(snapshot) {
		return false, nil
	}

	now := s.now()
	row.SyncedAt = &now
	return true, nil
}

// setState forces the state of a row, bypassing the claim rules.
func (s *memStore) setState(id uuid.UUID, state transcription.State) {
	s.Lock()
	defer s.Unlock()
	s.rows[id].State = state
}
