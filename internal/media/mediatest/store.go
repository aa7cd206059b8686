// Package mediatest provides an in-memory media.Store for use in tests.
package mediatest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Mimic/internal/database"
	"github.com/hbomb79/Mimic/internal/media"
	"github.com/lib/pq"
)

// Store is an in-memory media.Store. All mutations are serialized by a
// single mutex, which gives the same atomicity guarantees the SQL store
// provides via in-place arithmetic.
type Store struct {
	*sync.Mutex
	assets     map[uuid.UUID]*media.Asset
	recordings map[uuid.UUID]*media.Recording
	clock      time.Time
}

func NewStore() *Store {
	return &Store{
		Mutex:      &sync.Mutex{},
		assets:     make(map[uuid.UUID]*media.Asset),
		recordings: make(map[uuid.UUID]*media.Recording),
		clock:      time.Now(),
	}
}

// now returns a strictly increasing timestamp. Must be called with the lock held.
func (s *Store) now() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

func (s *Store) InsertAsset(_ context.Context, asset *media.Asset) error {
	s.Lock()
	defer s.Unlock()

	for _, existing := range s.assets {
		if existing.Kind == asset.Kind && existing.ContentHash == asset.ContentHash {
			return &pq.Error{Code: "23505", Constraint: "content_hash_key"}
		}
	}
	if _, ok := s.assets[asset.ID]; ok {
		return &pq.Error{Code: "23505", Constraint: "pkey"}
	}

	now := s.now()
	asset.CreatedAt, asset.UpdatedAt = now, now
	cp := *asset
	s.assets[asset.ID] = &cp
	return nil
}

func (s *Store) GetAsset(_ context.Context, kind media.Kind, id uuid.UUID) (*media.Asset, error) {
	s.Lock()
	defer s.Unlock()

	asset, ok := s.assets[id]
	if !ok || asset.Kind != kind {
		return nil, &database.NotFoundError{Table: string(kind), ID: id}
	}

	cp := *asset
	return &cp, nil
}

func (s *Store) ListAssets(_ context.Context, kind media.Kind, opts media.ListOptions) ([]*media.Asset, error) {
	s.Lock()
	defer s.Unlock()

	out := make([]*media.Asset, 0)
	for _, a := range s.assets {
		if a.Kind == kind {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if opts.Offset > 0 {
		if int(opts.Offset) >= len(out) {
			return []*media.Asset{}, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && int(opts.Limit) < len(out) {
		out = out[:opts.Limit]
	}

	return out, nil
}

func (s *Store) UpdateAsset(_ context.Context, kind media.Kind, id uuid.UUID, update media.AssetUpdate) (*media.Asset, error) {
	s.Lock()
	defer s.Unlock()

	asset, ok := s.assets[id]
	if !ok || asset.Kind != kind {
		return nil, &database.NotFoundError{Table: string(kind), ID: id}
	}

	if update.Name != nil {
		asset.Name = *update.Name
	}
	if update.Description != nil {
		asset.Description = *update.Description
	}
	if update.CoverURL != nil {
		asset.CoverURL = *update.CoverURL
	}
	asset.UpdatedAt = s.now()

	cp := *asset
	return &cp, nil
}

func (s *Store) DeleteAsset(_ context.Context, kind media.Kind, id uuid.UUID) (*media.Asset, error) {
	s.Lock()
	defer s.Unlock()

	asset, ok := s.assets[id]
	if !ok || asset.Kind != kind {
		return nil, &database.NotFoundError{Table: string(kind), ID: id}
	}

	delete(s.assets, id)
	return asset, nil
}

func (s *Store) MarkAssetUploaded(_ context.Context, kind media.Kind, id uuid.UUID) error {
	s.Lock()
	defer s.Unlock()

	asset, ok := s.assets[id]
	if !ok {
		return &database.NotFoundError{Table: string(kind), ID: id}
	}

	now := s.now()
	asset.UploadedAt = &now
	return nil
}

func (s *Store) MarkAssetSynced(_ context.Context, kind media.Kind, id uuid.UUID, snapshot time.Time) (bool, error) {
	s.Lock()
	defer s.Unlock()

	asset, ok := s.assets[id]
	if !ok || !asset.UpdatedAt.Equal(snapshot) {
		return false, nil
	}

	now := s.now()
	asset.SyncedAt = &now
	return true, nil
}

func (s *Store) AllSources(_ context.Context) ([]string, error) {
	s.Lock()
	defer s.Unlock()

	out := make([]string, 0)
	for _, a := range s.assets {
		if a.Source != "" {
			out = append(out, a.Source)
		}
	}
	return out, nil
}

func (s *Store) InsertRecording(_ context.Context, recording *media.Recording) error {
	s.Lock()
	defer s.Unlock()

	if kind, ok := recording.TargetType.AssetKind(); ok {
		target, ok := s.assets[recording.TargetID]
		if !ok || target.Kind != kind {
			return &database.NotFoundError{Table: string(kind), ID: recording.TargetID}
		}

		target.RecordingsCount++
		target.RecordingsDuration += recording.Duration
		target.UpdatedAt = s.now()
	}

	now := s.now()
	recording.CreatedAt, recording.UpdatedAt = now, now
	cp := *recording
	s.recordings[recording.ID] = &cp
	return nil
}

func (s *Store) GetRecording(_ context.Context, id uuid.UUID) (*media.Recording, error) {
	s.Lock()
	defer s.Unlock()

	r, ok := s.recordings[id]
	if !ok {
		return nil, &database.NotFoundError{Table: "recordings", ID: id}
	}

	cp := *r
	return &cp, nil
}

func (s *Store) ListRecordings(_ context.Context, target media.RecordingTarget) ([]*media.Recording, error) {
	s.Lock()
	defer s.Unlock()

	out := make([]*media.Recording, 0)
	for _, r := range s.recordings {
		if r.TargetID == target.ID && r.TargetType == target.Type {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) DeleteRecording(_ context.Context, id uuid.UUID) (*media.Recording, error) {
	s.Lock()
	defer s.Unlock()

	r, ok := s.recordings[id]
	if !ok {
		return nil, &database.NotFoundError{Table: "recordings", ID: id}
	}

	if _, ok := r.TargetType.AssetKind(); ok {
		if target, ok := s.assets[r.TargetID]; ok {
			target.RecordingsCount--
			target.RecordingsDuration -= r.Duration
			target.UpdatedAt = s.now()
		}
	}

	delete(s.recordings, id)
	return r, nil
}

func (s *Store) RecordingFileInUse(_ context.Context, filename string) (bool, error) {
	s.Lock()
	defer s.Unlock()

	for _, r := range s.recordings {
		if r.Filename == filename {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) MarkRecordingUploaded(_ context.Context, id uuid.UUID) error {
	s.Lock()
	defer s.Unlock()

	r, ok := s.recordings[id]
	if !ok {
		return &database.NotFoundError{Table: "recordings", ID: id}
	}

	now := s.now()
	r.UploadedAt = &now
	return nil
}

func (s *Store) MarkRecordingSynced(_ context.Context, id uuid.UUID, snapshot time.Time) (bool, error) {
	s.Lock()
	defer s.Unlock()

	r, ok := s.recordings[id]
	if !ok || !r.UpdatedAt.Equal(snapshot) {
		return false, nil
	}

	now := s.now()
	r.SyncedAt = &now
	return true, nil
}
