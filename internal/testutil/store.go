package testutil

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"noticeboard/pkg/interfaces"
	"noticeboard/pkg/types"
)

var _ interfaces.AttachmentStore = (*MemoryStore)(nil)

// ErrDuplicateAttachment is returned on a second write for the same channel
var ErrDuplicateAttachment = errors.New("attachment already exists")

// MemoryStore is a map-backed interfaces.AttachmentStore
type MemoryStore struct {
	mu          sync.Mutex
	data        map[string][]byte
	putErr      error
	healthy     bool
	beforePrune func()
}

// NewMemoryStore returns an empty, healthy store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte), healthy: true}
}

// FailPuts makes every following PutAttachment return err
func (s *MemoryStore) FailPuts(err error) {
	s.mu.Lock()
	s.putErr = err
	s.mu.Unlock()
}

// SetHealthy controls the HealthCheck result
func (s *MemoryStore) SetHealthy(healthy bool) {
	s.mu.Lock()
	s.healthy = healthy
	s.mu.Unlock()
}

func (s *MemoryStore) PutAttachment(_ context.Context, channelID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.putErr != nil {
		return s.putErr
	}
	if _, ok := s.data[channelID]; ok {
		return ErrDuplicateAttachment
	}
	s.data[channelID] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) GetAttachment(_ context.Context, channelID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.data[channelID]
	if !ok {
		return nil, types.ErrAttachmentNotFound
	}
	return data, nil
}

// SetAttachment overwrites a stored attachment
func (s *MemoryStore) SetAttachment(channelID string, data []byte) {
	s.mu.Lock()
	s.data[channelID] = data
	s.mu.Unlock()
}

func (s *MemoryStore) DeleteAttachment(_ context.Context, channelID string) error {
	s.mu.Lock()
	delete(s.data, channelID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PruneAttachments(_ context.Context, keep func() []string) (int, error) {
	s.mu.Lock()
	hook := s.beforePrune
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	existing := lo.Keys(s.data)
	s.mu.Unlock()

	var live []string
	if keep != nil {
		live = keep()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stale, _ := lo.Difference(existing, live)
	for _, id := range stale {
		delete(s.data, id)
	}
	return len(stale), nil
}

// BeforePrune runs fn at the start of every PruneAttachments call, before the
// stored ids are read
func (s *MemoryStore) BeforePrune(fn func()) {
	s.mu.Lock()
	s.beforePrune = fn
	s.mu.Unlock()
}

// Has reports whether channelID has an attachment
func (s *MemoryStore) Has(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[channelID]
	return ok
}

// Len returns the number of stored attachments
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *MemoryStore) HealthCheck(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		return errors.New("store unhealthy")
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
