package platform

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu        sync.Mutex
	platforms map[string]*Platform

	// InUse reports whether any dispute references the platform. Tests
	// set it to exercise the delete guard; nil means never in use.
	InUse func(id string) bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{platforms: make(map[string]*Platform)}
}

func (s *MemoryStore) Create(_ context.Context, p *Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.platforms[p.ID]; ok {
		return ErrExists
	}
	now := time.Now().UTC()
	p.TokenContract = strings.ToLower(p.TokenContract)
	p.CreatedAt = now
	p.UpdatedAt = now
	cp := *p
	s.platforms[p.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Platform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.platforms[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Platform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Platform, 0, len(s.platforms))
	for _, p := range s.platforms {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, u Update) (*Platform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.platforms[id]
	if !ok {
		return nil, ErrNotFound
	}
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.TokenContract != nil {
		p.TokenContract = strings.ToLower(*u.TokenContract)
	}
	if u.MinBalance != nil {
		p.MinBalance = *u.MinBalance
	}
	if u.ChainID != nil {
		p.ChainID = *u.ChainID
	}
	if u.WebhookURL != nil {
		p.WebhookURL = *u.WebhookURL
	}
	if u.Description != nil {
		p.Description = *u.Description
	}
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.platforms[id]; !ok {
		return ErrNotFound
	}
	if s.InUse != nil && s.InUse(id) {
		return ErrInUse
	}
	delete(s.platforms, id)
	return nil
}
