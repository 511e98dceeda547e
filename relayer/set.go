// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package relayer maintains the shared allowlist of identities permitted to
// advance protected settlement transitions. Membership is a dynamic
// capability checked per call, not a type hierarchy.
package relayer

import (
	"errors"
	"sort"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
)

var relayerPrefix = []byte("rly:")

// Errors
var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrAlreadyRelayer = errors.New("already an authorized relayer")
	ErrNotRelayer     = errors.New("not an authorized relayer")
)

// Set is the persistent relayer allowlist. The admin is fixed at
// construction and is the only identity allowed to mutate membership.
type Set struct {
	admin   common.Address
	db      database.Database
	members map[common.Address]bool

	mu sync.RWMutex
}

// New creates a relayer set over db, reloading existing membership.
func New(db database.Database, admin common.Address) (*Set, error) {
	s := &Set{
		admin:   admin,
		db:      db,
		members: make(map[common.Address]bool),
	}

	it := db.NewIteratorWithPrefix(relayerPrefix)
	defer it.Release()
	for it.Next() {
		key := it.Key()
		if len(key) != len(relayerPrefix)+common.AddressLength {
			continue
		}
		var addr common.Address
		copy(addr[:], key[len(relayerPrefix):])
		s.members[addr] = true
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return s, nil
}

// Admin returns the administrator identity.
func (s *Set) Admin() common.Address {
	return s.admin
}

// IsAdmin reports whether caller is the administrator.
func (s *Set) IsAdmin(caller common.Address) bool {
	return caller == s.admin
}

// Authorize adds a relayer. Admin only.
func (s *Set) Authorize(caller common.Address, addr common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.admin {
		return ErrUnauthorized
	}
	if s.members[addr] {
		return ErrAlreadyRelayer
	}
	if err := s.db.Put(relayerKey(addr), []byte{1}); err != nil {
		return err
	}
	s.members[addr] = true
	return nil
}

// Revoke removes a relayer. Admin only.
func (s *Set) Revoke(caller common.Address, addr common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.admin {
		return ErrUnauthorized
	}
	if !s.members[addr] {
		return ErrNotRelayer
	}
	if err := s.db.Delete(relayerKey(addr)); err != nil {
		return err
	}
	delete(s.members, addr)
	return nil
}

// IsAuthorized reports whether addr may advance relayer-gated transitions.
func (s *Set) IsAuthorized(addr common.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members[addr]
}

// List returns the current members in deterministic order.
func (s *Set) List() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]common.Address, 0, len(s.members))
	for addr := range s.members {
		members = append(members, addr)
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].Cmp(members[j]) < 0
	})
	return members
}

func relayerKey(addr common.Address) []byte {
	key := make([]byte, 0, len(relayerPrefix)+common.AddressLength)
	key = append(key, relayerPrefix...)
	key = append(key, addr.Bytes()...)
	return key
}
