// Package state persists the repo ledger's mutable registries: repo records,
// pending substitution requests, collateral locks, custody accounts and the
// id counter. The in-memory maps are authoritative; every mutation writes
// through to the backing database so a restart resumes where the last run
// stopped.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"repoledger/core/types"
	"repoledger/native/repo"
	"repoledger/storage"
)

const (
	repoPrefix = "repo/"
	subPrefix  = "sub/"
	lockPrefix = "lock/"
	acctPrefix = "acct/"
	nextIDKey  = "meta/nextRepoID"
)

// Ledger implements the repo engine's persistence interface over a
// storage.Database.
type Ledger struct {
	mu       sync.RWMutex
	db       storage.Database
	repos    map[uint64]*repo.Repo
	subs     map[uint64]*repo.SubstitutionRequest
	locks    map[uint64]uint64
	accounts map[common.Address]*types.Account
	nextID   uint64
}

// NewLedger constructs a ledger state backed by db, loading any records
// persisted by a previous run.
func NewLedger(db storage.Database) (*Ledger, error) {
	l := &Ledger{
		db:       db,
		repos:    make(map[uint64]*repo.Repo),
		subs:     make(map[uint64]*repo.SubstitutionRequest),
		locks:    make(map[uint64]uint64),
		accounts: make(map[common.Address]*types.Account),
		nextID:   1,
	}
	if db == nil {
		return l, nil
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load() error {
	if raw, err := l.db.Get([]byte(nextIDKey)); err == nil {
		id, parseErr := strconv.ParseUint(string(raw), 10, 64)
		if parseErr != nil {
			return fmt.Errorf("state: corrupt repo id counter: %w", parseErr)
		}
		l.nextID = id
	} else if !errors.Is(err, storage.ErrKeyNotFound) {
		return err
	}
	if err := l.db.Iterate([]byte(repoPrefix), func(key, value []byte) error {
		var record repo.Repo
		if err := json.Unmarshal(value, &record); err != nil {
			return fmt.Errorf("state: corrupt repo record %q: %w", key, err)
		}
		l.repos[record.ID] = &record
		return nil
	}); err != nil {
		return err
	}
	if err := l.db.Iterate([]byte(subPrefix), func(key, value []byte) error {
		id, err := parseIDKey(key, subPrefix)
		if err != nil {
			return err
		}
		var request repo.SubstitutionRequest
		if err := json.Unmarshal(value, &request); err != nil {
			return fmt.Errorf("state: corrupt substitution record %q: %w", key, err)
		}
		l.subs[id] = &request
		return nil
	}); err != nil {
		return err
	}
	if err := l.db.Iterate([]byte(lockPrefix), func(key, value []byte) error {
		id, err := parseIDKey(key, lockPrefix)
		if err != nil {
			return err
		}
		dependent, parseErr := strconv.ParseUint(string(value), 10, 64)
		if parseErr != nil {
			return fmt.Errorf("state: corrupt lock record %q: %w", key, parseErr)
		}
		l.locks[id] = dependent
		return nil
	}); err != nil {
		return err
	}
	return l.db.Iterate([]byte(acctPrefix), func(key, value []byte) error {
		hexAddr := strings.TrimPrefix(string(key), acctPrefix)
		if !common.IsHexAddress(hexAddr) {
			return fmt.Errorf("state: corrupt account key %q", key)
		}
		var account types.Account
		if err := json.Unmarshal(value, &account); err != nil {
			return fmt.Errorf("state: corrupt account record %q: %w", key, err)
		}
		l.accounts[common.HexToAddress(hexAddr)] = &account
		return nil
	})
}

func parseIDKey(key []byte, prefix string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimPrefix(string(key), prefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("state: corrupt key %q: %w", key, err)
	}
	return id, nil
}

func idKey(prefix string, id uint64) []byte {
	return []byte(prefix + strconv.FormatUint(id, 10))
}

func (l *Ledger) put(key []byte, value interface{}) error {
	if l.db == nil {
		return nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return l.db.Put(key, encoded)
}

func (l *Ledger) delete(key []byte) error {
	if l.db == nil {
		return nil
	}
	return l.db.Delete(key)
}

// RepoPut stores a copy of the repo record.
func (l *Ledger) RepoPut(record *repo.Repo) error {
	if record == nil {
		return fmt.Errorf("state: nil repo record")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	clone := record.Clone()
	if err := l.put(idKey(repoPrefix, clone.ID), clone); err != nil {
		return err
	}
	l.repos[clone.ID] = clone
	return nil
}

// RepoGet returns the stored repo record.
func (l *Ledger) RepoGet(id uint64) (*repo.Repo, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	record, ok := l.repos[id]
	return record, ok
}

// NextRepoID allocates the next monotonically increasing repo id. Ids are
// never reused, even across restarts.
func (l *Ledger) NextRepoID() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	next := id + 1
	if l.db != nil {
		if err := l.db.Put([]byte(nextIDKey), []byte(strconv.FormatUint(next, 10))); err != nil {
			return 0, err
		}
	}
	l.nextID = next
	return id, nil
}

// SubstitutionPut stores the pending substitution request for a repo,
// superseding any prior one.
func (l *Ledger) SubstitutionPut(repoID uint64, request *repo.SubstitutionRequest) error {
	if request == nil {
		return fmt.Errorf("state: nil substitution request")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	clone := request.Clone()
	if err := l.put(idKey(subPrefix, repoID), clone); err != nil {
		return err
	}
	l.subs[repoID] = clone
	return nil
}

// SubstitutionGet returns the pending substitution request for a repo.
func (l *Ledger) SubstitutionGet(repoID uint64) (*repo.SubstitutionRequest, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	request, ok := l.subs[repoID]
	return request, ok
}

// SubstitutionClear removes the pending substitution request for a repo.
func (l *Ledger) SubstitutionClear(repoID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.delete(idKey(subPrefix, repoID)); err != nil {
		return err
	}
	delete(l.subs, repoID)
	return nil
}

// LockPut records that a position token is pledged as the collateral of the
// dependent repo.
func (l *Ledger) LockPut(positionID, dependentID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db != nil {
		if err := l.db.Put(idKey(lockPrefix, positionID), []byte(strconv.FormatUint(dependentID, 10))); err != nil {
			return err
		}
	}
	l.locks[positionID] = dependentID
	return nil
}

// LockGet reports the repo currently collateralised by the position token.
func (l *Ledger) LockGet(positionID uint64) (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	dependent, ok := l.locks[positionID]
	return dependent, ok
}

// LockClear releases the pledge lock on a position token.
func (l *Ledger) LockClear(positionID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.delete(idKey(lockPrefix, positionID)); err != nil {
		return err
	}
	delete(l.locks, positionID)
	return nil
}

// GetAccount returns the stored custody account, or nil when the address has
// never held a balance.
func (l *Ledger) GetAccount(addr common.Address) (*types.Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.accounts[addr], nil
}

// PutAccount stores a copy of the custody account.
func (l *Ledger) PutAccount(addr common.Address, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	clone := account.Clone()
	if err := l.put([]byte(acctPrefix+addr.Hex()), clone); err != nil {
		return err
	}
	l.accounts[addr] = clone
	return nil
}
