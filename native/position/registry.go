// Package position implements the non-fungible claim-token registry. Each
// token id equals the id of the repo whose claim it represents; the registry
// tracks mint, burn and ownership, and is mutated only by the repo engine.
package position

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"repoledger/storage"
)

var (
	// ErrNotMinted is returned when the token id has never been minted or
	// has been burned.
	ErrNotMinted = errors.New("position registry: token not minted")
	// ErrAlreadyMinted rejects minting a token id twice.
	ErrAlreadyMinted = errors.New("position registry: token already minted")
	// ErrNotOwner rejects a transfer initiated by anyone but the current
	// owner.
	ErrNotOwner = errors.New("position registry: caller does not own token")
)

const keyPrefix = "pos/"

type record struct {
	Owner common.Address `json:"owner"`
}

// Registry is the ownership ledger for position tokens. Reads are safe for
// concurrent use; writes come only from the repo engine, which serialises
// them.
type Registry struct {
	mu     sync.RWMutex
	db     storage.Database
	owners map[uint64]common.Address
}

// NewRegistry constructs a registry persisted through db, loading any tokens
// recorded by a previous run.
func NewRegistry(db storage.Database) (*Registry, error) {
	r := &Registry{db: db, owners: make(map[uint64]common.Address)}
	if db == nil {
		return r, nil
	}
	err := db.Iterate([]byte(keyPrefix), func(key, value []byte) error {
		id, err := strconv.ParseUint(strings.TrimPrefix(string(key), keyPrefix), 10, 64)
		if err != nil {
			return fmt.Errorf("position registry: corrupt key %q: %w", key, err)
		}
		var rec record
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("position registry: corrupt record for token %d: %w", id, err)
		}
		r.owners[id] = rec.Owner
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func key(id uint64) []byte {
	return []byte(keyPrefix + strconv.FormatUint(id, 10))
}

func (r *Registry) persist(id uint64, owner common.Address) error {
	if r.db == nil {
		return nil
	}
	encoded, err := json.Marshal(record{Owner: owner})
	if err != nil {
		return err
	}
	return r.db.Put(key(id), encoded)
}

// Mint records a new token owned by the given address.
func (r *Registry) Mint(id uint64, owner common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.owners[id]; ok {
		return ErrAlreadyMinted
	}
	if err := r.persist(id, owner); err != nil {
		return err
	}
	r.owners[id] = owner
	return nil
}

// Burn destroys the token. Burning an unminted token fails.
func (r *Registry) Burn(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.owners[id]; !ok {
		return ErrNotMinted
	}
	if r.db != nil {
		if err := r.db.Delete(key(id)); err != nil {
			return err
		}
	}
	delete(r.owners, id)
	return nil
}

// Transfer moves the token from its current owner to a new holder. The from
// address must match the recorded owner.
func (r *Registry) Transfer(id uint64, from, to common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[id]
	if !ok {
		return ErrNotMinted
	}
	if owner != from {
		return ErrNotOwner
	}
	if err := r.persist(id, to); err != nil {
		return err
	}
	r.owners[id] = to
	return nil
}

// OwnerOf returns the current owner of the token, failing when it is not
// minted.
func (r *Registry) OwnerOf(id uint64) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[id]
	if !ok {
		return common.Address{}, ErrNotMinted
	}
	return owner, nil
}

// Exists reports whether the token is currently minted.
func (r *Registry) Exists(id uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.owners[id]
	return ok
}
