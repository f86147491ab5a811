package position

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"repoledger/storage"
)

var (
	alice = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func TestMintBurnTransfer(t *testing.T) {
	registry, err := NewRegistry(storage.NewMemDB())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	if err := registry.Mint(1, alice); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := registry.Mint(1, bob); !errors.Is(err, ErrAlreadyMinted) {
		t.Fatalf("double mint, got %v", err)
	}
	owner, err := registry.OwnerOf(1)
	if err != nil {
		t.Fatalf("owner of: %v", err)
	}
	if owner != alice {
		t.Fatalf("owner = %s", owner.Hex())
	}

	if err := registry.Transfer(1, bob, alice); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("transfer by non-owner, got %v", err)
	}
	if err := registry.Transfer(1, alice, bob); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	owner, _ = registry.OwnerOf(1)
	if owner != bob {
		t.Fatalf("owner after transfer = %s", owner.Hex())
	}

	if err := registry.Burn(2); !errors.Is(err, ErrNotMinted) {
		t.Fatalf("burn unminted, got %v", err)
	}
	if err := registry.Burn(1); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if registry.Exists(1) {
		t.Fatalf("burned token still exists")
	}
	if _, err := registry.OwnerOf(1); !errors.Is(err, ErrNotMinted) {
		t.Fatalf("owner of burned token, got %v", err)
	}
}

func TestRegistrySurvivesRestart(t *testing.T) {
	db := storage.NewMemDB()
	registry, err := NewRegistry(db)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := registry.Mint(1, alice); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := registry.Mint(2, bob); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := registry.Burn(2); err != nil {
		t.Fatalf("burn: %v", err)
	}

	reopened, err := NewRegistry(db)
	if err != nil {
		t.Fatalf("reopen registry: %v", err)
	}
	owner, err := reopened.OwnerOf(1)
	if err != nil {
		t.Fatalf("owner after restart: %v", err)
	}
	if owner != alice {
		t.Fatalf("owner after restart = %s", owner.Hex())
	}
	if reopened.Exists(2) {
		t.Fatalf("burned token resurfaced after restart")
	}
}
