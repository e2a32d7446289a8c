package orchestrator

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/palisade-bridge/palisade/pkg/bridge"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// AssetMover is the custody interface the orchestrator drives. Debit takes
// funds out of an account, Credit puts them in; both move whole amounts or
// nothing.
type AssetMover interface {
	Debit(owner, token bridge.Address, amount *big.Int) error
	Credit(owner, token bridge.Address, amount *big.Int) error
}

type balanceKey struct {
	owner bridge.Address
	token bridge.Address
}

// MemoryLedger is an in-process AssetMover for tests and devnet. Balances
// live in a map and start at zero.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[balanceKey]*big.Int
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[balanceKey]*big.Int)}
}

func (l *MemoryLedger) Credit(owner, token bridge.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("credit amount must be non-negative")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := balanceKey{owner: owner, token: token}
	cur, ok := l.balances[k]
	if !ok {
		cur = big.NewInt(0)
		l.balances[k] = cur
	}
	cur.Add(cur, amount)
	return nil
}

func (l *MemoryLedger) Debit(owner, token bridge.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("debit amount must be non-negative")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := balanceKey{owner: owner, token: token}
	cur, ok := l.balances[k]
	if !ok || cur.Cmp(amount) < 0 {
		have := big.NewInt(0)
		if ok {
			have = cur
		}
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, have, amount)
	}
	cur.Sub(cur, amount)
	return nil
}

// Balance returns a copy of an account's balance for a token.
func (l *MemoryLedger) Balance(owner, token bridge.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.balances[balanceKey{owner: owner, token: token}]; ok {
		return new(big.Int).Set(cur)
	}
	return big.NewInt(0)
}
