// Package token defines the value-transfer capability the pool settles through
// and an in-memory ERC-20 style implementation of it.
package token

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAmount         = errors.New("invalid amount")
)

// Token is a fungible asset. The caller of every mutating method is explicit:
// Transfer moves from's own funds, TransferFrom spends an allowance that owner
// granted to spender.
type Token interface {
	Symbol() string
	BalanceOf(owner common.Address) *big.Int
	Allowance(owner, spender common.Address) *big.Int
	Transfer(from, to common.Address, amount *big.Int) error
	TransferFrom(spender, owner, to common.Address, amount *big.Int) error
	Approve(owner, spender common.Address, amount *big.Int) error
}

// Memory is an in-process Token. It is safe for concurrent use.
type Memory struct {
	symbol     string
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
	supply     *big.Int
	mu         sync.RWMutex
}

// NewMemory creates an empty token.
func NewMemory(symbol string) *Memory {
	return &Memory{
		symbol:     symbol,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
		supply:     new(big.Int),
	}
}

func (m *Memory) Symbol() string { return m.symbol }

// Mint credits amount to owner out of thin air.
func (m *Memory) Mint(owner common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balanceLocked(owner)
	b.Add(b, amount)
	m.supply.Add(m.supply, amount)
	return nil
}

// TotalSupply returns everything minted so far.
func (m *Memory) TotalSupply() *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(big.Int).Set(m.supply)
}

func (m *Memory) BalanceOf(owner common.Address) *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.balances[owner]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (m *Memory) Allowance(owner, spender common.Address) *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.allowances[owner][spender]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

func (m *Memory) Approve(owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.allowances[owner] == nil {
		m.allowances[owner] = make(map[common.Address]*big.Int)
	}
	m.allowances[owner][spender] = new(big.Int).Set(amount)
	return nil
}

func (m *Memory) Transfer(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.moveLocked(from, to, amount)
}

func (m *Memory) TransferFrom(spender, owner, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := m.allowances[owner][spender]
	if allowed == nil || allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%s: %w: %s allowed %s to spend %v, want %s",
			m.symbol, ErrInsufficientAllowance, owner.Hex(), spender.Hex(), allowed, amount)
	}
	if err := m.moveLocked(owner, to, amount); err != nil {
		return err
	}
	allowed.Sub(allowed, amount)
	return nil
}

func (m *Memory) moveLocked(from, to common.Address, amount *big.Int) error {
	src := m.balanceLocked(from)
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("%s: %w: %s has %s, want %s", m.symbol, ErrInsufficientBalance, from.Hex(), src, amount)
	}
	src.Sub(src, amount)
	dst := m.balanceLocked(to)
	dst.Add(dst, amount)
	return nil
}

func (m *Memory) balanceLocked(owner common.Address) *big.Int {
	b, ok := m.balances[owner]
	if !ok {
		b = new(big.Int)
		m.balances[owner] = b
	}
	return b
}
