// Package store persists pool state in a github.com/luxfi/database key-value
// store. Each committed pool operation is written as one batch, so the store
// always holds the state after some complete operation.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/database"
	"github.com/luxfi/database/badgerdb"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/database/prefixdb"
	"github.com/luxfi/log"

	"github.com/luxfi/lend/pkg/ledger"
	"github.com/luxfi/lend/pkg/lending"
)

// Key prefixes inside the store's namespace.
var (
	PrefixPositions = []byte("pos:")
	PrefixLoans     = []byte("loan:")
	PrefixClaims    = []byte("claim:")
	KeyMeta         = []byte("meta")
)

// DefaultNamespace separates pool data from anything else sharing the database.
var DefaultNamespace = []byte("lend:")

const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// Config selects the backend.
type Config struct {
	Backend string
	// Path is the badger directory.
	Path string
	// Namespace prefixes every key; DefaultNamespace when empty.
	Namespace []byte
}

// Store implements lending.Journal.
type Store struct {
	db     database.Database
	base   database.Database
	owned  bool
	logger log.Logger

	mu     sync.RWMutex
	closed bool
}

// Open creates the configured backend.
func Open(cfg Config, logger log.Logger) (*Store, error) {
	var base database.Database
	switch cfg.Backend {
	case "", BackendMemory:
		base = memdb.New()
	case BackendBadger:
		db, err := badgerdb.New(cfg.Path, nil, "", nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open badgerdb: %w", err)
		}
		base = db
	default:
		return nil, fmt.Errorf("unknown database backend %q", cfg.Backend)
	}

	s := Wrap(base, cfg.Namespace, logger)
	s.owned = true
	s.logger.Info("pool store opened", "backend", cfg.Backend, "path", cfg.Path)
	return s, nil
}

// NewMemory returns an in-memory store.
func NewMemory() *Store {
	s := Wrap(memdb.New(), nil, nil)
	s.owned = true
	return s
}

// Wrap stores pool data under namespace in a database owned by the caller.
func Wrap(db database.Database, namespace []byte, logger log.Logger) *Store {
	if len(namespace) == 0 {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = log.Root().New("module", "store")
	}
	return &Store{
		db:     prefixdb.New(namespace, db),
		base:   db,
		logger: logger,
	}
}

// Record writes the changes of one pool operation atomically.
func (s *Store) Record(c lending.Changes) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return database.ErrClosed
	}

	batch := s.db.NewBatch()
	if err := writeChanges(batch, c); err != nil {
		return err
	}
	return batch.Write()
}

// Save atomically replaces whatever the store held with state.
func (s *Store) Save(state lending.State) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return database.ErrClosed
	}

	batch := s.db.NewBatch()
	it := s.db.NewIterator()
	defer it.Release()
	for it.Next() {
		if err := batch.Delete(append([]byte(nil), it.Key()...)); err != nil {
			return err
		}
	}
	if err := it.Error(); err != nil {
		return err
	}

	err := writeChanges(batch, lending.Changes{
		Meta:      state.Meta,
		Positions: state.Positions,
		Loans:     state.Loans,
		Claimable: state.Claimable,
	})
	if err != nil {
		return err
	}
	return batch.Write()
}

// Load reads the persisted state. found is false for an empty store.
func (s *Store) Load() (state lending.State, found bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return state, false, database.ErrClosed
	}

	raw, err := s.db.Get(KeyMeta)
	if errors.Is(err, database.ErrNotFound) {
		return state, false, nil
	}
	if err != nil {
		return state, false, err
	}
	if err := json.Unmarshal(raw, &state.Meta); err != nil {
		return state, false, fmt.Errorf("decode meta: %w", err)
	}

	err = s.scan(PrefixPositions, func(v []byte) error {
		var p ledger.Position
		if err := json.Unmarshal(v, &p); err != nil {
			return fmt.Errorf("decode position: %w", err)
		}
		state.Positions = append(state.Positions, p)
		return nil
	})
	if err != nil {
		return state, false, err
	}

	err = s.scan(PrefixLoans, func(v []byte) error {
		var l lending.Loan
		if err := json.Unmarshal(v, &l); err != nil {
			return fmt.Errorf("decode loan: %w", err)
		}
		state.Loans = append(state.Loans, l)
		return nil
	})
	if err != nil {
		return state, false, err
	}

	state.Claimable = make(map[common.Address]*big.Int)
	err = s.scan(PrefixClaims, func(v []byte) error {
		var c claimRecord
		if err := json.Unmarshal(v, &c); err != nil {
			return fmt.Errorf("decode claim: %w", err)
		}
		state.Claimable[c.Lender] = c.Amount
		return nil
	})
	if err != nil {
		return state, false, err
	}

	return state, true, nil
}

// HealthCheck reports on the underlying database.
func (s *Store) HealthCheck(ctx context.Context) (interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, database.ErrClosed
	}
	return s.base.HealthCheck(ctx)
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned {
		return s.base.Close()
	}
	return nil
}

func (s *Store) scan(prefix []byte, fn func(value []byte) error) error {
	it := s.db.NewIteratorWithPrefix(prefix)
	defer it.Release()
	for it.Next() {
		if err := fn(it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

type claimRecord struct {
	Lender common.Address `json:"lender"`
	Amount *big.Int       `json:"amount"`
}

func writeChanges(batch database.Batch, c lending.Changes) error {
	for _, p := range c.Positions {
		if err := putJSON(batch, positionKey(p.ID), p); err != nil {
			return err
		}
	}
	for _, l := range c.Loans {
		if err := putJSON(batch, loanKey(l.ID), l); err != nil {
			return err
		}
	}
	for lender, amount := range c.Claimable {
		if amount == nil || amount.Sign() == 0 {
			if err := batch.Delete(claimKey(lender)); err != nil {
				return err
			}
			continue
		}
		if err := putJSON(batch, claimKey(lender), claimRecord{Lender: lender, Amount: amount}); err != nil {
			return err
		}
	}
	return putJSON(batch, KeyMeta, c.Meta)
}

func putJSON(batch database.Batch, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return batch.Put(key, data)
}

func positionKey(id uint64) []byte { return idKey(PrefixPositions, id) }

func loanKey(id uint64) []byte { return idKey(PrefixLoans, id) }

func claimKey(lender common.Address) []byte {
	return append(append([]byte(nil), PrefixClaims...), lender.Bytes()...)
}

// idKey appends a big-endian id so iteration follows id order.
func idKey(prefix []byte, id uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], id)
	return key
}
