package wallet

import (
	"context"
	"sync"

	"github.com/meridianswap/arbiter/internal/idgen"
)

// MemoryService is an in-memory wallet backend for demo/development mode and
// tests. Each trade gets an independent simulated multisig wallet.
type MemoryService struct {
	mu      sync.Mutex
	wallets map[string]*MemoryWallet
}

// NewMemoryService creates an empty in-memory wallet backend.
func NewMemoryService() *MemoryService {
	return &MemoryService{wallets: make(map[string]*MemoryWallet)}
}

// CreateWallet registers a simulated wallet for a trade with the given
// unlocked balance and per-transaction fee.
func (s *MemoryService) CreateWallet(tradeID string, unlockedBalance, fee uint64) *MemoryWallet {
	w := &MemoryWallet{balance: unlockedBalance, fee: fee}
	s.mu.Lock()
	s.wallets[tradeID] = w
	s.mu.Unlock()
	return w
}

// MultisigWallet implements Service.
func (s *MemoryService) MultisigWallet(_ context.Context, tradeID string) (MultisigWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[tradeID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return w, nil
}

// MemoryWallet simulates one trade's multisig wallet.
type MemoryWallet struct {
	mu           sync.Mutex
	balance      uint64
	fee          uint64
	importNeeded bool
	imported     []string
	exported     int
	syncs        int
	created      []*Tx
	failCreate   error // next CreateTx fails with this error once
}

// SetImportNeeded flips the multisig-import-needed flag.
func (w *MemoryWallet) SetImportNeeded(v bool) {
	w.mu.Lock()
	w.importNeeded = v
	w.mu.Unlock()
}

// FailNextCreate makes the next CreateTx call fail with err.
func (w *MemoryWallet) FailNextCreate(err error) {
	w.mu.Lock()
	w.failCreate = err
	w.mu.Unlock()
}

// Syncs returns how many times Sync was called.
func (w *MemoryWallet) Syncs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncs
}

// CreatedTxs returns the constructed transactions in order.
func (w *MemoryWallet) CreatedTxs() []*Tx {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Tx, len(w.created))
	copy(out, w.created)
	return out
}

// ImportedHexes returns all multisig hexes imported so far.
func (w *MemoryWallet) ImportedHexes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.imported))
	copy(out, w.imported)
	return out
}

func (w *MemoryWallet) Sync(_ context.Context) error {
	w.mu.Lock()
	w.syncs++
	w.mu.Unlock()
	return nil
}

func (w *MemoryWallet) UnlockedBalance(_ context.Context) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance, nil
}

func (w *MemoryWallet) IsMultisigImportNeeded(_ context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.importNeeded, nil
}

func (w *MemoryWallet) ImportMultisigHex(_ context.Context, hexes []string) error {
	w.mu.Lock()
	w.imported = append(w.imported, hexes...)
	w.importNeeded = false
	w.mu.Unlock()
	return nil
}

func (w *MemoryWallet) ExportMultisigHex(_ context.Context) (string, error) {
	w.mu.Lock()
	w.exported++
	w.mu.Unlock()
	return "multisig-export-" + idgen.Hex(8), nil
}

func (w *MemoryWallet) CreateTx(_ context.Context, cfg TxConfig) (*Tx, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failCreate != nil {
		err := w.failCreate
		w.failCreate = nil
		return nil, err
	}
	if w.importNeeded {
		return nil, ErrImportNeeded
	}

	dests := append([]Destination(nil), cfg.Destinations...)
	if len(cfg.SubtractFeeFromOutputs) > 0 {
		// Fee comes out of the listed outputs: an even share each, with the
		// remainder charged to the first listed output.
		if cfg.Total() > w.balance {
			return nil, ErrInsufficientFunds
		}
		share := w.fee / uint64(len(cfg.SubtractFeeFromOutputs))
		rem := w.fee % uint64(len(cfg.SubtractFeeFromOutputs))
		for i, idx := range cfg.SubtractFeeFromOutputs {
			charge := share
			if i == 0 {
				charge += rem
			}
			if idx < 0 || idx >= len(dests) || dests[idx].Amount < charge {
				return nil, ErrInsufficientFunds
			}
			dests[idx].Amount -= charge
		}
	} else if cfg.Total()+w.fee > w.balance {
		return nil, ErrInsufficientFunds
	}

	tx := &Tx{
		ID:           idgen.Hex(32),
		SignedHex:    idgen.Hex(64),
		Fee:          w.fee,
		Destinations: dests,
	}
	w.created = append(w.created, tx)
	return tx, nil
}
