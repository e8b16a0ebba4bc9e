package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	"rlfmarket/core/state"
	"rlfmarket/native/market"
)

var (
	errInvalidAmount = errors.New("bank: amount must be a positive 256-bit value")
	errZeroAccount   = errors.New("bank: zero account")
)

type ledgerState interface {
	TokenBalance(token, account [20]byte) (*big.Int, error)
	TokenAllowance(token, owner, spender [20]byte) (*big.Int, error)
	SetTokenAllowance(token, owner, spender [20]byte, amount *big.Int) error
	CommitBalances(updates []state.BalanceUpdate, allowance *state.AllowanceUpdate) error
}

// Ledger is a fungible token ledger keyed by (token, account). Every
// mutation reads, checks and writes its balances under one lock and commits
// them in a single batch, so a transfer is never half applied.
type Ledger struct {
	mu    sync.Mutex
	state ledgerState
}

func NewLedger(st ledgerState) *Ledger {
	return &Ledger{state: st}
}

func toWord(amount *big.Int, allowZero bool) (*uint256.Int, error) {
	if amount == nil || amount.Sign() < 0 || (!allowZero && amount.Sign() == 0) {
		return nil, errInvalidAmount
	}
	word, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, errInvalidAmount
	}
	return word, nil
}

func (l *Ledger) loadWord(token, account [20]byte) (*uint256.Int, error) {
	balance, err := l.state.TokenBalance(token, account)
	if err != nil {
		return nil, err
	}
	word, overflow := uint256.FromBig(balance)
	if overflow {
		return nil, fmt.Errorf("bank: stored balance overflows 256 bits")
	}
	return word, nil
}

// Mint credits amount of token to account. It exists to seed balances; the
// marketplace never mints.
func (l *Ledger) Mint(token, to [20]byte, amount *big.Int) error {
	if to == ([20]byte{}) {
		return errZeroAccount
	}
	delta, err := toWord(amount, false)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	current, err := l.loadWord(token, to)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(current, delta)
	if overflow {
		return fmt.Errorf("bank: balance overflow")
	}
	return l.state.CommitBalances([]state.BalanceUpdate{{Token: token, Account: to, Balance: next.ToBig()}}, nil)
}

// Approve sets how much of owner's token balance spender may transfer.
func (l *Ledger) Approve(token, owner, spender [20]byte, amount *big.Int) error {
	if owner == ([20]byte{}) || spender == ([20]byte{}) {
		return errZeroAccount
	}
	if _, err := toWord(amount, true); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.SetTokenAllowance(token, owner, spender, amount)
}

// Allowance returns the remaining approval of spender over owner's balance.
func (l *Ledger) Allowance(token, owner, spender [20]byte) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.TokenAllowance(token, owner, spender)
}

func (l *Ledger) BalanceOf(ctx context.Context, token, account [20]byte) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.TokenBalance(token, account)
}

// Transfer moves amount from one account to another on from's own authority.
func (l *Ledger) Transfer(ctx context.Context, token, from, to [20]byte, amount *big.Int) error {
	return l.transfer(ctx, token, from, to, amount, nil)
}

// ForSpender returns a view whose transfers are drawn against the allowance
// each source account granted spender, the way a marketplace contract moves
// buyer funds.
func (l *Ledger) ForSpender(spender [20]byte) market.FungibleLedger {
	return &spenderView{ledger: l, spender: spender}
}

type spenderView struct {
	ledger  *Ledger
	spender [20]byte
}

func (v *spenderView) Transfer(ctx context.Context, token, from, to [20]byte, amount *big.Int) error {
	spender := v.spender
	return v.ledger.transfer(ctx, token, from, to, amount, &spender)
}

func (v *spenderView) BalanceOf(ctx context.Context, token, account [20]byte) (*big.Int, error) {
	return v.ledger.BalanceOf(ctx, token, account)
}

func (l *Ledger) transfer(ctx context.Context, token, from, to [20]byte, amount *big.Int, spender *[20]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if from == ([20]byte{}) || to == ([20]byte{}) {
		return errZeroAccount
	}
	delta, err := toWord(amount, false)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var allowanceUpdate *state.AllowanceUpdate
	if spender != nil && *spender != from {
		allowance, err := l.state.TokenAllowance(token, from, *spender)
		if err != nil {
			return err
		}
		if allowance.Cmp(amount) < 0 {
			return fmt.Errorf("%w: allowance %s below %s", market.ErrInsufficientAuthority, allowance, amount)
		}
		allowanceUpdate = &state.AllowanceUpdate{
			Token:   token,
			Owner:   from,
			Spender: *spender,
			Amount:  new(big.Int).Sub(allowance, amount),
		}
	}

	fromBal, err := l.loadWord(token, from)
	if err != nil {
		return err
	}
	if fromBal.Lt(delta) {
		return fmt.Errorf("%w: balance %s below %s", market.ErrInsufficientBalance, fromBal.Dec(), amount)
	}
	if from == to {
		if allowanceUpdate == nil {
			return nil
		}
		return l.state.CommitBalances(nil, allowanceUpdate)
	}
	toBal, err := l.loadWord(token, to)
	if err != nil {
		return err
	}
	credited, overflow := new(uint256.Int).AddOverflow(toBal, delta)
	if overflow {
		return fmt.Errorf("bank: balance overflow")
	}
	debited := new(uint256.Int).Sub(fromBal, delta)
	return l.state.CommitBalances([]state.BalanceUpdate{
		{Token: token, Account: from, Balance: debited.ToBig()},
		{Token: token, Account: to, Balance: credited.ToBig()},
	}, allowanceUpdate)
}
