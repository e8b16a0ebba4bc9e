package state

import (
	"fmt"
	"math/big"
)

// BalanceUpdate is the post-transfer balance of one (token, account) pair.
type BalanceUpdate struct {
	Token   [20]byte
	Account [20]byte
	Balance *big.Int
}

// AllowanceUpdate is the remaining allowance after a delegated transfer.
type AllowanceUpdate struct {
	Token   [20]byte
	Owner   [20]byte
	Spender [20]byte
	Amount  *big.Int
}

func balanceKey(token, account [20]byte) []byte {
	return prefixedKey(balancePrefix, token[:], account[:])
}

func allowanceKey(token, owner, spender [20]byte) []byte {
	return prefixedKey(allowancePrefix, token[:], owner[:], spender[:])
}

func (m *Manager) loadAmount(key []byte) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := m.KVGet(key, amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

func putAmount(b *kvBatch, key []byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		b.delete(key)
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: negative amount not allowed")
	}
	return b.put(key, amount)
}

// TokenBalance returns the balance of account in token; unknown pairs are zero.
func (m *Manager) TokenBalance(token, account [20]byte) (*big.Int, error) {
	return m.loadAmount(balanceKey(token, account))
}

// TokenAllowance returns how much spender may move from owner's balance.
func (m *Manager) TokenAllowance(token, owner, spender [20]byte) (*big.Int, error) {
	return m.loadAmount(allowanceKey(token, owner, spender))
}

// SetTokenAllowance replaces the allowance of spender over owner's balance.
func (m *Manager) SetTokenAllowance(token, owner, spender [20]byte, amount *big.Int) error {
	batch := newKVBatch()
	if err := putAmount(batch, allowanceKey(token, owner, spender), amount); err != nil {
		return err
	}
	return m.commit(batch)
}

// CommitBalances writes every balance update, and the allowance update when
// present, in one atomic batch.
func (m *Manager) CommitBalances(updates []BalanceUpdate, allowance *AllowanceUpdate) error {
	batch := newKVBatch()
	for _, u := range updates {
		if err := putAmount(batch, balanceKey(u.Token, u.Account), u.Balance); err != nil {
			return err
		}
	}
	if allowance != nil {
		key := allowanceKey(allowance.Token, allowance.Owner, allowance.Spender)
		if err := putAmount(batch, key, allowance.Amount); err != nil {
			return err
		}
	}
	return m.commit(batch)
}

func custodyKey(assetKey [32]byte) []byte { return prefixedKey(custodyPrefix, assetKey[:]) }

func operatorKey(collection, owner, operator [20]byte) []byte {
	return prefixedKey(operatorPrefix, collection[:], owner[:], operator[:])
}

// AssetOwner returns the recorded owner of the asset identified by assetKey.
func (m *Manager) AssetOwner(assetKey [32]byte) ([20]byte, bool, error) {
	var owner [20]byte
	ok, err := m.KVGet(custodyKey(assetKey), &owner)
	return owner, ok, err
}

// SetAssetOwner records owner as the holder of the asset.
func (m *Manager) SetAssetOwner(assetKey [32]byte, owner [20]byte) error {
	return m.KVPut(custodyKey(assetKey), owner)
}

// OperatorApproved reports whether operator may move every asset of owner in
// collection.
func (m *Manager) OperatorApproved(collection, owner, operator [20]byte) (bool, error) {
	var approved bool
	ok, err := m.KVGet(operatorKey(collection, owner, operator), &approved)
	if err != nil {
		return false, err
	}
	return ok && approved, nil
}

// SetOperatorApproval grants or revokes operator's collection-wide approval.
func (m *Manager) SetOperatorApproval(collection, owner, operator [20]byte, approved bool) error {
	if !approved {
		return m.KVDelete(operatorKey(collection, owner, operator))
	}
	return m.KVPut(operatorKey(collection, owner, operator), true)
}
