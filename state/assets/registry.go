// Package assets keeps custody of non-fungible items: one owner per item and
// collection-wide operator approvals.
package assets

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"rlfmarket/native/market"
)

var (
	ErrAssetExists  = errors.New("assets: asset already minted")
	ErrUnknownAsset = errors.New("assets: unknown asset")
	errZeroAccount  = errors.New("assets: zero account")
)

type registryState interface {
	AssetOwner(assetKey [32]byte) ([20]byte, bool, error)
	SetAssetOwner(assetKey [32]byte, owner [20]byte) error
	OperatorApproved(collection, owner, operator [20]byte) (bool, error)
	SetOperatorApproval(collection, owner, operator [20]byte, approved bool) error
}

// Registry tracks item ownership. Transfers are checked and applied under one
// lock so an item never has two owners.
type Registry struct {
	mu    sync.Mutex
	state registryState
}

func NewRegistry(st registryState) *Registry {
	return &Registry{state: st}
}

// Mint records a new item owned by to.
func (r *Registry) Mint(asset market.AssetRef, to [20]byte) error {
	if err := asset.Validate(); err != nil {
		return err
	}
	if to == ([20]byte{}) {
		return errZeroAccount
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := asset.Key()
	if _, ok, err := r.state.AssetOwner(key); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: %s", ErrAssetExists, asset)
	}
	return r.state.SetAssetOwner(key, to)
}

// SetApprovalForAll lets operator move every item owner holds in collection.
func (r *Registry) SetApprovalForAll(collection, owner, operator [20]byte, approved bool) error {
	if owner == ([20]byte{}) || operator == ([20]byte{}) {
		return errZeroAccount
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.SetOperatorApproval(collection, owner, operator, approved)
}

// IsApprovedForAll reports whether operator may move owner's items in
// collection.
func (r *Registry) IsApprovedForAll(collection, owner, operator [20]byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.OperatorApproved(collection, owner, operator)
}

func (r *Registry) OwnerOf(ctx context.Context, asset market.AssetRef) ([20]byte, error) {
	if err := ctx.Err(); err != nil {
		return [20]byte{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ownerLocked(asset)
}

func (r *Registry) ownerLocked(asset market.AssetRef) ([20]byte, error) {
	owner, ok, err := r.state.AssetOwner(asset.Key())
	if err != nil {
		return [20]byte{}, err
	}
	if !ok {
		return [20]byte{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return owner, nil
}

// Transfer moves an item on its owner's own authority. Moving an item to its
// current owner is a no-op.
func (r *Registry) Transfer(ctx context.Context, asset market.AssetRef, from, to [20]byte) error {
	return r.transfer(ctx, asset, from, to, nil)
}

// CanTransfer reports whether from currently holds the item.
func (r *Registry) CanTransfer(ctx context.Context, asset market.AssetRef, from [20]byte) error {
	return r.canTransfer(ctx, asset, from, nil)
}

// ForOperator returns a view whose transfers require operator to be approved
// by the current owner.
func (r *Registry) ForOperator(operator [20]byte) market.AssetRegistry {
	return &operatorView{registry: r, operator: operator}
}

type operatorView struct {
	registry *Registry
	operator [20]byte
}

func (v *operatorView) OwnerOf(ctx context.Context, asset market.AssetRef) ([20]byte, error) {
	return v.registry.OwnerOf(ctx, asset)
}

func (v *operatorView) CanTransfer(ctx context.Context, asset market.AssetRef, from [20]byte) error {
	operator := v.operator
	return v.registry.canTransfer(ctx, asset, from, &operator)
}

func (v *operatorView) Transfer(ctx context.Context, asset market.AssetRef, from, to [20]byte) error {
	operator := v.operator
	return v.registry.transfer(ctx, asset, from, to, &operator)
}

func (r *Registry) canTransfer(ctx context.Context, asset market.AssetRef, from [20]byte, operator *[20]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, err := r.ownerLocked(asset)
	if err != nil {
		return err
	}
	return r.authorizeLocked(asset, owner, from, operator)
}

func (r *Registry) transfer(ctx context.Context, asset market.AssetRef, from, to [20]byte, operator *[20]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if to == ([20]byte{}) {
		return errZeroAccount
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, err := r.ownerLocked(asset)
	if err != nil {
		return err
	}
	if owner == to {
		return nil
	}
	if err := r.authorizeLocked(asset, owner, from, operator); err != nil {
		return err
	}
	return r.state.SetAssetOwner(asset.Key(), to)
}

// authorizeLocked checks that from holds the item and, for operator
// transfers, that the owner approved operator. Callers must hold mu.
func (r *Registry) authorizeLocked(asset market.AssetRef, owner, from [20]byte, operator *[20]byte) error {
	if owner != from {
		return fmt.Errorf("%w: %s held by 0x%x, not 0x%x", market.ErrOwnershipChanged, asset, owner, from)
	}
	if operator != nil && *operator != owner {
		approved, err := r.state.OperatorApproved(asset.Collection, owner, *operator)
		if err != nil {
			return err
		}
		if !approved {
			return fmt.Errorf("%w: operator 0x%x not approved for %s", market.ErrInsufficientAuthority, *operator, asset)
		}
	}
	return nil
}
