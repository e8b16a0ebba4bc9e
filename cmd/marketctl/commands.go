package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"strings"

	"rlfmarket/native/market"
)

// errUsage marks a flag parse failure the flag package already reported.
var errUsage = errors.New("usage")

type env struct {
	ctx    context.Context
	app    *app
	stderr io.Writer
}

type command struct {
	name    string
	summary string
	run     func(e *env, args []string) (any, error)
}

var commands = []command{
	{"deploy", "initialise the marketplace with an admin", runDeploy},
	{"status", "show deployment, version and pause state", runStatus},
	{"mint-asset", "mint an item into custody", runMintAsset},
	{"approve-operator", "let the marketplace move an owner's items", runApproveOperator},
	{"owner", "show the current owner of an item", runOwner},
	{"mint-token", "credit fungible tokens to an account", runMintToken},
	{"approve", "set the marketplace allowance over an account", runApprove},
	{"balance", "show a token balance", runBalance},
	{"list", "list an item for sale", runList},
	{"cancel-listing", "cancel an active listing", runCancelListing},
	{"get-listing", "show a listing by id or by item", runGetListing},
	{"offers", "show every offer on a listing", runOffers},
	{"offer", "make or replace an offer on a listing", runOffer},
	{"cancel-offer", "withdraw an open offer", runCancelOffer},
	{"get-offer", "show an offer", runGetOffer},
	{"expire-offer", "expire an offer past its expiry", runExpireOffer},
	{"sweep", "expire every offer past its expiry", runSweep},
	{"accept", "accept an offer and settle the trade", runAccept},
	{"resume", "finish a paid settlement", runResume},
	{"recover", "resolve every in-flight settlement", runRecover},
	{"escrows", "show in-flight settlements", runEscrows},
	{"settlements", "show the settlement log", runSettlements},
	{"upgrade", "advance the logic version", runUpgrade},
	{"pause", "pause or resume trading", runPause},
	{"transfer-admin", "hand the admin role to another account", runTransferAdmin},
}

func lookupCommand(name string) (command, bool) {
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd, true
		}
	}
	return command{}, false
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("marketctl "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() > 0 {
		return invalid("unexpected positional arguments: %s", strings.Join(fs.Args(), " "))
	}
	return nil
}

func parseAsset(collection, tokenID string) (market.AssetRef, error) {
	addr, err := parseAddress("collection", collection)
	if err != nil {
		return market.AssetRef{}, err
	}
	id, err := parseTokenID(tokenID)
	if err != nil {
		return market.AssetRef{}, err
	}
	return market.AssetRef{Collection: addr, TokenID: id}, nil
}

func runDeploy(e *env, args []string) (any, error) {
	fs := newFlagSet("deploy", e.stderr)
	admin := fs.String("admin", "", "admin address")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	addr, err := parseAddress("admin", *admin)
	if err != nil {
		return nil, err
	}
	d, err := e.app.engine.Initialize(addr)
	if err != nil {
		return nil, err
	}
	commandLogger(e.app.logger, "deploy", addr).Info("marketplace deployed", "deployment", d.ID)
	return newDeploymentView(d), nil
}

type statusView struct {
	Deployment  deploymentView `json:"deployment"`
	Version     uint32         `json:"version"`
	Paused      bool           `json:"paused"`
	Escrows     int            `json:"escrows"`
	Upgrades    []upgradeView  `json:"upgrades"`
	Settlements int            `json:"settlements"`
}

func runStatus(e *env, args []string) (any, error) {
	fs := newFlagSet("status", e.stderr)
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	d, err := e.app.engine.Deployment()
	if err != nil {
		return nil, err
	}
	version, err := e.app.engine.LogicVersion()
	if err != nil {
		return nil, err
	}
	pending, err := e.app.engine.PendingEscrows()
	if err != nil {
		return nil, err
	}
	history, err := e.app.engine.Upgrades()
	if err != nil {
		return nil, err
	}
	count, err := e.app.state.MarketSettlementCount()
	if err != nil {
		return nil, err
	}
	view := statusView{
		Deployment:  newDeploymentView(d),
		Version:     version,
		Paused:      e.app.state.IsPaused(market.ModuleName) || e.app.cfg.Market.Paused,
		Escrows:     len(pending),
		Upgrades:    make([]upgradeView, 0, len(history)),
		Settlements: int(count),
	}
	for _, rec := range history {
		name, err := e.app.migrationName(rec.ToVersion)
		if err != nil {
			return nil, err
		}
		view.Upgrades = append(view.Upgrades, upgradeView{
			FromVersion: rec.FromVersion,
			ToVersion:   rec.ToVersion,
			Admin:       hexAddr(rec.Admin),
			At:          rec.At,
			Migration:   name,
		})
	}
	return view, nil
}

func runMintAsset(e *env, args []string) (any, error) {
	fs := newFlagSet("mint-asset", e.stderr)
	collection := fs.String("collection", "", "collection address")
	tokenID := fs.String("token-id", "", "token id")
	to := fs.String("to", "", "recipient address")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	asset, err := parseAsset(*collection, *tokenID)
	if err != nil {
		return nil, err
	}
	owner, err := parseAddress("to", *to)
	if err != nil {
		return nil, err
	}
	if err := e.app.registry.Mint(asset, owner); err != nil {
		return nil, err
	}
	return map[string]any{"asset": newAssetView(asset), "owner": hexAddr(owner)}, nil
}

func runApproveOperator(e *env, args []string) (any, error) {
	fs := newFlagSet("approve-operator", e.stderr)
	collection := fs.String("collection", "", "collection address")
	owner := fs.String("owner", "", "item owner address")
	revoke := fs.Bool("revoke", false, "withdraw the approval instead")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	coll, err := parseAddress("collection", *collection)
	if err != nil {
		return nil, err
	}
	ownerAddr, err := parseAddress("owner", *owner)
	if err != nil {
		return nil, err
	}
	if err := e.app.registry.SetApprovalForAll(coll, ownerAddr, marketAddress, !*revoke); err != nil {
		return nil, err
	}
	return map[string]any{
		"collection": hexAddr(coll),
		"owner":      hexAddr(ownerAddr),
		"operator":   hexAddr(marketAddress),
		"approved":   !*revoke,
	}, nil
}

func runOwner(e *env, args []string) (any, error) {
	fs := newFlagSet("owner", e.stderr)
	collection := fs.String("collection", "", "collection address")
	tokenID := fs.String("token-id", "", "token id")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	asset, err := parseAsset(*collection, *tokenID)
	if err != nil {
		return nil, err
	}
	owner, err := e.app.engine.OwnerOf(e.ctx, asset)
	if err != nil {
		return nil, err
	}
	return map[string]any{"asset": newAssetView(asset), "owner": hexAddr(owner)}, nil
}

func runMintToken(e *env, args []string) (any, error) {
	fs := newFlagSet("mint-token", e.stderr)
	token := fs.String("token", "", "token address")
	to := fs.String("to", "", "recipient address")
	amount := fs.String("amount", "", "amount in base units (supports 100e18 shorthand)")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	tokenAddr, err := parseAddress("token", *token)
	if err != nil {
		return nil, err
	}
	account, err := parseAddress("to", *to)
	if err != nil {
		return nil, err
	}
	value, err := parseAmount("amount", *amount)
	if err != nil {
		return nil, err
	}
	if err := e.app.ledger.Mint(tokenAddr, account, value); err != nil {
		return nil, err
	}
	return balanceResult(e, tokenAddr, account)
}

func runApprove(e *env, args []string) (any, error) {
	fs := newFlagSet("approve", e.stderr)
	token := fs.String("token", "", "token address")
	owner := fs.String("owner", "", "account granting the allowance")
	amount := fs.String("amount", "", "allowance in base units")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	tokenAddr, err := parseAddress("token", *token)
	if err != nil {
		return nil, err
	}
	ownerAddr, err := parseAddress("owner", *owner)
	if err != nil {
		return nil, err
	}
	value := new(big.Int)
	if strings.TrimSpace(*amount) != "0" {
		if value, err = parseAmount("amount", *amount); err != nil {
			return nil, err
		}
	}
	if err := e.app.ledger.Approve(tokenAddr, ownerAddr, marketAddress, value); err != nil {
		return nil, err
	}
	return map[string]any{
		"token":     hexAddr(tokenAddr),
		"owner":     hexAddr(ownerAddr),
		"spender":   hexAddr(marketAddress),
		"allowance": value.String(),
	}, nil
}

func runBalance(e *env, args []string) (any, error) {
	fs := newFlagSet("balance", e.stderr)
	token := fs.String("token", "", "token address")
	account := fs.String("account", "", "account address")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	tokenAddr, err := parseAddress("token", *token)
	if err != nil {
		return nil, err
	}
	accountAddr, err := parseAddress("account", *account)
	if err != nil {
		return nil, err
	}
	return balanceResult(e, tokenAddr, accountAddr)
}

func balanceResult(e *env, token, account [20]byte) (any, error) {
	balance, err := e.app.engine.BalanceOf(e.ctx, token, account)
	if err != nil {
		return nil, err
	}
	allowance, err := e.app.ledger.Allowance(token, account, marketAddress)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"token":     hexAddr(token),
		"account":   hexAddr(account),
		"balance":   balance.String(),
		"allowance": allowance.String(),
	}, nil
}

func runList(e *env, args []string) (any, error) {
	fs := newFlagSet("list", e.stderr)
	seller := fs.String("seller", "", "seller address")
	collection := fs.String("collection", "", "collection address")
	tokenID := fs.String("token-id", "", "token id")
	token := fs.String("token", "", "payment token address")
	minPrice := fs.String("min-price", "", "minimum price in base units")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	sellerAddr, err := parseAddress("seller", *seller)
	if err != nil {
		return nil, err
	}
	asset, err := parseAsset(*collection, *tokenID)
	if err != nil {
		return nil, err
	}
	tokenAddr, err := parseAddress("token", *token)
	if err != nil {
		return nil, err
	}
	price, err := parseAmount("min-price", *minPrice)
	if err != nil {
		return nil, err
	}
	id, err := e.app.engine.CreateListing(e.ctx, asset, sellerAddr, tokenAddr, price)
	if err != nil {
		return nil, err
	}
	return listingResult(e, id)
}

func listingResult(e *env, id [32]byte) (any, error) {
	listing, err := e.app.engine.GetListing(id)
	if err != nil {
		return nil, err
	}
	return newListingView(listing), nil
}

func runCancelListing(e *env, args []string) (any, error) {
	fs := newFlagSet("cancel-listing", e.stderr)
	id := fs.String("id", "", "listing id")
	as := fs.String("as", "", "caller address")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	listingID, err := parseID("id", *id)
	if err != nil {
		return nil, err
	}
	caller, err := parseAddress("as", *as)
	if err != nil {
		return nil, err
	}
	if err := e.app.engine.CancelListing(listingID, caller); err != nil {
		return nil, err
	}
	return listingResult(e, listingID)
}

func runGetListing(e *env, args []string) (any, error) {
	fs := newFlagSet("get-listing", e.stderr)
	id := fs.String("id", "", "listing id")
	collection := fs.String("collection", "", "collection address, to find the active listing of an item")
	tokenID := fs.String("token-id", "", "token id, with --collection")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(*id) != "" {
		listingID, err := parseID("id", *id)
		if err != nil {
			return nil, err
		}
		return listingResult(e, listingID)
	}
	asset, err := parseAsset(*collection, *tokenID)
	if err != nil {
		return nil, err
	}
	listing, ok, err := e.app.engine.ActiveListingFor(asset)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no active listing for %s", market.ErrNotFound, asset)
	}
	return newListingView(listing), nil
}

func runOffers(e *env, args []string) (any, error) {
	fs := newFlagSet("offers", e.stderr)
	listing := fs.String("listing", "", "listing id")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	listingID, err := parseID("listing", *listing)
	if err != nil {
		return nil, err
	}
	offers, err := e.app.engine.ListingOffers(listingID)
	if err != nil {
		return nil, err
	}
	views := make([]offerView, 0, len(offers))
	for _, o := range offers {
		views = append(views, newOfferView(o))
	}
	return views, nil
}

func runOffer(e *env, args []string) (any, error) {
	fs := newFlagSet("offer", e.stderr)
	listing := fs.String("listing", "", "listing id")
	buyer := fs.String("buyer", "", "buyer address")
	token := fs.String("token", "", "payment token address")
	amount := fs.String("amount", "", "offer amount in base units")
	expires := fs.String("expires", "", "optional expiry as +duration, RFC3339 or unix seconds")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	listingID, err := parseID("listing", *listing)
	if err != nil {
		return nil, err
	}
	buyerAddr, err := parseAddress("buyer", *buyer)
	if err != nil {
		return nil, err
	}
	tokenAddr, err := parseAddress("token", *token)
	if err != nil {
		return nil, err
	}
	value, err := parseAmount("amount", *amount)
	if err != nil {
		return nil, err
	}
	expiresAt, err := parseExpiry(*expires, marketNow())
	if err != nil {
		return nil, err
	}
	offerID, err := e.app.engine.MakeOffer(listingID, buyerAddr, tokenAddr, value, expiresAt)
	if err != nil {
		return nil, err
	}
	return offerResult(e, offerID)
}

func offerResult(e *env, id [32]byte) (any, error) {
	offer, err := e.app.engine.GetOffer(id)
	if err != nil {
		return nil, err
	}
	return newOfferView(offer), nil
}

func runCancelOffer(e *env, args []string) (any, error) {
	fs := newFlagSet("cancel-offer", e.stderr)
	id := fs.String("id", "", "offer id")
	as := fs.String("as", "", "caller address")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	offerID, err := parseID("id", *id)
	if err != nil {
		return nil, err
	}
	caller, err := parseAddress("as", *as)
	if err != nil {
		return nil, err
	}
	if err := e.app.engine.CancelOffer(offerID, caller); err != nil {
		return nil, err
	}
	return offerResult(e, offerID)
}

func runGetOffer(e *env, args []string) (any, error) {
	fs := newFlagSet("get-offer", e.stderr)
	id := fs.String("id", "", "offer id")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	offerID, err := parseID("id", *id)
	if err != nil {
		return nil, err
	}
	return offerResult(e, offerID)
}

func runExpireOffer(e *env, args []string) (any, error) {
	fs := newFlagSet("expire-offer", e.stderr)
	id := fs.String("id", "", "offer id")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	offerID, err := parseID("id", *id)
	if err != nil {
		return nil, err
	}
	if err := e.app.engine.ExpireOffer(offerID, marketNow().Unix()); err != nil {
		return nil, err
	}
	return offerResult(e, offerID)
}

func runSweep(e *env, args []string) (any, error) {
	fs := newFlagSet("sweep", e.stderr)
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	expired, err := e.app.engine.SweepExpired(marketNow().Unix())
	if err != nil {
		return nil, err
	}
	return map[string]int{"expired": expired}, nil
}

func runAccept(e *env, args []string) (any, error) {
	fs := newFlagSet("accept", e.stderr)
	offer := fs.String("offer", "", "offer id")
	as := fs.String("as", "", "seller address")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	offerID, err := parseID("offer", *offer)
	if err != nil {
		return nil, err
	}
	caller, err := parseAddress("as", *as)
	if err != nil {
		return nil, err
	}
	entry, err := e.app.engine.AcceptOffer(e.ctx, offerID, caller)
	if err != nil {
		return nil, err
	}
	commandLogger(e.app.logger, "accept", caller).Info("trade settled", "offer", hexID(offerID))
	return newSettlementView(entry), nil
}

func runResume(e *env, args []string) (any, error) {
	fs := newFlagSet("resume", e.stderr)
	offer := fs.String("offer", "", "offer id")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	offerID, err := parseID("offer", *offer)
	if err != nil {
		return nil, err
	}
	entry, err := e.app.engine.ResumeSettlement(e.ctx, offerID)
	if err != nil {
		return nil, err
	}
	return newSettlementView(entry), nil
}

func runRecover(e *env, args []string) (any, error) {
	fs := newFlagSet("recover", e.stderr)
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	report, err := e.app.engine.Recover(e.ctx)
	if err != nil {
		return nil, err
	}
	return newRecoveryView(report), nil
}

func runEscrows(e *env, args []string) (any, error) {
	fs := newFlagSet("escrows", e.stderr)
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	records, err := e.app.engine.PendingEscrows()
	if err != nil {
		return nil, err
	}
	views := make([]escrowView, 0, len(records))
	for _, r := range records {
		views = append(views, newEscrowView(r))
	}
	return views, nil
}

func runSettlements(e *env, args []string) (any, error) {
	fs := newFlagSet("settlements", e.stderr)
	from := fs.Uint64("from", 0, "first sequence number")
	limit := fs.Int("limit", 50, "maximum entries to return")
	offer := fs.String("offer", "", "show only the settlement of this offer")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(*offer) != "" {
		offerID, err := parseID("offer", *offer)
		if err != nil {
			return nil, err
		}
		entry, err := e.app.engine.SettlementByOffer(offerID)
		if err != nil {
			return nil, err
		}
		return newSettlementView(entry), nil
	}
	if *limit <= 0 {
		return nil, invalid("--limit must be positive")
	}
	entries, err := e.app.engine.Settlements(*from, *limit)
	if err != nil {
		return nil, err
	}
	views := make([]settlementView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, newSettlementView(entry))
	}
	return views, nil
}

func runUpgrade(e *env, args []string) (any, error) {
	fs := newFlagSet("upgrade", e.stderr)
	as := fs.String("as", "", "admin address")
	version := fs.Uint("version", 0, "new logic version")
	migrationName := fs.String("migration", "none", "migration applied lazily to older records")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	caller, err := parseAddress("as", *as)
	if err != nil {
		return nil, err
	}
	if *version == 0 || uint64(*version) > uint64(^uint32(0)) {
		return nil, invalid("--version must be a positive 32-bit integer")
	}
	migration, err := buildMigration(*migrationName)
	if err != nil {
		return nil, err
	}
	target := uint32(*version)
	// The name is stored first so a successful upgrade can always be replayed
	// on the next run. A failed upgrade leaves a name that the next upgrade
	// to the same version overwrites.
	if err := e.app.saveMigrationName(target, strings.TrimSpace(*migrationName)); err != nil {
		return nil, err
	}
	rec, err := e.app.engine.Upgrade(caller, target, migration)
	if err != nil {
		return nil, err
	}
	commandLogger(e.app.logger, "upgrade", caller).Info("logic upgraded", "version", target)
	return upgradeView{
		FromVersion: rec.FromVersion,
		ToVersion:   rec.ToVersion,
		Admin:       hexAddr(rec.Admin),
		At:          rec.At,
		Migration:   strings.TrimSpace(*migrationName),
	}, nil
}

func runPause(e *env, args []string) (any, error) {
	fs := newFlagSet("pause", e.stderr)
	as := fs.String("as", "", "admin address")
	resume := fs.Bool("resume", false, "lift the pause instead")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	caller, err := parseAddress("as", *as)
	if err != nil {
		return nil, err
	}
	if err := e.app.engine.SetPaused(caller, !*resume); err != nil {
		return nil, err
	}
	return map[string]bool{"paused": !*resume}, nil
}

func runTransferAdmin(e *env, args []string) (any, error) {
	fs := newFlagSet("transfer-admin", e.stderr)
	as := fs.String("as", "", "current admin address")
	to := fs.String("to", "", "new admin address")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	caller, err := parseAddress("as", *as)
	if err != nil {
		return nil, err
	}
	next, err := parseAddress("to", *to)
	if err != nil {
		return nil, err
	}
	if err := e.app.engine.TransferAdmin(caller, next); err != nil {
		return nil, err
	}
	d, err := e.app.engine.Deployment()
	if err != nil {
		return nil, err
	}
	return newDeploymentView(d), nil
}
