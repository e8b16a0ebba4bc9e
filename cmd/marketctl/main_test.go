package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	adminAddr      = "0x00000000000000000000000000000000000000ad"
	sellerAddr     = "0x000000000000000000000000000000000000005e"
	buyerAddr      = "0x00000000000000000000000000000000000000b1"
	otherBuyerAddr = "0x00000000000000000000000000000000000000b2"
	collectionAddr = "0x00000000000000000000000000000000000000c0"
	tokenAddr      = "0x00000000000000000000000000000000000000f0"
)

type cli struct {
	t      *testing.T
	config string
	dir    string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "marketctl.toml")
	body := fmt.Sprintf(`DataDir = %q

[Market]
SettlementRetries = 2
RetryBackoffMs = 1

[Metrics]
Enabled = true
`, filepath.Join(dir, "data"))
	require.NoError(t, os.WriteFile(configPath, []byte(body), 0o644))
	return &cli{t: t, config: configPath, dir: dir}
}

func (c *cli) run(args ...string) (string, string, int) {
	c.t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"--config", c.config}, args...), &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

// ok runs a command that must succeed and decodes its JSON object result.
func (c *cli) ok(args ...string) map[string]any {
	c.t.Helper()
	stdout, stderr, code := c.run(args...)
	require.Equalf(c.t, 0, code, "%v failed: %s", args, stderr)
	var out map[string]any
	require.NoError(c.t, json.Unmarshal([]byte(stdout), &out), stdout)
	return out
}

// fails runs a command that must fail with the given code.
func (c *cli) fails(code string, args ...string) {
	c.t.Helper()
	_, stderr, exit := c.run(args...)
	require.Equal(c.t, 1, exit)
	require.Contains(c.t, stderr, "error: "+code+":")
}

func TestTradeLifecycle(t *testing.T) {
	c := newCLI(t)

	deployed := c.ok("deploy", "--admin", adminAddr)
	require.NotEmpty(t, deployed["id"])
	require.EqualValues(t, 1, deployed["initialVersion"])
	c.fails("AlreadyInitialized", "deploy", "--admin", adminAddr)

	c.ok("mint-asset", "--collection", collectionAddr, "--token-id", "7", "--to", sellerAddr)
	c.ok("approve-operator", "--collection", collectionAddr, "--owner", sellerAddr)
	c.ok("mint-token", "--token", tokenAddr, "--to", buyerAddr, "--amount", "1e3")
	c.ok("approve", "--token", tokenAddr, "--owner", buyerAddr, "--amount", "1_000")

	listing := c.ok("list",
		"--seller", sellerAddr,
		"--collection", collectionAddr,
		"--token-id", "7",
		"--token", tokenAddr,
		"--min-price", "100")
	listingID := listing["id"].(string)
	require.Equal(t, "active", listing["status"])

	c.fails("AlreadyListed", "list",
		"--seller", sellerAddr,
		"--collection", collectionAddr,
		"--token-id", "7",
		"--token", tokenAddr,
		"--min-price", "100")
	c.fails("BelowMinimum", "offer", "--listing", listingID, "--buyer", buyerAddr, "--token", tokenAddr, "--amount", "99")

	offer := c.ok("offer", "--listing", listingID, "--buyer", buyerAddr, "--token", tokenAddr, "--amount", "150")
	offerID := offer["id"].(string)
	unfunded := c.ok("offer", "--listing", listingID, "--buyer", otherBuyerAddr, "--token", tokenAddr, "--amount", "200")
	unfundedID := unfunded["id"].(string)

	// The second buyer never granted an allowance: nothing moves and the
	// listing is unlocked again.
	c.fails("InsufficientAuthority", "accept", "--offer", unfundedID, "--as", sellerAddr)
	listing = c.ok("get-listing", "--id", listingID)
	require.Equal(t, "active", listing["status"])
	require.Nil(t, listing["lockedBy"])

	c.fails("NotSeller", "accept", "--offer", offerID, "--as", buyerAddr)

	settled := c.ok("accept", "--offer", offerID, "--as", sellerAddr)
	require.Equal(t, "150", settled["amount"])
	require.EqualValues(t, 0, settled["sequence"])

	sellerBal := c.ok("balance", "--token", tokenAddr, "--account", sellerAddr)
	require.Equal(t, "150", sellerBal["balance"])
	buyerBal := c.ok("balance", "--token", tokenAddr, "--account", buyerAddr)
	require.Equal(t, "850", buyerBal["balance"])
	require.Equal(t, "850", buyerBal["allowance"])

	owner := c.ok("owner", "--collection", collectionAddr, "--token-id", "7")
	require.True(t, strings.EqualFold(buyerAddr, owner["owner"].(string)))

	listing = c.ok("get-listing", "--id", listingID)
	require.Equal(t, "sold", listing["status"])
	other := c.ok("get-offer", "--id", unfundedID)
	require.Equal(t, "expired", other["status"])

	c.fails("ListingNotActive", "accept", "--offer", offerID, "--as", sellerAddr)

	bySettlement := c.ok("settlements", "--offer", offerID)
	require.Equal(t, "150", bySettlement["amount"])

	status := c.ok("status")
	require.EqualValues(t, 1, status["settlements"])
	require.EqualValues(t, 0, status["escrows"])
	require.Equal(t, false, status["paused"])

	metrics, err := os.ReadFile(filepath.Join(c.dir, "data", "metrics.prom"))
	require.NoError(t, err)
	require.Contains(t, string(metrics), "rlf_market_escrows_in_flight")
}

func TestUpgradeMigratesOnRead(t *testing.T) {
	c := newCLI(t)
	c.ok("deploy", "--admin", adminAddr)
	c.ok("mint-asset", "--collection", collectionAddr, "--token-id", "1", "--to", sellerAddr)
	listing := c.ok("list",
		"--seller", sellerAddr,
		"--collection", collectionAddr,
		"--token-id", "1",
		"--token", tokenAddr,
		"--min-price", "5")
	listingID := listing["id"].(string)
	require.Nil(t, listing["attributes"])

	c.fails("Unauthorized", "upgrade", "--as", sellerAddr, "--version", "2")
	c.fails("ValidationFailed", "upgrade", "--as", adminAddr, "--version", "2", "--migration", "bogus")

	upgraded := c.ok("upgrade", "--as", adminAddr, "--version", "2", "--migration", "royalty-default")
	require.EqualValues(t, 1, upgraded["fromVersion"])
	require.EqualValues(t, 2, upgraded["toVersion"])
	c.fails("ValidationFailed", "upgrade", "--as", adminAddr, "--version", "2")

	// A fresh process restores the migration from the upgrade history.
	listing = c.ok("get-listing", "--id", listingID)
	require.EqualValues(t, 2, listing["version"])
	require.Equal(t, map[string]any{"royaltyBps": "0"}, listing["attributes"])

	status := c.ok("status")
	require.EqualValues(t, 2, status["version"])
	upgrades := status["upgrades"].([]any)
	require.Len(t, upgrades, 1)
	require.Equal(t, "royalty-default", upgrades[0].(map[string]any)["migration"])
}

func TestPauseBlocksTrading(t *testing.T) {
	c := newCLI(t)
	c.ok("deploy", "--admin", adminAddr)
	c.ok("mint-asset", "--collection", collectionAddr, "--token-id", "3", "--to", sellerAddr)

	c.fails("Unauthorized", "pause", "--as", sellerAddr)
	c.ok("pause", "--as", adminAddr)
	c.fails("Paused", "list",
		"--seller", sellerAddr,
		"--collection", collectionAddr,
		"--token-id", "3",
		"--token", tokenAddr,
		"--min-price", "5")

	c.ok("pause", "--as", adminAddr, "--resume")
	c.ok("list",
		"--seller", sellerAddr,
		"--collection", collectionAddr,
		"--token-id", "3",
		"--token", tokenAddr,
		"--min-price", "5")
}

func TestOfferExpiry(t *testing.T) {
	original := marketNow
	now := time.Unix(1_700_000_000, 0)
	marketNow = func() time.Time { return now }
	defer func() { marketNow = original }()

	c := newCLI(t)
	c.ok("deploy", "--admin", adminAddr)
	c.ok("mint-asset", "--collection", collectionAddr, "--token-id", "4", "--to", sellerAddr)
	listing := c.ok("list",
		"--seller", sellerAddr,
		"--collection", collectionAddr,
		"--token-id", "4",
		"--token", tokenAddr,
		"--min-price", "5")
	offer := c.ok("offer",
		"--listing", listing["id"].(string),
		"--buyer", buyerAddr,
		"--token", tokenAddr,
		"--amount", "5",
		"--expires", "+1h")
	require.EqualValues(t, now.Add(time.Hour).Unix(), offer["expiresAt"])

	c.fails("InvalidState", "expire-offer", "--id", offer["id"].(string))

	now = now.Add(2 * time.Hour)
	swept := c.ok("sweep")
	require.EqualValues(t, 1, swept["expired"])
	got := c.ok("get-offer", "--id", offer["id"].(string))
	require.Equal(t, "expired", got["status"])
}

func TestUsageAndArgumentErrors(t *testing.T) {
	c := newCLI(t)

	_, stderr, code := c.run()
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Usage: marketctl")

	_, stderr, code = c.run("frobnicate")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Unknown command: frobnicate")

	c.fails("ValidationFailed", "deploy", "--admin", "not-an-address")
	c.fails("ValidationFailed", "get-offer", "--id", "0x1234")
	c.fails("NotInitialized", "status")

	_, _, code = c.run("deploy", "--no-such-flag")
	require.Equal(t, 1, code)
}

func TestAcceptWithoutOperatorApprovalChargesNothing(t *testing.T) {
	c := newCLI(t)
	c.ok("deploy", "--admin", adminAddr)
	c.ok("mint-asset", "--collection", collectionAddr, "--token-id", "9", "--to", sellerAddr)
	c.ok("mint-token", "--token", tokenAddr, "--to", buyerAddr, "--amount", "100")
	c.ok("approve", "--token", tokenAddr, "--owner", buyerAddr, "--amount", "100")

	listing := c.ok("list",
		"--seller", sellerAddr,
		"--collection", collectionAddr,
		"--token-id", "9",
		"--token", tokenAddr,
		"--min-price", "40")
	listingID := listing["id"].(string)
	offer := c.ok("offer", "--listing", listingID, "--buyer", buyerAddr, "--token", tokenAddr, "--amount", "40")
	offerID := offer["id"].(string)

	c.fails("InsufficientAuthority", "accept", "--offer", offerID, "--as", sellerAddr)
	buyerBal := c.ok("balance", "--token", tokenAddr, "--account", buyerAddr)
	require.Equal(t, "100", buyerBal["balance"])
	listing = c.ok("get-listing", "--id", listingID)
	require.Nil(t, listing["lockedBy"])
	status := c.ok("status")
	require.EqualValues(t, 0, status["escrows"])

	c.ok("approve-operator", "--collection", collectionAddr, "--owner", sellerAddr)
	c.ok("accept", "--offer", offerID, "--as", sellerAddr)
	sellerBal := c.ok("balance", "--token", tokenAddr, "--account", sellerAddr)
	require.Equal(t, "40", sellerBal["balance"])
}
