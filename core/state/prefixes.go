package state

var (
	marketNonceKey          = []byte("market/nonce")
	marketVersionKey        = []byte("market/version")
	marketDeploymentKey     = []byte("market/deployment")
	marketUpgradesKey       = []byte("market/upgrades")
	marketEscrowIndexKey    = []byte("market/escrow-index")
	marketExpiringKey       = []byte("market/offers-expiring")
	marketSettlementSeqKey  = []byte("market/settlement-seq")
	marketListingPrefix     = []byte("market/listing/")
	marketActivePrefix      = []byte("market/asset-active/")
	marketOfferPrefix       = []byte("market/offer/")
	marketListingOffersPfx  = []byte("market/listing-offers/")
	marketOpenOfferPrefix   = []byte("market/open-offer/")
	marketEscrowPrefix      = []byte("market/escrow/")
	marketSettlementPrefix  = []byte("market/settlement/")
	marketSettlementByOffer = []byte("market/settlement-offer/")
	pausePrefix             = []byte("pause/")

	balancePrefix   = []byte("bank/balance/")
	allowancePrefix = []byte("bank/allowance/")
	custodyPrefix   = []byte("assets/owner/")
	operatorPrefix  = []byte("assets/operator/")
)

func prefixedKey(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, p := range parts {
		size += len(p)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return buf
}
