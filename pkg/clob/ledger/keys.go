package ledger

import "fmt"

// Pebble key schema. Prefixes keep entity families in disjoint ranges so
// prefix scans stay cheap:
//
//	usr:<userID>                        → User
//	bal:<userID>                        → Balance
//	mkt:<marketID>                      → Market
//	ord:<marketID>:<orderID>            → Order
//	ordm:<orderID>                      → marketID (order market index)
//	uord:<userID>:<orderID>             → marketID (user order index)
//	trd:<marketID>:<seq>:<tradeID>      → Trade
//	pos:<userID>:<marketID>:<outcome>   → Position
//	ev:<marketID>:<seq>                 → OrderEvent (replay order)
//	evk:<orderID>:<kind>:<seq>          → idempotency marker
//	seq:<marketID>                      → last market sequence
//	useq:<userID>                       → last user sequence
//	ses:<token>                         → Session
//
// Sequence components are zero-padded to 20 digits so lexicographic order
// matches numeric order.
const (
	prefixUser     = "usr:"
	prefixBalance  = "bal:"
	prefixMarket   = "mkt:"
	prefixOrder    = "ord:"
	prefixOrderMkt = "ordm:"
	prefixUserOrd  = "uord:"
	prefixTrade    = "trd:"
	prefixPosition = "pos:"
	prefixEvent    = "ev:"
	prefixEventKey = "evk:"
	prefixSeq      = "seq:"
	prefixUserSeq  = "useq:"
	prefixSession  = "ses:"
)

func userKey(id string) []byte    { return []byte(prefixUser + id) }
func balanceKey(id string) []byte { return []byte(prefixBalance + id) }
func marketKey(id string) []byte  { return []byte(prefixMarket + id) }

func orderKey(marketID, orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOrder, marketID, orderID))
}

func orderPrefix(marketID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOrder, marketID))
}

func orderMarketKey(orderID string) []byte { return []byte(prefixOrderMkt + orderID) }

func userOrderKey(userID, orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixUserOrd, userID, orderID))
}

func userOrderPrefix(userID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixUserOrd, userID))
}

func tradeKey(marketID string, seq uint64, tradeID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixTrade, marketID, seq, tradeID))
}

func tradePrefix(marketID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, marketID))
}

func positionKey(userID, marketID string, outcome int8) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%d", prefixPosition, userID, marketID, outcome))
}

func eventKey(marketID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixEvent, marketID, seq))
}

func eventPrefix(marketID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixEvent, marketID))
}

func eventIdemKey(orderID, kind string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%020d", prefixEventKey, orderID, kind, seq))
}

func seqKey(marketID string) []byte  { return []byte(prefixSeq + marketID) }
func userSeqKey(userID string) []byte { return []byte(prefixUserSeq + userID) }
func sessionKey(token string) []byte { return []byte(prefixSession + token) }

func scanPrefix(prefix string) []byte { return []byte(prefix) }

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
