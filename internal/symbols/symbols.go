package symbols

import "strings"

// Normalize converts a user supplied pair to the venue's symbol format:
// uppercase, no separators, BTC instead of XBT. "btc-usdt", "BTC/USDT" and
// "BTC_USDT-PERP" all become "BTCUSDT".
func Normalize(sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	sym = strings.TrimSuffix(sym, "-SWAP")
	sym = strings.TrimSuffix(sym, "-PERP")
	sym = strings.NewReplacer("-", "", "/", "", "_", "").Replace(sym)
	if strings.HasPrefix(sym, "XBT") {
		sym = "BTC" + sym[3:]
	}
	return sym
}

// StreamName is the lowercase form used in websocket stream names.
func StreamName(sym string) string {
	return strings.ToLower(Normalize(sym))
}
