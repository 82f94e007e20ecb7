package alpaca

import "strings"

// knownCryptoSymbols is the set of crypto base symbols routed to the crypto endpoint.
var knownCryptoSymbols = map[string]bool{
	"BTC":  true,
	"ETH":  true,
	"SOL":  true,
	"DOGE": true,
	"AVAX": true,
	"LINK": true,
	"LTC":  true,
}

// IsCrypto reports whether symbol is a known cryptocurrency, as "BTC" or "BTC/USD".
func IsCrypto(symbol string) bool {
	base, _, _ := strings.Cut(symbol, "/")
	return knownCryptoSymbols[strings.ToUpper(base)]
}

// CryptoPair converts a base crypto symbol to the Alpaca pair format.
// "BTC" -> "BTC/USD". Pairs are returned upper-cased.
func CryptoPair(symbol string) string {
	if strings.Contains(symbol, "/") {
		return strings.ToUpper(symbol)
	}
	return strings.ToUpper(symbol) + "/USD"
}
