package resolver

import (
	"regexp"
	"sort"
	"strings"
)

// Quote symbols recognized as the right-hand side of a trading pair.
// Fiat and stable quotes may be glued to the base ("btcusdt"); crypto quotes
// need an explicit "/" so that "steth" or "pepe-eth" are not read as pairs.
var (
	stableQuotes = []string{
		"fdusd", "pyusd", "usdt", "usdc", "busd", "tusd", "usde", "usdp", "dai", "usd",
		"eur", "gbp", "try", "brl", "jpy", "aud",
	}
	cryptoQuotes = []string{"btc", "eth", "bnb", "sol"}

	pairQuotes = sortedQuotes()

	baseAssetRe = regexp.MustCompile(`^[a-z0-9]{2,}$`)
)

type pairQuote struct {
	symbol string
	crypto bool
}

// sortedQuotes orders quotes longest first so "fdusd" is tried before "usd".
func sortedQuotes() []pairQuote {
	out := make([]pairQuote, 0, len(stableQuotes)+len(cryptoQuotes))
	for _, q := range stableQuotes {
		out = append(out, pairQuote{symbol: q})
	}
	for _, q := range cryptoQuotes {
		out = append(out, pairQuote{symbol: q, crypto: true})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].symbol) > len(out[j].symbol)
	})
	return out
}

// ParsePair splits "btcusdt", "BTC/USDT", "eth-usdc" or "sol:usd" into base
// and quote. The input is cleaned first. A string that is itself a quote or
// a known stablecoin never splits, and the base must keep at least two characters.
func ParsePair(s string) (base, quote string, ok bool) {
	s = cleanKey(s)
	if IsQuoteSymbol(s) || stablecoinSymbols[s] {
		return "", "", false
	}

	for _, q := range pairQuotes {
		if !strings.HasSuffix(s, q.symbol) {
			continue
		}

		rest := strings.TrimSuffix(s, q.symbol)
		sep := ""
		if n := len(rest); n > 0 && strings.ContainsRune("/:-_ ", rune(rest[n-1])) {
			sep = rest[n-1:]
			rest = rest[:n-1]
		}

		if q.crypto && sep != "/" {
			continue
		}
		if !baseAssetRe.MatchString(rest) {
			continue
		}

		return rest, q.symbol, true
	}

	return "", "", false
}

// IsQuoteSymbol reports whether s is one of the recognized pair quotes.
func IsQuoteSymbol(s string) bool {
	s = cleanKey(s)
	for _, q := range pairQuotes {
		if q.symbol == s {
			return true
		}
	}
	return false
}
