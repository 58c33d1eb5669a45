package resolver

import (
	"regexp"
	"strings"
)

const maxTickerLen = 20

// Chain names as used by the price-data provider's platform ids.
const (
	ChainEthereum  = "ethereum"
	ChainSolana    = "solana"
	ChainBSC       = "binance-smart-chain"
	ChainPolygon   = "polygon-pos"
	ChainAvalanche = "avalanche"
)

var chainAliases = map[string]string{
	"eth":       ChainEthereum,
	"ethereum":  ChainEthereum,
	"erc20":     ChainEthereum,
	"sol":       ChainSolana,
	"solana":    ChainSolana,
	"spl":       ChainSolana,
	"bsc":       ChainBSC,
	"bep20":     ChainBSC,
	"polygon":   ChainPolygon,
	"matic":     ChainPolygon,
	"avalanche": ChainAvalanche,
	"avax":      ChainAvalanche,
}

var (
	chainPrefixRe      = regexp.MustCompile(`^\(?(eth|ethereum|erc20|sol|solana|spl|bsc|bep20|polygon|matic|avalanche|avax)\)?\s+`)
	chainSuffixRe      = regexp.MustCompile(`[-_:\s(]+(eth|ethereum|erc20|sol|solana|spl|bsc|bep20|polygon|matic|avalanche|avax)\)?$`)
	derivativeSuffixRe = regexp.MustCompile(`(?:[-_./\s](?:perp|perpetual|futures?|swap)|perp)$`)
	pairSuffixRe       = regexp.MustCompile(`[-_/:\s](?:fdusd|usdt|usdc|busd|tusd|usd|dai|eur)$`)
	bareStableSuffixRe = regexp.MustCompile(`(?:usdt|usdc|busd|usd)$`)
	nonAlnumRe         = regexp.MustCompile(`[^a-z0-9]`)
)

// Normalized is a cleaned ticker plus the chain hint extracted from it.
type Normalized struct {
	Ticker string
	Chain  string
}

// Key is the cache and persistence key: "ticker" or "ticker:chain".
func (n Normalized) Key() string {
	if n.Chain == "" {
		return n.Ticker
	}
	return n.Ticker + ":" + n.Chain
}

// NormalizeTicker reduces free-form input to a lookup key.
//
// The bare stable-suffix strip turns "crvusd" into "crv"; this over-stripping
// is known and kept so that "pepeusdt" style inputs keep resolving.
func NormalizeTicker(raw string, defaultChain string) (Normalized, error) {
	s := cleanKey(raw)

	chain := defaultChain
	if m := chainSuffixRe.FindStringSubmatch(s); m != nil && len(s) > len(m[0]) {
		chain = chainAliases[m[1]]
		s = s[:len(s)-len(m[0])]
	} else if m := chainPrefixRe.FindStringSubmatch(s); m != nil && len(s) > len(m[0]) {
		// "sol bonk"; only a space separates a leading hint so "sol-perp" stays sol
		chain = chainAliases[m[1]]
		s = s[len(m[0]):]
	}

	s = derivativeSuffixRe.ReplaceAllString(s, "")
	s = pairSuffixRe.ReplaceAllString(s, "")

	if !IsQuoteSymbol(s) {
		if loc := bareStableSuffixRe.FindStringIndex(s); loc != nil && loc[0] >= 2 {
			s = s[:loc[0]]
		}
	}

	s = nonAlnumRe.ReplaceAllString(s, "")

	if s == "" || len(s) > maxTickerLen {
		return Normalized{}, ErrInvalidTicker
	}

	return Normalized{Ticker: s, Chain: chain}, nil
}

// Flags relax the anti-poisoning filters for one request. Any set flag makes
// the resolution ephemeral: it is cached under a qualified key and never persisted.
type Flags struct {
	Wrapped     bool
	Staked      bool
	Bridged     bool
	Stablecoins bool
}

// Any reports whether any filter is relaxed
func (f Flags) Any() bool {
	return f.Wrapped || f.Staked || f.Bridged || f.Stablecoins
}

func (f Flags) suffix() string {
	var b strings.Builder
	if f.Wrapped {
		b.WriteString("+w")
	}
	if f.Staked {
		b.WriteString("+s")
	}
	if f.Bridged {
		b.WriteString("+b")
	}
	if f.Stablecoins {
		b.WriteString("+stable")
	}
	return b.String()
}

// Merge returns the union of two flag sets.
func (f Flags) Merge(o Flags) Flags {
	return Flags{
		Wrapped:     f.Wrapped || o.Wrapped,
		Staked:      f.Staked || o.Staked,
		Bridged:     f.Bridged || o.Bridged,
		Stablecoins: f.Stablecoins || o.Stablecoins,
	}
}

var flagWords = map[string]func(*Flags){
	"wrapped": func(f *Flags) { f.Wrapped = true },
	"staked":  func(f *Flags) { f.Staked = true },
	"bridged": func(f *Flags) { f.Bridged = true },
	"stable":  func(f *Flags) { f.Stablecoins = true },
}

// DetectFlags strips qualifier words ("wrapped btc", "stable usdc") from raw
// input and returns the remaining text with the flags they request.
func DetectFlags(raw string) (string, Flags) {
	var flags Flags
	words := strings.Fields(strings.ToLower(raw))
	if len(words) < 2 {
		return raw, flags
	}

	rest := words[:0]
	for _, w := range words {
		if set, ok := flagWords[w]; ok {
			set(&flags)
			continue
		}
		rest = append(rest, w)
	}
	if len(rest) == 0 {
		return raw, Flags{}
	}
	return strings.Join(rest, " "), flags
}
