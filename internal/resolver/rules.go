package resolver

import (
	"strings"

	"github.com/selivandex/coin-resolver/pkg/models"
)

var stablecoinSymbols = set(
	"usdt", "usdc", "busd", "dai", "tusd", "fdusd", "usde", "usdp", "pyusd", "gusd",
	"frax", "lusd", "susd", "usdd", "usds", "crvusd", "gho", "eurc", "eurt", "usd0",
)

var stablecoinIDs = set(
	"tether", "usd-coin", "binance-usd", "dai", "true-usd", "first-digital-usd",
	"ethena-usde", "paxos-standard", "paypal-usd", "gemini-dollar", "frax",
	"liquity-usd", "nusd", "usdd", "usds", "crvusd", "gho", "euro-coin",
)

// Assets commonly re-issued as wrapped or liquid-staking derivatives.
var majorBases = set(
	"btc", "eth", "sol", "bnb", "avax", "matic", "pol", "dot", "atom", "near",
	"ada", "ftm", "sui", "apt", "tia", "inj", "sei", "ton", "trx", "xrp",
)

var derivativePrefixes = []string{"wst", "stk", "cb", "ws", "st", "w", "x", "r", "m", "j", "b"}

// Protocols whose names match bridge/wrap keywords but are assets in their own right.
var protectedIDs = set(
	"wormhole", "layerzero", "stargate-finance", "axelar", "synapse-2",
	"across-protocol", "portal-2",
)

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

func isProtected(c *models.Candidate) bool {
	return c != nil && protectedIDs[c.ID]
}

// isDerivativeTicker matches wbtc, steth, wsteth, cbeth, stksol... (prefix + major base).
func isDerivativeTicker(ticker string) bool {
	if len(ticker) > 7 {
		return false
	}
	for _, p := range derivativePrefixes {
		if strings.HasPrefix(ticker, p) && majorBases[ticker[len(p):]] {
			return true
		}
	}
	return false
}

func candidateText(c *models.Candidate) string {
	return strings.ToLower(c.ID + " " + c.Name)
}

func looksWrapped(c *models.Candidate) bool {
	id := strings.ToLower(c.ID)
	return strings.HasPrefix(id, "wrapped-") ||
		strings.Contains(id, "-wrapped") ||
		strings.HasPrefix(strings.ToLower(c.Name), "wrapped ") ||
		(strings.HasPrefix(strings.ToLower(c.Symbol), "w") && isDerivativeTicker(strings.ToLower(c.Symbol)))
}

func looksStaked(c *models.Candidate) bool {
	text := candidateText(c)
	if strings.Contains(text, "staked") || strings.Contains(text, "liquid staking") || strings.Contains(text, "restaked") {
		return true
	}
	sym := strings.ToLower(c.Symbol)
	return !strings.HasPrefix(sym, "w") && isDerivativeTicker(sym)
}

func looksBridged(c *models.Candidate) bool {
	text := candidateText(c)
	for _, kw := range []string{"bridged", "wormhole", "-peg", " peg", "pegged", "(portal)", "multichain", "axelar-bridged"} {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func isStablecoin(c *models.Candidate) bool {
	if stablecoinIDs[c.ID] || stablecoinSymbols[strings.ToLower(c.Symbol)] {
		return true
	}
	for _, cat := range c.Categories {
		if strings.EqualFold(cat, "Stablecoins") {
			return true
		}
	}
	return false
}

// BanRule is one anti-poisoning check. Candidate is nil when a rule is
// evaluated before any search happened; such rules look at the ticker only.
type BanRule struct {
	Name  string
	Match func(ticker string, c *models.Candidate) bool
}

// DefaultBanRules are evaluated in order; the first match bans the ticker.
var DefaultBanRules = []BanRule{
	{
		Name: "derivative_prefix",
		Match: func(ticker string, _ *models.Candidate) bool {
			return isDerivativeTicker(ticker)
		},
	},
	{
		Name: "staked_asset",
		Match: func(_ string, c *models.Candidate) bool {
			return c != nil && !isProtected(c) && strings.Contains(candidateText(c), "staked")
		},
	},
	{
		Name: "stablecoin_ticker",
		Match: func(ticker string, _ *models.Candidate) bool {
			return stablecoinSymbols[ticker]
		},
	},
	{
		Name: "bridged_or_pegged",
		Match: func(_ string, c *models.Candidate) bool {
			return c != nil && !isProtected(c) && (looksBridged(c) || looksWrapped(c))
		},
	},
	{
		Name: "single_char",
		Match: func(ticker string, _ *models.Candidate) bool {
			return len(ticker) == 1
		},
	},
}

// matchBanRule returns the name of the first rule that matches.
func matchBanRule(rules []BanRule, ticker string, c *models.Candidate) (string, bool) {
	for _, r := range rules {
		if r.Match(ticker, c) {
			return r.Name, true
		}
	}
	return "", false
}
