package resolver

import "strings"

// canonicalTickers are hand-curated mappings that always win over search.
// Stablecoins are deliberately absent.
var canonicalTickers = map[string]string{
	"btc":    "bitcoin",
	"xbt":    "bitcoin",
	"eth":    "ethereum",
	"sol":    "solana",
	"bnb":    "binancecoin",
	"xrp":    "ripple",
	"ada":    "cardano",
	"doge":   "dogecoin",
	"avax":   "avalanche-2",
	"link":   "chainlink",
	"dot":    "polkadot",
	"ltc":    "litecoin",
	"trx":    "tron",
	"ton":    "the-open-network",
	"bch":    "bitcoin-cash",
	"etc":    "ethereum-classic",
	"xlm":    "stellar",
	"xmr":    "monero",
	"atom":   "cosmos",
	"near":   "near",
	"apt":    "aptos",
	"sui":    "sui",
	"arb":    "arbitrum",
	"op":     "optimism",
	"pol":    "polygon-ecosystem-token",
	"matic":  "matic-network",
	"inj":    "injective-protocol",
	"tia":    "celestia",
	"sei":    "sei-network",
	"fil":    "filecoin",
	"icp":    "internet-computer",
	"hbar":   "hedera-hashgraph",
	"kas":    "kaspa",
	"tao":    "bittensor",
	"fet":    "fetch-ai",
	"render": "render-token",
	"uni":    "uniswap",
	"aave":   "aave",
	"mkr":    "maker",
	"ldo":    "lido-dao",
	"ena":    "ethena",
	"ondo":   "ondo-finance",
	"hype":   "hyperliquid",
	"jup":    "jupiter-exchange-solana",
	"jto":    "jito-governance-token",
	"pyth":   "pyth-network",
	"zro":    "layerzero",
	"strk":   "starknet",
	"w":      "wormhole",
	"sd":     "stader",
	"pengu":  "pudgy-penguins",
	"pepe":   "pepe",
	"shib":   "shiba-inu",
	"wif":    "dogwifcoin",
	"bonk":   "bonk",
	"trump":  "official-trump",
}

// CanonicalTable is the read-only ticker -> id table consulted before anything else.
type CanonicalTable struct {
	entries map[string]string
}

// NewCanonicalTable returns the built-in table merged with extra entries.
// Extra entries override built-ins.
func NewCanonicalTable(extra map[string]string) *CanonicalTable {
	entries := make(map[string]string, len(canonicalTickers)+len(extra))
	for k, v := range canonicalTickers {
		entries[k] = v
	}
	for k, v := range extra {
		if k = cleanKey(k); k != "" && v != "" {
			entries[k] = v
		}
	}
	return &CanonicalTable{entries: entries}
}

// Lookup returns the canonical id for ticker, if one is hard-coded.
func (t *CanonicalTable) Lookup(ticker string) (string, bool) {
	id, ok := t.entries[cleanKey(ticker)]
	return id, ok
}

// Entries returns a copy of the table.
func (t *CanonicalTable) Entries() map[string]string {
	out := make(map[string]string, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

// Len returns the number of canonical entries
func (t *CanonicalTable) Len() int {
	return len(t.entries)
}

// cleanKey is the basic clean applied to every raw input: trim, lower, drop a leading "$".
func cleanKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimSpace(strings.TrimPrefix(s, "$"))
}
