package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/coin-resolver/internal/pricing"
	"github.com/selivandex/coin-resolver/internal/resolver"
	"github.com/selivandex/coin-resolver/pkg/models"
)

type fakeResolver struct {
	known map[string]string
}

func (f *fakeResolver) ResolveMany(ctx context.Context, inputs []string) []resolver.Result {
	out := make([]resolver.Result, len(inputs))
	for i, in := range inputs {
		out[i].Input = in
		switch id, ok := f.known[in]; {
		case ok:
			out[i].Resolution = models.Resolution{ID: id, Ticker: in, Via: models.ViaCanonical}
		case in == "usdc":
			out[i].Err = &resolver.BannedError{Ticker: in, Reason: "stablecoin"}
		default:
			out[i].Err = resolver.ErrNotFound
		}
	}
	return out
}

type fakeAdmin struct {
	banned map[string]string
}

func (f *fakeAdmin) ForceBan(ctx context.Context, raw, reason string) error {
	f.banned[raw] = reason
	return nil
}

func (f *fakeAdmin) ForceUnban(ctx context.Context, raw string) error {
	if _, ok := f.banned[raw]; !ok {
		return resolver.ErrNotFound
	}
	delete(f.banned, raw)
	return nil
}

func (f *fakeAdmin) ForceRelearn(ctx context.Context, raw string) (models.Resolution, error) {
	return models.Resolution{ID: raw + "-relearned", Ticker: raw, Via: models.ViaSearch}, nil
}

func (f *fakeAdmin) Pin(ctx context.Context, raw, canonicalID, chain, contract string) (models.Resolution, error) {
	if canonicalID == "" {
		return models.Resolution{}, resolver.ErrInvalidTicker
	}
	return models.Resolution{ID: canonicalID, Ticker: raw, Chain: chain, Via: models.ViaStore}, nil
}

func (f *fakeAdmin) Stats(ctx context.Context) (resolver.Stats, error) {
	return resolver.Stats{StoreStats: resolver.StoreStats{Banned: int64(len(f.banned))}}, nil
}

type fakePrices struct {
	prices map[string]float64
}

func (f *fakePrices) GetSmartPrices(ctx context.Context, ids []string) []*models.Quote {
	out := make([]*models.Quote, len(ids))
	for i, id := range ids {
		if p, ok := f.prices[id]; ok {
			out[i] = &models.Quote{ID: id, Price: p, Source: models.QuotePrimary}
		}
	}
	return out
}

func (f *fakePrices) Status() pricing.Status {
	return pricing.Status{CachedQuotes: len(f.prices), Breaker: pricing.BreakerStatus{State: pricing.StateHealthy}}
}

func newTestHandler(token string) (*Handler, *fakeAdmin) {
	admin := &fakeAdmin{banned: map[string]string{}}
	h := NewHandler(
		&fakeResolver{known: map[string]string{"btc": "bitcoin", "sd": "stader"}},
		admin,
		&fakePrices{prices: map[string]float64{"bitcoin": 65000}},
		token,
	)
	return h, admin
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeItems(t *testing.T, rec *httptest.ResponseRecorder) []ResolveItem {
	t.Helper()
	var items []ResolveItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	return items
}

func TestResolveEndpoint(t *testing.T) {
	h, _ := newTestHandler("")

	rec := do(t, h, http.MethodGet, "/v1/resolve?q=btc,+usdc+,ghost,sd", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	items := decodeItems(t, rec)
	require.Len(t, items, 4)
	assert.Equal(t, "bitcoin", items[0].Resolution.ID)
	assert.Equal(t, "banned", items[1].Error)
	assert.Equal(t, "not_found", items[2].Error)
	assert.Equal(t, "stader", items[3].Resolution.ID)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/resolve?q=,,", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/resolve?q="+strings.Repeat("a,", maxItems+1), "", "").Code)
}

func TestPriceEndpoint(t *testing.T) {
	h, _ := newTestHandler("")

	items := decodeItems(t, do(t, h, http.MethodGet, "/v1/price?ids=bitcoin,unknown-coin", "", ""))
	require.Len(t, items, 2)
	require.NotNil(t, items[0].Quote)
	assert.Equal(t, 65000.0, items[0].Quote.Price)
	assert.Nil(t, items[1].Quote)
	assert.Equal(t, "no_price", items[1].Error)

	items = decodeItems(t, do(t, h, http.MethodGet, "/v1/price?q=btc,ghost,sd", "", ""))
	require.Len(t, items, 3)
	assert.Equal(t, 65000.0, items[0].Quote.Price)
	assert.Equal(t, "not_found", items[1].Error)
	assert.Equal(t, "stader", items[2].Resolution.ID)
	assert.Equal(t, "no_price", items[2].Error)
}

func TestAdminEndpoints(t *testing.T) {
	h, admin := newTestHandler("s3cret")

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/v1/admin/ban", `{"ticker":"sd"}`, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/v1/admin/ban", `{"ticker":"sd"}`, "wrong").Code)

	rec := do(t, h, http.MethodPost, "/v1/admin/ban", `{"ticker":"sd","reason":"scam clone"}`, "s3cret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "scam clone", admin.banned["sd"])

	rec = do(t, h, http.MethodGet, "/v1/admin/stats", "", "s3cret")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Resolver.Banned)
	assert.Equal(t, pricing.StateHealthy, stats.Pricing.Breaker.State)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/admin/unban", `{"ticker":"sd"}`, "s3cret").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/v1/admin/unban", `{"ticker":"sd"}`, "s3cret").Code)

	rec = do(t, h, http.MethodPost, "/v1/admin/pin", `{"ticker":"pengu","id":"pudgy-penguins","chain":"solana"}`, "s3cret")
	require.Equal(t, http.StatusOK, rec.Code)
	var res models.Resolution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "pudgy-penguins", res.ID)
	assert.Equal(t, "solana", res.Chain)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/admin/pin", `{"ticker":"pengu"}`, "s3cret").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/admin/relearn", `{}`, "s3cret").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/admin/relearn", `not json`, "s3cret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/admin/relearn", `{"ticker":"op"}`, "s3cret").Code)
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	h, _ := newTestHandler("")
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodGet, "/v1/admin/stats", "", "").Code)
}
