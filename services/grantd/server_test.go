package grantd

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"grantledger/native/attestation"
	"grantledger/native/balance"
	"grantledger/native/claim"
	"grantledger/native/eligibility"
	"grantledger/native/grant"
	"grantledger/native/promotion"
	"grantledger/storage/memstore"
)

const (
	testAdminToken = "test-admin-token"
	testProduct    = "brave-core"
	testPackage    = "com.example.browser"
)

type stubSettlement struct {
	result balance.Settlement
}

func (s *stubSettlement) Settle(context.Context, string, *big.Int) (balance.Settlement, error) {
	return s.result, nil
}

type testEnv struct {
	t               *testing.T
	store           *memstore.Store
	handler         http.Handler
	grantSigner     *grant.Signer
	safetynetSigner *attestation.SafetynetSigner
	settlement      *stubSettlement
}

func newTestEnv(t *testing.T, rl RateLimitConfig) *testEnv {
	t.Helper()

	grantPub, grantPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	safetynetPub, safetynetPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	grantSigner, err := grant.NewSigner(grantPriv)
	require.NoError(t, err)
	grantCodec, err := grant.NewCodec(grantPub)
	require.NoError(t, err)
	safetynetSigner, err := attestation.NewSafetynetSigner(safetynetPriv)
	require.NoError(t, err)
	verifier, err := attestation.NewSafetynetVerifier(safetynetPub)
	require.NoError(t, err)

	store := memstore.New()
	registry := promotion.NewRegistry(store, nil)
	issuer := attestation.NewIssuer(store, verifier, attestation.Config{
		AttestationMaxAge: 5 * time.Minute,
		AllowedPackages:   []string{testPackage},
	}, nil)
	resolver := eligibility.NewResolver(registry, store, store, issuer, eligibility.Config{
		AdsCountries: []string{"US"},
	}, nil)
	claims := claim.NewEngine(store, store, store, resolver.AdsRegion, nil)
	settlement := &stubSettlement{}
	ledger := balance.NewLedger(store, settlement, time.Hour, nil)

	srv := New(Deps{
		Store:      store,
		Registry:   registry,
		Resolver:   resolver,
		Claims:     claims,
		Issuer:     issuer,
		Ledger:     ledger,
		GrantCodec: grantCodec,
		AdminToken: testAdminToken,
		Products:   []string{testProduct},
		RateLimit:  rl,
		Log:        nil,
	})
	return &testEnv{
		t:               t,
		store:           store,
		handler:         srv.Handler(),
		grantSigner:     grantSigner,
		safetynetSigner: safetynetSigner,
		settlement:      settlement,
	}
}

func (e *testEnv) do(method, path string, headers map[string]string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func adminHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testAdminToken}
}

func (e *testEnv) mintToken(g grant.Grant) string {
	e.t.Helper()
	token, err := e.grantSigner.Sign(g)
	require.NoError(e.t, err)
	return token
}

// seedPromotion creates a promotion through the admin API and fills its
// pool with signed grants.
func (e *testEnv) seedPromotion(typ, platform string, grants []grant.Grant) string {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/v1/promotions", adminHeaders(), map[string]any{
		"type":     typ,
		"platform": platform,
		"active":   true,
	})
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	var created promotionView
	require.NoError(e.t, json.Unmarshal(rec.Body.Bytes(), &created))

	tokens := make([]string, 0, len(grants))
	for i := range grants {
		grants[i].PromotionID = created.PromotionID
		tokens = append(tokens, e.mintToken(grants[i]))
	}
	if len(tokens) > 0 {
		rec = e.do(http.MethodPost, "/v4/grants", adminHeaders(), map[string]any{"grants": tokens})
		require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	}
	return created.PromotionID
}

func testGrant(probiTokens int64) grant.Grant {
	return grant.Grant{
		GrantID:     uuid.NewString(),
		Altcurrency: grant.Altcurrency,
		Probi:       new(big.Int).Mul(big.NewInt(probiTokens), grant.ProbiPerToken()),
		ExpiryTime:  time.Now().Add(24 * time.Hour).Unix(),
	}
}

func (e *testEnv) fetchNonce(paymentID string) string {
	e.t.Helper()
	rec := e.do(http.MethodGet, "/v1/attestations/"+paymentID, nil, nil)
	require.Equal(e.t, http.StatusOK, rec.Code)
	var body struct {
		Nonce string `json:"nonce"`
	}
	require.NoError(e.t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(e.t, body.Nonce)
	return body.Nonce
}

func (e *testEnv) safetynetToken(nonce string) string {
	e.t.Helper()
	token, err := e.safetynetSigner.Sign(attestation.Attestation{
		Nonce:           nonce,
		TimestampMS:     time.Now().UnixMilli(),
		APKPackageName:  testPackage,
		CTSProfileMatch: true,
		BasicIntegrity:  true,
	})
	require.NoError(e.t, err)
	return token
}

func (e *testEnv) solveCaptcha(paymentID string) (float64, float64) {
	e.t.Helper()
	rec := e.do(http.MethodGet, "/v4/captchas/"+paymentID, map[string]string{headerClientProduct: testProduct}, nil)
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	w, err := e.store.GetWallet(context.Background(), paymentID)
	require.NoError(e.t, err)
	require.NotNil(e.t, w.Captcha)
	return float64(w.Captcha.X), float64(w.Captcha.Y)
}

func TestNonceRouteIssuesFreshNonces(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	first := env.fetchNonce("wallet-1")
	second := env.fetchNonce("wallet-1")
	require.NotEqual(t, first, second)
}

func TestCaptchaRouteRequiresProduct(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})

	rec := env.do(http.MethodGet, "/v4/captchas/wallet-1", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodGet, "/v4/captchas/wallet-1", map[string]string{headerClientProduct: testProduct}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	// Solution coordinates must never leak through the API.
	require.NotContains(t, body, "x")
	require.NotContains(t, body, "y")
}

func TestAdminRoutesRequireBearer(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})

	rec := env.do(http.MethodPost, "/v1/promotions", nil, map[string]any{"type": "ugp"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodPost, "/v1/promotions", map[string]string{"Authorization": "Bearer wrong"}, map[string]any{"type": "ugp"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodPost, "/v1/promotions", adminHeaders(), map[string]any{"type": "ugp", "active": true})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestIngestRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	_, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	otherSigner, err := grant.NewSigner(otherPriv)
	require.NoError(t, err)

	g := testGrant(5)
	g.PromotionID = uuid.NewString()
	token, err := otherSigner.Sign(g)
	require.NoError(t, err)

	rec := env.do(http.MethodPost, "/v4/grants", adminHeaders(), map[string]any{"grants": []string{token}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDesktopGrantListing(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})

	rec := env.do(http.MethodGet, "/v4/grants", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	promoID := env.seedPromotion("ugp", "", []grant.Grant{testGrant(15)})

	rec = env.do(http.MethodGet, "/v4/grants", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Grants []promotionView `json:"grants"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Grants, 1)
	require.Equal(t, promoID, body.Grants[0].PromotionID)
}

func TestSafetynetClaimFlow(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	// Admin posts type=ugp platform=android; it stores as the android type.
	promoID := env.seedPromotion("ugp", "android", []grant.Grant{testGrant(30)})

	nonce := env.fetchNonce("wallet-1")
	token := env.safetynetToken(nonce)

	// A bad token is rejected as unprocessable.
	rec := env.do(http.MethodGet, "/v5/grants?paymentId=wallet-1", map[string]string{headerSafetynetToken: "garbage"}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// A valid token surfaces the single android promotion.
	rec = env.do(http.MethodGet, "/v5/grants?paymentId=wallet-1", map[string]string{headerSafetynetToken: token}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var discover promotionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &discover))
	require.Equal(t, promoID, discover.PromotionID)
	require.Equal(t, "android", discover.Type)

	// Listing reissues the challenge; the claim needs an attestation over
	// the rotated nonce.
	w, err := env.store.GetWallet(context.Background(), "wallet-1")
	require.NoError(t, err)
	require.NotEmpty(t, w.Nonce)
	require.NotEqual(t, nonce, w.Nonce)
	token = env.safetynetToken(w.Nonce)

	// Claim through the attestation path.
	rec = env.do(http.MethodPut, "/v3/grants/wallet-1",
		map[string]string{headerSafetynetToken: token},
		map[string]string{"promotionId": promoID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var claimed grantView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claimed))
	require.Equal(t, promoID, claimed.PromotionID)

	w, err = env.store.GetWallet(context.Background(), "wallet-1")
	require.NoError(t, err)
	require.Equal(t, claim.CohortSafetynet, w.Cohort)
	require.Empty(t, w.Nonce, "nonce must be consumed by the claim")

	// Replaying the claim fails: the nonce is gone.
	rec = env.do(http.MethodPut, "/v3/grants/wallet-1",
		map[string]string{headerSafetynetToken: token},
		map[string]string{"promotionId": promoID})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCaptchaClaimAndBalance(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	promoID := env.seedPromotion("ugp", "", []grant.Grant{testGrant(15)})

	x, y := env.solveCaptcha("wallet-1")
	rec := env.do(http.MethodPut, "/v4/grants/wallet-1", nil, map[string]any{
		"promotionId":     promoID,
		"captchaResponse": map[string]float64{"x": x, "y": y},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodGet, "/v2/wallet/wallet-1?refresh=true&amount=15", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var wallet walletView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wallet))
	require.Equal(t, "15.0000", wallet.Balance)
	require.Len(t, wallet.Grants, 1)
	require.Equal(t, "BAT", wallet.Grants[0].Altcurrency)

	rec = env.do(http.MethodDelete, "/v2/wallet/wallet-1/balance", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCaptchaMismatchRejectsClaim(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	promoID := env.seedPromotion("ugp", "", []grant.Grant{testGrant(15)})

	x, y := env.solveCaptcha("wallet-1")
	rec := env.do(http.MethodPut, "/v4/grants/wallet-1", nil, map[string]any{
		"promotionId":     promoID,
		"captchaResponse": map[string]float64{"x": x + 100, "y": y},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// The failed attempt burned the captcha; even a correct answer now
	// needs a new challenge.
	rec = env.do(http.MethodPut, "/v4/grants/wallet-1", nil, map[string]any{
		"promotionId":     promoID,
		"captchaResponse": map[string]float64{"x": x, "y": y},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUGPClaimBlockedInAdsRegion(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	promoID := env.seedPromotion("ugp", "", []grant.Grant{testGrant(15)})

	x, y := env.solveCaptcha("wallet-1")
	rec := env.do(http.MethodPut, "/v4/grants/wallet-1",
		map[string]string{headerCountryCode: "US"},
		map[string]any{
			"promotionId":     promoID,
			"captchaResponse": map[string]float64{"x": x, "y": y},
		})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdsClaimProviderMismatch(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	g := testGrant(20)
	g.Type = "ads"
	g.ProviderID = uuid.NewString()
	promoID := env.seedPromotion("ads", "", []grant.Grant{g})

	x, y := env.solveCaptcha("wallet-1")
	rec := env.do(http.MethodPut, "/v4/grants/wallet-1", nil, map[string]any{
		"promotionId":     promoID,
		"providerId":      uuid.NewString(),
		"captchaResponse": map[string]float64{"x": x, "y": y},
	})
	require.Equal(t, http.StatusGone, rec.Code)
}

func TestDoubleClaimConflicts(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	promoID := env.seedPromotion("ugp", "", []grant.Grant{testGrant(15), testGrant(15)})

	x, y := env.solveCaptcha("wallet-1")
	rec := env.do(http.MethodPut, "/v4/grants/wallet-1", nil, map[string]any{
		"promotionId":     promoID,
		"captchaResponse": map[string]float64{"x": x, "y": y},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	x, y = env.solveCaptcha("wallet-1")
	rec = env.do(http.MethodPut, "/v4/grants/wallet-1", nil, map[string]any{
		"promotionId":     promoID,
		"captchaResponse": map[string]float64{"x": x, "y": y},
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestBalanceSettlementPending(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	promoID := env.seedPromotion("ugp", "", []grant.Grant{testGrant(15)})

	x, y := env.solveCaptcha("wallet-1")
	rec := env.do(http.MethodPut, "/v4/grants/wallet-1", nil, map[string]any{
		"promotionId":     promoID,
		"captchaResponse": map[string]float64{"x": x, "y": y},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	env.settlement.result = balance.Settlement{Pending: true, RetryAfter: 42 * time.Second}
	rec = env.do(http.MethodGet, "/v2/wallet/wallet-1?refresh=true", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "42", rec.Header().Get("Retry-After"))

	env.settlement.result = balance.Settlement{}
	rec = env.do(http.MethodGet, "/v2/wallet/wallet-1?refresh=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownWalletBalance(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	rec := env.do(http.MethodGet, "/v2/wallet/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{RequestsPerMinute: 60, Burst: 2})

	headers := map[string]string{"X-Real-IP": "10.1.2.3"}
	for i := 0; i < 2; i++ {
		rec := env.do(http.MethodGet, "/v1/attestations/wallet-1", headers, nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}
	rec := env.do(http.MethodGet, "/v1/attestations/wallet-1", headers, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// A different client is not throttled.
	rec = env.do(http.MethodGet, "/v1/attestations/wallet-1", map[string]string{"X-Real-IP": "10.9.9.9"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPromotionDeactivation(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	promoID := env.seedPromotion("ugp", "", []grant.Grant{testGrant(15)})

	rec := env.do(http.MethodPatch, "/v1/promotions/"+promoID, adminHeaders(), map[string]any{"active": false})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/v4/grants", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	x, y := env.solveCaptcha("wallet-1")
	rec = env.do(http.MethodPut, "/v4/grants/wallet-1", nil, map[string]any{
		"promotionId":     promoID,
		"captchaResponse": map[string]float64{"x": x, "y": y},
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngestIsIdempotent(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	g := testGrant(15)
	promoID := env.seedPromotion("ugp", "", []grant.Grant{g})

	g.PromotionID = promoID
	token := env.mintToken(g)
	rec := env.do(http.MethodPost, "/v4/grants", adminHeaders(), map[string]any{
		"grants": []string{token},
		"promotions": []map[string]any{{
			"promotionId": promoID,
			"type":        "ugp",
			"active":      true,
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	n, err := env.store.CountAvailable(context.Background(), promoID)
	require.NoError(t, err)
	require.Equal(t, 1, n, "re-ingesting the same grant must not grow the pool")
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	rec := env.do(http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "grantledger_")
}

func TestClaimBodyValidation(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})

	rec := env.do(http.MethodPut, "/v4/grants/wallet-1", nil, map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPut, "/v4/grants/wallet-1", nil, map[string]any{"promotionId": uuid.NewString()})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "captchaResponse")
}
