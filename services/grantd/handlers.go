package grantd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"grantledger/native/attestation"
	"grantledger/native/balance"
	"grantledger/native/claim"
	"grantledger/native/eligibility"
	"grantledger/native/grant"
	"grantledger/native/promotion"
	"grantledger/observability"
	"grantledger/storage"
)

type promotionView struct {
	PromotionID               string `json:"promotionId"`
	Type                      string `json:"type"`
	Priority                  int    `json:"priority"`
	Active                    bool   `json:"active"`
	ProtocolVersion           int    `json:"protocolVersion"`
	MinimumReconcileTimestamp int64  `json:"minimumReconcileTimestamp,omitempty"`
}

type grantView struct {
	GrantID      string `json:"grantId"`
	PromotionID  string `json:"promotionId"`
	Altcurrency  string `json:"altcurrency"`
	Probi        string `json:"probi"`
	MaturityTime int64  `json:"maturityTime,omitempty"`
	ExpiryTime   int64  `json:"expiryTime"`
	Type         string `json:"type,omitempty"`
}

type walletGrantView struct {
	Type        string `json:"type"`
	Altcurrency string `json:"altcurrency"`
	ExpiryTime  int64  `json:"expiryTime"`
	Probi       string `json:"probi"`
}

type walletView struct {
	Altcurrency string            `json:"altcurrency"`
	Balance     string            `json:"balance"`
	CardBalance string            `json:"cardBalance"`
	Probi       string            `json:"probi"`
	Grants      []walletGrantView `json:"grants"`
}

func viewPromotion(p storage.PromotionDoc) promotionView {
	return promotionView{
		PromotionID:               p.ID,
		Type:                      p.Type,
		Priority:                  p.Priority,
		Active:                    p.Active,
		ProtocolVersion:           p.ProtocolVersion,
		MinimumReconcileTimestamp: p.MinimumReconcileTimestamp,
	}
}

func viewGrant(g storage.GrantDoc) grantView {
	return grantView{
		GrantID:      g.GrantID,
		PromotionID:  g.PromotionID,
		Altcurrency:  g.Altcurrency,
		Probi:        g.Probi,
		MaturityTime: g.MaturityTime,
		ExpiryTime:   g.ExpiryTime,
		Type:         g.Type,
	}
}

func viewWallet(snap balance.Snapshot) walletView {
	grants := make([]walletGrantView, 0, len(snap.Grants))
	for _, ref := range snap.Grants {
		grants = append(grants, walletGrantView{
			Type:        ref.Type,
			Altcurrency: ref.Altcurrency,
			ExpiryTime:  ref.ExpiryTime,
			Probi:       ref.Probi,
		})
	}
	return walletView{
		Altcurrency: grant.Altcurrency,
		Balance:     snap.Balance,
		CardBalance: snap.CardBalance,
		Probi:       snap.Probi,
		Grants:      grants,
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"message": msg})
}

// writeDomainError maps engine errors onto the HTTP taxonomy.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var pending *balance.PendingError
	switch {
	case errors.Is(err, storage.ErrPromotionNotFound),
		errors.Is(err, storage.ErrWalletNotFound),
		errors.Is(err, storage.ErrGrantNotFound),
		errors.Is(err, storage.ErrNoGrantsAvailable),
		errors.Is(err, eligibility.ErrNoneAvailable),
		errors.Is(err, claim.ErrPromotionInactive):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, claim.ErrAlreadyClaimed):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, claim.ErrAdsRegion),
		errors.Is(err, claim.ErrGeoBlocked),
		errors.Is(err, attestation.ErrNoChallenge),
		errors.Is(err, attestation.ErrChallengeExpired),
		errors.Is(err, attestation.ErrCaptchaMismatch),
		errors.Is(err, attestation.ErrNonceMismatch),
		errors.Is(err, grant.ErrInvalidGrant),
		errors.Is(err, grant.ErrInvalidProbi):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, claim.ErrProviderMismatch),
		errors.Is(err, claim.ErrGrantExpired):
		respondError(w, http.StatusGone, err.Error())
	case errors.Is(err, attestation.ErrInvalidToken),
		errors.Is(err, attestation.ErrStaleAttestation),
		errors.Is(err, attestation.ErrIntegrityFailed),
		errors.Is(err, attestation.ErrPackageNotAllowed):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &pending):
		w.Header().Set("Retry-After", strconv.Itoa(int(pending.RetryAfter.Seconds())))
		observability.Balances().RecordSettlementPoll()
		respondError(w, http.StatusServiceUnavailable, "settlement in progress")
	default:
		s.log.Error("request failed", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleIssueNonce(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentId")
	nonce, err := s.issuer.IssueNonce(r.Context(), paymentID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	observability.Challenges().RecordIssued("nonce")
	respondJSON(w, http.StatusOK, map[string]string{"nonce": nonce})
}

func (s *Server) handleIssueCaptcha(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentId")
	state, err := s.issuer.IssueCaptcha(r.Context(), paymentID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	observability.Challenges().RecordIssued("captcha")
	// The puzzle asset is rendered downstream from the stored solution;
	// the API only acknowledges issuance.
	respondJSON(w, http.StatusOK, map[string]any{
		"paymentId": paymentID,
		"issuedAt":  state.IssuedAt.Format(time.RFC3339),
	})
}

func (s *Server) discoverParams(r *http.Request, platform string) eligibility.Params {
	q := r.URL.Query()
	protocol := 4
	if raw := q.Get("protocolVersion"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			protocol = v
		}
	}
	return eligibility.Params{
		PaymentID:       q.Get("paymentId"),
		Platform:        platform,
		ProtocolVersion: protocol,
		Country:         r.Header.Get(headerCountryCode),
		BypassCooldown:  q.Get("bypassCooldown") == "true",
	}
}

func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	promos, err := s.resolver.Discover(r.Context(), s.discoverParams(r, promotion.PlatformDesktop))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	views := make([]promotionView, 0, len(promos))
	for _, p := range promos {
		views = append(views, viewPromotion(p))
	}
	respondJSON(w, http.StatusOK, map[string][]promotionView{"grants": views})
}

func (s *Server) handleListGrantsSafetynet(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(headerSafetynetToken)
	if err := s.issuer.CheckSafetynet(token); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	promo, err := s.resolver.DiscoverOne(r.Context(), s.discoverParams(r, promotion.PlatformAndroid))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, viewPromotion(promo))
}

type claimRequest struct {
	PromotionID     string `json:"promotionId"`
	ProviderID      string `json:"providerId"`
	CaptchaResponse *struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	} `json:"captchaResponse"`
}

func decodeClaimRequest(r *http.Request) (claimRequest, error) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return claimRequest{}, fmt.Errorf("decode request body: %w", err)
	}
	if req.PromotionID == "" {
		return claimRequest{}, errors.New("promotionId is required")
	}
	return req, nil
}

func (s *Server) handleClaimSafetynet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	paymentID := chi.URLParam(r, "paymentId")
	req, err := decodeClaimRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	token := r.Header.Get(headerSafetynetToken)
	if err := s.issuer.VerifySafetynet(r.Context(), paymentID, token); err != nil {
		observability.Challenges().RecordVerification("nonce", "failure")
		s.writeDomainError(w, r, err)
		return
	}
	observability.Challenges().RecordVerification("nonce", "success")

	doc, err := s.claims.Claim(r.Context(), claim.Request{
		PaymentID:   paymentID,
		PromotionID: req.PromotionID,
		ProviderID:  req.ProviderID,
		Country:     r.Header.Get(headerCountryCode),
		Cohort:      claim.CohortSafetynet,
	})
	if err != nil {
		observability.Claims().Record("safetynet", "", "failure", time.Since(start))
		s.writeDomainError(w, r, err)
		return
	}
	observability.Claims().Record("safetynet", doc.Type, "success", time.Since(start))
	respondJSON(w, http.StatusOK, viewGrant(doc))
}

func (s *Server) handleClaimCaptcha(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	paymentID := chi.URLParam(r, "paymentId")
	req, err := decodeClaimRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CaptchaResponse == nil {
		respondError(w, http.StatusBadRequest, "captchaResponse is required")
		return
	}
	if err := s.issuer.VerifyCaptcha(r.Context(), paymentID, req.CaptchaResponse.X, req.CaptchaResponse.Y); err != nil {
		observability.Challenges().RecordVerification("captcha", "failure")
		s.writeDomainError(w, r, err)
		return
	}
	observability.Challenges().RecordVerification("captcha", "success")

	doc, err := s.claims.Claim(r.Context(), claim.Request{
		PaymentID:   paymentID,
		PromotionID: req.PromotionID,
		ProviderID:  req.ProviderID,
		Country:     r.Header.Get(headerCountryCode),
		Cohort:      claim.CohortCaptcha,
	})
	if err != nil {
		observability.Claims().Record("captcha", "", "failure", time.Since(start))
		s.writeDomainError(w, r, err)
		return
	}
	observability.Claims().Record("captcha", doc.Type, "success", time.Since(start))
	respondJSON(w, http.StatusOK, viewGrant(doc))
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentId")
	q := r.URL.Query()

	opts := balance.Options{Refresh: q.Get("refresh") == "true"}
	if raw := q.Get("amount"); raw != "" {
		expected, err := grant.ParseTokenAmount(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid amount")
			return
		}
		opts.ExpectedProbi = expected
	}

	snap, err := s.ledger.GetBalance(r.Context(), paymentID, opts)
	if err != nil {
		observability.Balances().RecordRead("error")
		s.writeDomainError(w, r, err)
		return
	}
	if snap.Cached {
		observability.Balances().RecordRead("cache")
	} else {
		observability.Balances().RecordRead("computed")
	}
	respondJSON(w, http.StatusOK, viewWallet(snap))
}

func (s *Server) handleInvalidateBalance(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentId")
	if err := s.ledger.Invalidate(r.Context(), paymentID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createPromotionRequest struct {
	Type                      string   `json:"type"`
	Platform                  string   `json:"platform"`
	Active                    bool     `json:"active"`
	Priority                  int      `json:"priority"`
	ProtocolVersion           int      `json:"protocolVersion"`
	MinimumReconcileTimestamp int64    `json:"minimumReconcileTimestamp"`
	GeoMode                   string   `json:"geoMode"`
	GeoCountries              []string `json:"geoCountries"`
}

func (s *Server) handleCreatePromotion(w http.ResponseWriter, r *http.Request) {
	var req createPromotionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "decode request body")
		return
	}
	promo, err := s.registry.Create(r.Context(), promotion.CreateParams{
		Type:                      req.Type,
		Platform:                  req.Platform,
		Active:                    req.Active,
		Priority:                  req.Priority,
		ProtocolVersion:           req.ProtocolVersion,
		MinimumReconcileTimestamp: req.MinimumReconcileTimestamp,
		Geo: storage.GeoRule{
			Mode:      storage.GeoMode(req.GeoMode),
			Countries: req.GeoCountries,
		},
	})
	if err != nil {
		if errors.Is(err, promotion.ErrInvalidType) ||
			errors.Is(err, promotion.ErrInvalidPlatform) ||
			errors.Is(err, promotion.ErrInvalidGeoRule) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, viewPromotion(promo))
}

func (s *Server) handleSetPromotionActive(w http.ResponseWriter, r *http.Request) {
	promotionID := chi.URLParam(r, "promotionId")
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "decode request body")
		return
	}
	if err := s.registry.SetActive(r.Context(), promotionID, req.Active); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	promo, err := s.registry.Get(r.Context(), promotionID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, viewPromotion(promo))
}

type ingestRequest struct {
	Grants     []string `json:"grants"`
	Promotions []struct {
		ID                        string `json:"promotionId"`
		Type                      string `json:"type"`
		Platform                  string `json:"platform"`
		Active                    bool   `json:"active"`
		Priority                  int    `json:"priority"`
		ProtocolVersion           int    `json:"protocolVersion"`
		MinimumReconcileTimestamp int64  `json:"minimumReconcileTimestamp"`
	} `json:"promotions"`
}

// handleIngestGrants accepts a batch of externally minted promotions and
// signed grant tokens. Every token must verify against the grant issuer
// key; re-ingesting a known grant or promotion is a no-op.
func (s *Server) handleIngestGrants(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "decode request body")
		return
	}

	for _, p := range req.Promotions {
		protocol := p.ProtocolVersion
		if protocol <= 0 {
			protocol = 4
		}
		err := s.registry.Register(r.Context(), storage.PromotionDoc{
			ID:                        p.ID,
			Type:                      p.Type,
			Platform:                  p.Platform,
			Active:                    p.Active,
			Priority:                  p.Priority,
			ProtocolVersion:           protocol,
			MinimumReconcileTimestamp: p.MinimumReconcileTimestamp,
		})
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("promotion %s: %v", p.ID, err))
			return
		}
	}

	docs := make([]storage.GrantDoc, 0, len(req.Grants))
	for i, token := range req.Grants {
		g, err := s.grantCodec.Decode(token)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("grant %d: %v", i, err))
			return
		}
		docs = append(docs, g.Doc(token))
	}
	if len(docs) > 0 {
		if err := s.store.InsertGrants(r.Context(), docs); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
	}

	s.log.Info("grant batch ingested", "grants", len(docs), "promotions", len(req.Promotions))
	respondJSON(w, http.StatusOK, map[string]int{
		"grants":     len(docs),
		"promotions": len(req.Promotions),
	})
}
