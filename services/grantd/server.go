package grantd

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grantledger/native/attestation"
	"grantledger/native/balance"
	"grantledger/native/claim"
	"grantledger/native/eligibility"
	"grantledger/native/grant"
	"grantledger/native/promotion"
	"grantledger/storage"
)

// Headers carried by the edge.
const (
	headerSafetynetToken = "Safetynet-Token"
	headerCountryCode    = "Fastly-GeoIP-CountryCode"
	headerClientProduct  = "brave-product"
)

// Deps carries the engines the server fronts.
type Deps struct {
	Store      storage.Store
	Registry   *promotion.Registry
	Resolver   *eligibility.Resolver
	Claims     *claim.Engine
	Issuer     *attestation.Issuer
	Ledger     *balance.Ledger
	GrantCodec *grant.Codec
	AdminToken string
	Products   []string
	RateLimit  RateLimitConfig
	Log        *slog.Logger
}

// Server is the public HTTP surface of the grant ledger.
type Server struct {
	store      storage.Store
	registry   *promotion.Registry
	resolver   *eligibility.Resolver
	claims     *claim.Engine
	issuer     *attestation.Issuer
	ledger     *balance.Ledger
	grantCodec *grant.Codec
	adminToken string
	products   []string
	log        *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP server.
func New(deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	srv := &Server{
		store:      deps.Store,
		registry:   deps.Registry,
		resolver:   deps.Resolver,
		claims:     deps.Claims,
		issuer:     deps.Issuer,
		ledger:     deps.Ledger,
		grantCodec: deps.GrantCodec,
		adminToken: deps.AdminToken,
		products:   deps.Products,
		log:        log,
	}
	srv.router = srv.buildRouter(deps.RateLimit)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(rl RateLimitConfig) http.Handler {
	limiter := NewRateLimiter(rl)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(pub chi.Router) {
		pub.Use(limiter.Middleware)

		pub.Get("/v1/attestations/{paymentId}", s.handleIssueNonce)
		pub.With(requireProduct(headerClientProduct, s.products)).
			Get("/v4/captchas/{paymentId}", s.handleIssueCaptcha)

		pub.Get("/v4/grants", s.handleListGrants)
		pub.Get("/v5/grants", s.handleListGrantsSafetynet)
		pub.Put("/v3/grants/{paymentId}", s.handleClaimSafetynet)
		pub.Put("/v4/grants/{paymentId}", s.handleClaimCaptcha)

		pub.Get("/v2/wallet/{paymentId}", s.handleGetBalance)
		pub.Delete("/v2/wallet/{paymentId}/balance", s.handleInvalidateBalance)
	})

	r.Group(func(admin chi.Router) {
		admin.Use(requireBearer(s.adminToken))

		admin.Post("/v1/promotions", s.handleCreatePromotion)
		admin.Patch("/v1/promotions/{promotionId}", s.handleSetPromotionActive)
		admin.Post("/v4/grants", s.handleIngestGrants)
	})

	return r
}
