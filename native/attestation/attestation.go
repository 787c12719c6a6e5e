// Package attestation issues and verifies the per-wallet challenges that
// gate claims: random nonces consumed by device attestations, and
// position captchas solved by desktop clients.
package attestation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"grantledger/storage"
)

var (
	ErrNoChallenge       = errors.New("attestation: no outstanding challenge")
	ErrChallengeExpired  = errors.New("attestation: challenge expired")
	ErrCaptchaMismatch   = errors.New("attestation: captcha solution mismatch")
	ErrInvalidToken      = errors.New("attestation: attestation token invalid")
	ErrNonceMismatch     = errors.New("attestation: attestation nonce mismatch")
	ErrStaleAttestation  = errors.New("attestation: attestation too old")
	ErrPackageNotAllowed = errors.New("attestation: package not allowed")
	ErrIntegrityFailed   = errors.New("attestation: device integrity check failed")
)

const (
	nonceBytes = 24

	// Captcha geometry. The solution point is kept away from the edges so
	// the target square is always fully inside the image.
	captchaWidth   = 400
	captchaHeight  = 300
	captchaMargin  = 40
	solutionRadius = 5
)

// Config tunes challenge issuance.
type Config struct {
	// NonceTTL bounds how long an issued nonce stays usable. Zero means
	// nonces never expire.
	NonceTTL time.Duration
	// CaptchaTTL bounds how long a captcha solution stays usable. Zero
	// means captchas never expire.
	CaptchaTTL time.Duration
	// AttestationMaxAge bounds how old a safetynet attestation timestamp
	// may be. Zero disables the freshness check.
	AttestationMaxAge time.Duration
	// AllowedPackages lists apk package names accepted in attestations.
	// Empty allows any package.
	AllowedPackages []string
}

// Issuer creates and consumes wallet challenges.
type Issuer struct {
	wallets  storage.WalletStore
	verifier *SafetynetVerifier
	cfg      Config
	log      *slog.Logger
	rand     io.Reader
	nowFn    func() time.Time
}

// NewIssuer constructs an issuer. verifier may be nil when the safetynet
// path is disabled.
func NewIssuer(wallets storage.WalletStore, verifier *SafetynetVerifier, cfg Config, log *slog.Logger) *Issuer {
	if log == nil {
		log = slog.Default()
	}
	return &Issuer{
		wallets:  wallets,
		verifier: verifier,
		cfg:      cfg,
		log:      log,
		rand:     rand.Reader,
		nowFn:    time.Now,
	}
}

// IssueNonce mints a fresh random nonce for the wallet, replacing any
// outstanding one. Each call returns a different value.
func (i *Issuer) IssueNonce(ctx context.Context, paymentID string) (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := io.ReadFull(i.rand, buf); err != nil {
		return "", fmt.Errorf("attestation: read nonce entropy: %w", err)
	}
	nonce := base64.StdEncoding.EncodeToString(buf)

	if _, err := i.wallets.EnsureWallet(ctx, paymentID); err != nil {
		return "", err
	}
	now := i.nowFn().UTC()
	_, err := i.wallets.UpdateWallet(ctx, paymentID, func(w *storage.WalletDoc) error {
		w.Nonce = nonce
		w.NonceIssuedAt = now
		return nil
	})
	if err != nil {
		return "", err
	}
	i.log.Debug("nonce issued", "payment_id", paymentID)
	return nonce, nil
}

// IssueCaptcha mints a fresh position captcha for the wallet, replacing
// any outstanding one, and returns the stored challenge. Rendering the
// puzzle asset from the solution is the front-end pipeline's job; callers
// must never expose the coordinates to the client.
func (i *Issuer) IssueCaptcha(ctx context.Context, paymentID string) (storage.CaptchaState, error) {
	x, err := i.randomCoord(captchaWidth)
	if err != nil {
		return storage.CaptchaState{}, err
	}
	y, err := i.randomCoord(captchaHeight)
	if err != nil {
		return storage.CaptchaState{}, err
	}

	if _, err := i.wallets.EnsureWallet(ctx, paymentID); err != nil {
		return storage.CaptchaState{}, err
	}
	now := i.nowFn().UTC()
	state := storage.CaptchaState{X: x, Y: y, IssuedAt: now}
	_, err = i.wallets.UpdateWallet(ctx, paymentID, func(w *storage.WalletDoc) error {
		w.Captcha = &state
		return nil
	})
	if err != nil {
		return storage.CaptchaState{}, err
	}
	i.log.Debug("captcha issued", "payment_id", paymentID)
	return state, nil
}

func (i *Issuer) randomCoord(max int) (int, error) {
	span := int64(max - 2*captchaMargin)
	n, err := rand.Int(i.rand, big.NewInt(span))
	if err != nil {
		return 0, fmt.Errorf("attestation: read captcha entropy: %w", err)
	}
	return captchaMargin + int(n.Int64()), nil
}

// VerifyCaptcha checks a solution against the wallet's outstanding
// captcha. The captcha is consumed by the attempt whether or not the
// solution matches; a failed solver must request a fresh one.
func (i *Issuer) VerifyCaptcha(ctx context.Context, paymentID string, x, y float64) error {
	now := i.nowFn().UTC()
	var verr error
	_, err := i.wallets.UpdateWallet(ctx, paymentID, func(w *storage.WalletDoc) error {
		state := w.Captcha
		w.Captcha = nil
		if state == nil {
			verr = ErrNoChallenge
			return nil
		}
		if i.cfg.CaptchaTTL > 0 && now.Sub(state.IssuedAt) > i.cfg.CaptchaTTL {
			verr = ErrChallengeExpired
			return nil
		}
		if !withinTolerance(x, state.X) || !withinTolerance(y, state.Y) {
			verr = ErrCaptchaMismatch
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrWalletNotFound) {
			return ErrNoChallenge
		}
		return err
	}
	return verr
}

func withinTolerance(got float64, want int) bool {
	d := got - float64(want)
	return d >= -solutionRadius && d <= solutionRadius
}

// CheckSafetynet validates the attestation token itself, without touching
// the wallet's nonce: signature, freshness, device integrity, and package
// allowlist. Discovery uses this; claiming goes through VerifySafetynet.
func (i *Issuer) CheckSafetynet(token string) error {
	if i.verifier == nil {
		return ErrInvalidToken
	}
	att, err := i.verifier.Verify(token)
	if err != nil {
		return err
	}
	return i.checkAttestation(att)
}

func (i *Issuer) checkAttestation(att Attestation) error {
	if i.cfg.AttestationMaxAge > 0 {
		age := i.nowFn().UTC().Sub(time.UnixMilli(att.TimestampMS))
		if age > i.cfg.AttestationMaxAge || age < -i.cfg.AttestationMaxAge {
			return ErrStaleAttestation
		}
	}
	if !att.CTSProfileMatch || !att.BasicIntegrity {
		return ErrIntegrityFailed
	}
	if len(i.cfg.AllowedPackages) > 0 {
		allowed := false
		for _, pkg := range i.cfg.AllowedPackages {
			if pkg == att.APKPackageName {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrPackageNotAllowed
		}
	}
	return nil
}

// VerifySafetynet validates a device attestation token against the
// wallet's outstanding nonce. The nonce is consumed on success; a failed
// attestation leaves it in place so the client may retry with a valid
// token.
func (i *Issuer) VerifySafetynet(ctx context.Context, paymentID, token string) error {
	if i.verifier == nil {
		return ErrInvalidToken
	}
	att, err := i.verifier.Verify(token)
	if err != nil {
		return err
	}
	if err := i.checkAttestation(att); err != nil {
		return err
	}
	now := i.nowFn().UTC()

	var verr error
	_, err = i.wallets.UpdateWallet(ctx, paymentID, func(w *storage.WalletDoc) error {
		if w.Nonce == "" {
			verr = ErrNoChallenge
			return nil
		}
		if i.cfg.NonceTTL > 0 && now.Sub(w.NonceIssuedAt) > i.cfg.NonceTTL {
			w.Nonce = ""
			verr = ErrChallengeExpired
			return nil
		}
		if w.Nonce != att.Nonce {
			verr = ErrNonceMismatch
			return nil
		}
		w.Nonce = ""
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrWalletNotFound) {
			return ErrNoChallenge
		}
		return err
	}
	if verr == nil {
		i.log.Debug("safetynet attestation accepted", "payment_id", paymentID, "package", att.APKPackageName)
	}
	return verr
}
