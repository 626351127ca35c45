package attestation

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/cvmctl/cryptoutils"
	"github.com/ruteri/cvmctl/interfaces"
)

// authenticated holds what the chain check proved about the evidence.
type authenticated struct {
	measurement string
	issuedAt    time.Time

	// nonce is the nonce carried inside signed claims, if the format has one.
	nonce []byte
	// reportData is the hardware-bound user data, if the format has one.
	reportData []byte
}

// Verify checks ev against policy, the open challenge and the current time.
// It never mutates its arguments.
func Verify(ev *interfaces.AttestationEvidence, policy *TrustPolicy, challenge *interfaces.Challenge, now time.Time) interfaces.VerificationResult {
	if ev == nil {
		return reject(interfaces.ReasonChainInvalid, "no evidence")
	}
	if policy == nil {
		policy = DefaultPolicy()
	}

	if reason := checkFreshness(ev.IssuedAt, policy, now); reason != "" {
		return reject(interfaces.ReasonStale, reason)
	}

	auth, err := checkChain(ev, policy, now)
	if err != nil {
		return reject(interfaces.ReasonChainInvalid, err.Error())
	}
	if !auth.issuedAt.IsZero() {
		if reason := checkFreshness(auth.issuedAt, policy, now); reason != "" {
			return reject(interfaces.ReasonStale, reason)
		}
	}

	claimed := normalizeMeasurement(ev.Measurement)
	if auth.measurement != "" && claimed != "" && auth.measurement != claimed {
		return reject(interfaces.ReasonMeasurementMismatch,
			fmt.Sprintf("claimed measurement %s does not match evidence measurement %s", claimed, auth.measurement))
	}
	measurement := claimed
	if measurement == "" {
		measurement = auth.measurement
	}
	if measurement == "" {
		return reject(interfaces.ReasonMeasurementMismatch, "evidence carries no measurement")
	}
	if policy.Measurements == nil {
		return reject(interfaces.ReasonMeasurementMismatch, "no measurement policy")
	}
	if err := policy.Measurements.Check(ev.Provider, ev.Format, measurement); err != nil {
		return reject(interfaces.ReasonMeasurementMismatch, err.Error())
	}

	if reason := checkNonce(ev, auth, challenge); reason != "" {
		return reject(interfaces.ReasonReplayDetected, reason)
	}

	return interfaces.VerificationResult{Verdict: interfaces.VerdictVerified}
}

func reject(reason interfaces.RejectReason, detail string) interfaces.VerificationResult {
	return interfaces.VerificationResult{Verdict: interfaces.VerdictRejected, Reason: reason, Detail: detail}
}

func checkFreshness(issuedAt time.Time, policy *TrustPolicy, now time.Time) string {
	if issuedAt.IsZero() {
		return "evidence has no issue time"
	}
	if age := now.Sub(issuedAt); age > policy.MaxEvidenceAge {
		return fmt.Sprintf("evidence issued %s ago, max age %s", age.Truncate(time.Second), policy.MaxEvidenceAge)
	}
	if issuedAt.Sub(now) > policy.ClockSkew {
		return fmt.Sprintf("evidence issued %s in the future", issuedAt.Sub(now).Truncate(time.Second))
	}
	return ""
}

func checkChain(ev *interfaces.AttestationEvidence, policy *TrustPolicy, now time.Time) (*authenticated, error) {
	if ev.Unattested || ev.Format == interfaces.FormatUnattested {
		return nil, fmt.Errorf("evidence is unattested")
	}

	roots := policy.RootsFor(ev.Provider)
	if roots == nil {
		return nil, fmt.Errorf("no trusted roots for provider %s", ev.Provider)
	}

	switch ev.Format {
	case interfaces.FormatX509:
		leaf, err := cryptoutils.VerifyChain(ev.CertChain, roots, now)
		if err != nil {
			return nil, err
		}
		if err := cryptoutils.VerifySHA256(leaf.PublicKey, ev.Raw, ev.Signature); err != nil {
			return nil, fmt.Errorf("evidence signature: %w", err)
		}
		claims, err := ParseClaims(ev.Raw)
		if err != nil {
			return nil, err
		}
		if claims.Format != interfaces.FormatX509 {
			return nil, fmt.Errorf("signed claims declare format %q", claims.Format)
		}
		if claims.InstanceID != ev.InstanceID {
			return nil, fmt.Errorf("signed claims belong to instance %s", claims.InstanceID)
		}
		nonce, err := hex.DecodeString(claims.Nonce)
		if err != nil {
			return nil, fmt.Errorf("invalid claims nonce: %w", err)
		}
		return &authenticated{
			measurement: normalizeMeasurement(claims.Measurement),
			issuedAt:    claims.IssuedAt,
			nonce:       nonce,
		}, nil

	case interfaces.FormatTDX:
		summary, err := cryptoutils.VerifyTDXQuote(ev.Raw, roots, now)
		if err != nil {
			return nil, err
		}
		return &authenticated{measurement: summary.Measurement, reportData: summary.ReportData}, nil

	case interfaces.FormatSEVSNP:
		vcek, err := cryptoutils.VerifyChain(ev.CertChain, roots, now)
		if err != nil {
			return nil, err
		}
		summary, err := cryptoutils.VerifySNPReport(ev.Raw, vcek)
		if err != nil {
			return nil, err
		}
		return &authenticated{measurement: summary.Measurement, reportData: summary.ReportData}, nil

	case interfaces.FormatAzureMAA:
		token, err := cryptoutils.VerifyMAAToken(string(ev.Raw), roots, now)
		if err != nil {
			return nil, err
		}
		return &authenticated{
			measurement: normalizeMeasurement(token.Measurement),
			issuedAt:    token.IssuedAt,
			nonce:       token.Nonce,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported evidence format %q", ev.Format)
	}
}

func checkNonce(ev *interfaces.AttestationEvidence, auth *authenticated, challenge *interfaces.Challenge) string {
	if challenge == nil || len(challenge.Nonce) == 0 {
		return "no open challenge"
	}
	if challenge.Consumed {
		return "challenge already consumed"
	}
	if !bytes.Equal(ev.Nonce, challenge.Nonce) {
		return "evidence nonce does not match challenge"
	}
	if auth.nonce != nil && !bytes.Equal(auth.nonce, challenge.Nonce) {
		return "signed nonce does not match challenge"
	}
	if auth.reportData != nil {
		expected := cryptoutils.ReportDataForNonce(challenge.Nonce)
		if !bytes.Equal(auth.reportData, expected[:]) {
			return "report data does not bind challenge nonce"
		}
	}
	return ""
}

// Verifier applies a fixed TrustPolicy. It implements interfaces.EvidenceVerifier.
type Verifier struct {
	policy *TrustPolicy
	log    *slog.Logger
}

// NewVerifier creates a verifier for policy.
func NewVerifier(policy *TrustPolicy, log *slog.Logger) *Verifier {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Verifier{policy: policy, log: log}
}

func (v *Verifier) Verify(ev *interfaces.AttestationEvidence, challenge *interfaces.Challenge, now time.Time) interfaces.VerificationResult {
	result := Verify(ev, v.policy, challenge, now)
	if v.log != nil && ev != nil {
		v.log.Debug("Verified attestation evidence",
			slog.String("instance", ev.InstanceID.String()),
			slog.String("format", string(ev.Format)),
			slog.String("verdict", string(result.Verdict)),
			slog.String("reason", string(result.Reason)),
			slog.String("detail", result.Detail))
	}
	return result
}

// Policy returns the active policy.
func (v *Verifier) Policy() *TrustPolicy {
	return v.policy
}
