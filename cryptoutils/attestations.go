package cryptoutils

import (
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"time"

	sev_abi "github.com/google/go-sev-guest/abi"
	sev_verify "github.com/google/go-sev-guest/verify"
	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	tdx_verify "github.com/google/go-tdx-guest/verify"
)

// QuoteSummary holds the fields extracted from a hardware quote.
type QuoteSummary struct {
	// Measurement is the hex launch measurement (MRTD for TDX, MEASUREMENT
	// for SEV-SNP).
	Measurement string

	// ReportData is the 64 bytes of user data bound into the quote.
	ReportData []byte

	// Registers holds additional measurement registers by index.
	Registers map[int]string
}

// ParseTDXQuote parses a raw TDX quote without verifying it.
func ParseTDXQuote(raw []byte) (*QuoteSummary, error) {
	q, err := parseTDXQuoteV4(raw)
	if err != nil {
		return nil, err
	}
	return summarizeTDXQuote(q), nil
}

// VerifyTDXQuote verifies the quote signature and PCK chain against roots at
// instant now and returns its summary. Collateral is never fetched.
func VerifyTDXQuote(raw []byte, roots *x509.CertPool, now time.Time) (*QuoteSummary, error) {
	q, err := parseTDXQuoteV4(raw)
	if err != nil {
		return nil, err
	}

	options := tdx_verify.DefaultOptions()
	options.TrustedRoots = roots
	options.Now = now
	options.GetCollateral = false
	options.CheckRevocations = false
	if err := tdx_verify.TdxQuote(q, options); err != nil {
		return nil, fmt.Errorf("quote verification failed: %w", err)
	}
	return summarizeTDXQuote(q), nil
}

func parseTDXQuoteV4(raw []byte) (*tdx_pb.QuoteV4, error) {
	protoQuote, err := tdx_abi.QuoteToProto(raw)
	if err != nil {
		return nil, fmt.Errorf("could not parse quote: %w", err)
	}

	switch q := protoQuote.(type) {
	case *tdx_pb.QuoteV4:
		return q, nil
	default:
		return nil, fmt.Errorf("unsupported quote type: %T", q)
	}
}

func summarizeTDXQuote(q *tdx_pb.QuoteV4) *QuoteSummary {
	body := q.GetTdQuoteBody()
	registers := map[int]string{
		0: hex.EncodeToString(body.GetMrTd()),
		5: hex.EncodeToString(body.GetMrConfigId()),
		6: hex.EncodeToString(body.GetMrOwner()),
		7: hex.EncodeToString(body.GetMrOwnerConfig()),
	}
	for i, rtmr := range body.GetRtmrs() {
		if i < 4 {
			registers[i+1] = hex.EncodeToString(rtmr)
		}
	}

	return &QuoteSummary{
		Measurement: hex.EncodeToString(body.GetMrTd()),
		ReportData:  body.GetReportData(),
		Registers:   registers,
	}
}

// ParseSNPReport parses a raw SEV-SNP attestation report without verifying it.
func ParseSNPReport(raw []byte) (*QuoteSummary, error) {
	report, err := sev_abi.ReportToProto(raw)
	if err != nil {
		return nil, fmt.Errorf("could not parse snp report: %w", err)
	}

	return &QuoteSummary{
		Measurement: hex.EncodeToString(report.GetMeasurement()),
		ReportData:  report.GetReportData(),
		Registers: map[int]string{
			0: hex.EncodeToString(report.GetMeasurement()),
			1: hex.EncodeToString(report.GetHostData()),
		},
	}, nil
}

// VerifySNPReport checks the report signature with the VCEK leaf. The VCEK
// chain itself is validated by the caller.
func VerifySNPReport(raw []byte, vcek *x509.Certificate) (*QuoteSummary, error) {
	summary, err := ParseSNPReport(raw)
	if err != nil {
		return nil, err
	}
	if err := sev_verify.SnpReportSignature(raw, vcek); err != nil {
		return nil, fmt.Errorf("snp report signature verification failed: %w", err)
	}
	return summary, nil
}
