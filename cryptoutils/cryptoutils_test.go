package cryptoutils

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifySHA256(t *testing.T) {
	ecKey, err := RandomP256Key()
	require.NoError(t, err)
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	for name, key := range map[string]crypto.Signer{"ecdsa": ecKey, "rsa": rsaKey} {
		t.Run(name, func(t *testing.T) {
			keyPEM, err := MarshalPrivateKeyPEM(key)
			require.NoError(t, err)
			signer, err := ParsePrivateKeyPEM(keyPEM)
			require.NoError(t, err)

			sig, err := SignSHA256(signer, []byte("payload"))
			require.NoError(t, err)
			require.NoError(t, VerifySHA256(signer.Public(), []byte("payload"), sig))
			assert.Error(t, VerifySHA256(signer.Public(), []byte("tampered"), sig))

			pubPEM, err := MarshalPublicKeyPEM(signer.Public())
			require.NoError(t, err)
			pub, err := ParsePublicKeyPEM(pubPEM)
			require.NoError(t, err)
			require.NoError(t, VerifySHA256(pub, []byte("payload"), sig))
		})
	}
}

func TestVerifyChain(t *testing.T) {
	root, err := NewCertificateAuthority("root", time.Hour)
	require.NoError(t, err)
	other, err := NewCertificateAuthority("other", time.Hour)
	require.NoError(t, err)
	leaf, _, err := root.Issue("leaf", time.Hour)
	require.NoError(t, err)

	got, err := VerifyChain([][]byte{leaf.Raw}, root.Pool(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "leaf", got.Subject.CommonName)

	_, err = VerifyChain([][]byte{leaf.Raw}, other.Pool(), time.Now())
	assert.Error(t, err)

	_, err = VerifyChain([][]byte{leaf.Raw}, root.Pool(), time.Now().Add(2*time.Hour))
	assert.Error(t, err, "expired leaf must not verify")

	_, err = VerifyChain(nil, root.Pool(), time.Now())
	assert.ErrorIs(t, err, ErrEmptyChain)

	_, err = VerifyChain([][]byte{[]byte("garbage")}, root.Pool(), time.Now())
	assert.Error(t, err)
}

func TestPEMChainRoundTrip(t *testing.T) {
	root, err := NewCertificateAuthority("root", time.Hour)
	require.NoError(t, err)
	leaf, _, err := root.Issue("leaf", time.Hour)
	require.NoError(t, err)

	bundle := EncodeCertificatesPEM([][]byte{leaf.Raw, root.Cert.Raw})
	ders, err := PEMChainToDER(bundle)
	require.NoError(t, err)
	require.Len(t, ders, 2)
	assert.Equal(t, leaf.Raw, ders[0])

	_, err = PEMChainToDER([]byte("nothing here"))
	assert.ErrorIs(t, err, ErrEmptyChain)
}

func TestCanonicalJSON(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"sorted keys", map[string]any{"b": 1, "a": []any{"x", true}}, `{"a":["x",true],"b":1}`},
		{"nested", map[string]any{"z": map[string]any{"d": nil, "c": "v"}}, `{"z":{"c":"v","d":null}}`},
		{"html kept", map[string]any{"k": "<&>"}, `{"k":"<&>"}`},
		{"non ascii", map[string]any{"k": "é"}, `{"k":"\u00e9"}`},
		{"astral", map[string]any{"k": "😀"}, `{"k":"\ud83d\ude00"}`},
		{"struct", struct {
			B string `json:"b"`
			A int    `json:"a"`
		}{"x", 2}, `{"a":2,"b":"x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalJSON(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestCanonicalJSONNumbers(t *testing.T) {
	tests := map[string]string{
		`1`:                   `1`,
		`-0`:                  `0`,
		`12345678901234567890`: `12345678901234567890`,
		`1.50`:                `1.5`,
		`1e3`:                 `1000.0`,
		`1E3`:                 `1000.0`,
		`-0.0`:                `-0.0`,
		`0.0001`:              `0.0001`,
		`0.00001`:             `1e-05`,
		`1.5e-7`:              `1.5e-07`,
		`1e16`:                `1e+16`,
		`123.456e2`:           `12345.6`,
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			var v any
			require.NoError(t, unmarshalUseNumber([]byte(`{"n":`+in+`}`), &v))
			got, err := CanonicalJSON(v)
			require.NoError(t, err)
			assert.Equal(t, `{"n":`+want+`}`, string(got))
		})
	}

	var v any
	require.NoError(t, unmarshalUseNumber([]byte(`{"n":1e400}`), &v))
	_, err := CanonicalJSON(v)
	assert.Error(t, err)
}

func TestGoldenSignVerify(t *testing.T) {
	key, err := RandomP256Key()
	require.NoError(t, err)
	otherKey, err := RandomP256Key()
	require.NoError(t, err)

	doc, err := ParseSignedGolden([]byte(`{"golden_measurement":{"platform":"sev-snp","measurements":["AA","0xbb"],"measurement":"cc"}}`))
	require.NoError(t, err)
	require.NoError(t, SignGolden(doc, key))

	require.NoError(t, VerifyGolden(doc, otherKey.Public(), key.Public()))
	assert.ErrorIs(t, VerifyGolden(doc, otherKey.Public()), ErrGoldenSignature)
	assert.Equal(t, []string{"cc", "aa", "bb"}, doc.Measurements())

	doc.GoldenMeasurement["measurement"] = "dd"
	assert.ErrorIs(t, VerifyGolden(doc, key.Public()), ErrGoldenSignature)
}

func TestGoldenMissingFields(t *testing.T) {
	_, err := ParseSignedGolden([]byte(`{"signature":"abc"}`))
	assert.ErrorIs(t, err, ErrGoldenMissingField)

	doc, err := ParseSignedGolden([]byte(`{"golden_measurement":{"measurement":"aa"}}`))
	require.NoError(t, err)
	key, err := RandomP256Key()
	require.NoError(t, err)
	assert.ErrorIs(t, VerifyGolden(doc, key.Public()), ErrGoldenMissingField)
}

func TestGoldenMeasurementsMap(t *testing.T) {
	doc := &SignedGolden{GoldenMeasurement: map[string]any{
		"measurements": map[string]any{"z": "02", "a": "01"},
	}}
	assert.Equal(t, []string{"01", "02"}, doc.Measurements())
}

func TestNonce(t *testing.T) {
	a, err := NewNonce()
	require.NoError(t, err)
	b, err := NewNonce()
	require.NoError(t, err)
	assert.Len(t, a, NonceSize)
	assert.NotEqual(t, a, b)
	assert.Equal(t, ReportDataForNonce(a), ReportDataForNonce(a))
	assert.NotEqual(t, ReportDataForNonce(a), ReportDataForNonce(b))
}

func TestQuoteParsersRejectGarbage(t *testing.T) {
	_, err := ParseTDXQuote([]byte("not a quote"))
	assert.Error(t, err)
	_, err = ParseSNPReport([]byte("not a report"))
	assert.Error(t, err)
}

func TestMAAToken(t *testing.T) {
	root, err := NewCertificateAuthority("maa root", time.Hour)
	require.NoError(t, err)
	other, err := NewCertificateAuthority("other", time.Hour)
	require.NoError(t, err)
	leaf, key, err := root.Issue("maa signer", time.Hour)
	require.NoError(t, err)

	issued := time.Now().Truncate(time.Second)
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iat":               issued.Unix(),
		MAAMeasurementClaim: "ABCD",
		MAARuntimeClaim: map[string]any{
			"client-payload": map[string]any{"nonce": "0102"},
		},
	})
	token.Header["x5c"] = []string{base64.StdEncoding.EncodeToString(leaf.Raw)}
	signed, err := token.SignedString(key)
	require.NoError(t, err)

	parsed, err := VerifyMAAToken(signed, root.Pool(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "abcd", parsed.Measurement)
	assert.Equal(t, []byte{1, 2}, parsed.Nonce)
	assert.True(t, issued.Equal(parsed.IssuedAt))

	_, err = VerifyMAAToken(signed, other.Pool(), time.Now())
	assert.Error(t, err)

	unverified, err := ParseMAAToken(signed)
	require.NoError(t, err)
	assert.Len(t, unverified.Chain, 1)
}
