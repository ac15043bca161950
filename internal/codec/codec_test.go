package codec

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appletforge/appletforge/internal/shared/digest"
	"github.com/appletforge/appletforge/internal/shared/types"
)

func testManifest(id string) *types.AppletManifest {
	m := &types.AppletManifest{
		Info: types.AppletInfo{
			AppletName:   types.AppletName{ID: id, Version: "1.0.0"},
			DisplayNames: []types.LocalizedText{{Value: "Test Applet"}},
		},
		Assets: []*types.AppletAsset{
			{
				Name:     "index.html",
				MimeType: "text/html",
				Content: types.AssetContent{
					Kind: types.KindHTML,
					HTML: &types.AssetHTML{Markup: types.MarkupSource{Text: "<h1>hi</h1>"}},
				},
			},
		},
		Strings: []types.StringEntry{{Key: "greeting", Value: "Hello"}},
	}
	m.Initialize()
	return m
}

// selfSignedCert issues an ed25519 certificate valid around now.
func selfSignedCert(t *testing.T, notBefore, notAfter time.Time) (*x509.Certificate, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test signer"},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, priv
}

func TestPackUnpackRoundTrip(t *testing.T) {
	c := Default()
	m := testManifest("org.example.hello")

	pkg, err := c.Pack(m)
	require.NoError(t, err)
	assert.Equal(t, types.PackageFormatVersion, pkg.FormatVersion)
	assert.NotEmpty(t, pkg.Meta.Hash)
	assert.Equal(t, "sha256", pkg.Meta.HashAlgorithm)

	data, err := SaveBytes(pkg)
	require.NoError(t, err)

	loaded, sln, err := LoadBytes(data)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Nil(t, sln)

	back, err := c.Unpack(loaded)
	require.NoError(t, err)
	assert.Equal(t, "org.example.hello", back.Info.ID)
	require.NotNil(t, back.Asset("index.html"))
	assert.Equal(t, "org.example.hello", back.Asset("index.html").Owner())

	v, ok := back.String("greeting", "")
	require.True(t, ok)
	assert.Equal(t, "Hello", v)
}

func TestBlake2bCodec(t *testing.T) {
	c, err := New(digest.BLAKE2b)
	require.NoError(t, err)

	pkg, err := c.Pack(testManifest("org.example.hash"))
	require.NoError(t, err)
	assert.Equal(t, "blake2b", pkg.Meta.HashAlgorithm)

	require.NoError(t, VerifyPackage(pkg, nil, VerifyPolicy{AllowUnsigned: true}))
}

func TestVerifyDetectsSingleByteCorruption(t *testing.T) {
	c := Default()
	pkg, err := c.Pack(testManifest("org.example.corrupt"))
	require.NoError(t, err)
	require.NoError(t, VerifyPackage(pkg, nil, VerifyPolicy{AllowUnsigned: true}))

	for _, offset := range []int{0, len(pkg.Manifest) / 2, len(pkg.Manifest) - 1} {
		mutated := *pkg
		mutated.Manifest = append(types.Blob(nil), pkg.Manifest...)
		mutated.Manifest[offset] ^= 0x01

		err := VerifyPackage(&mutated, nil, VerifyPolicy{AllowUnsigned: true})
		assert.ErrorIs(t, err, ErrCorrupt, "offset %d", offset)
	}
}

func TestVerifyUnsignedPolicy(t *testing.T) {
	c := Default()
	pkg, err := c.Pack(testManifest("org.example.unsigned"))
	require.NoError(t, err)

	assert.NoError(t, VerifyPackage(pkg, nil, VerifyPolicy{AllowUnsigned: true}))
	assert.ErrorIs(t, VerifyPackage(pkg, nil, VerifyPolicy{}), ErrUnsigned)
}

func TestSignAndVerify(t *testing.T) {
	now := time.Now()
	cert, key := selfSignedCert(t, now.Add(-time.Hour), now.Add(time.Hour))
	trust := NewTrustStore(cert)
	c := Default()

	pkg, err := c.Pack(testManifest("org.example.signed"))
	require.NoError(t, err)
	require.NoError(t, SignPackage(pkg, cert, key))
	require.True(t, pkg.Signed())
	assert.Equal(t, Thumbprint(cert), pkg.Meta.PublicKeyToken)

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, VerifyPackage(pkg, trust, VerifyPolicy{}))
	})

	t.Run("trust store lookup by thumbprint", func(t *testing.T) {
		// Strip the embedded certificate; only the token remains.
		stripped := *pkg
		stripped.Certificate = nil
		assert.NoError(t, VerifyPackage(&stripped, trust, VerifyPolicy{}))
	})

	t.Run("tampered signature", func(t *testing.T) {
		mutated := *pkg
		mutated.Meta.Signature = append(types.Blob(nil), pkg.Meta.Signature...)
		mutated.Meta.Signature[0] ^= 0xFF
		assert.ErrorIs(t, VerifyPackage(&mutated, trust, VerifyPolicy{}), ErrBadSignature)
	})

	t.Run("tampered payload after signing", func(t *testing.T) {
		mutated := *pkg
		mutated.Manifest = append(types.Blob(nil), pkg.Manifest...)
		mutated.Manifest[3] ^= 0x10
		// Digest recomputation fires before any signature check.
		assert.ErrorIs(t, VerifyPackage(&mutated, trust, VerifyPolicy{}), ErrCorrupt)
	})

	t.Run("untrusted signer", func(t *testing.T) {
		otherCert, _ := selfSignedCert(t, now.Add(-time.Hour), now.Add(time.Hour))
		emptyTrust := NewTrustStore(otherCert)
		stripped := *pkg
		stripped.Certificate = nil
		assert.ErrorIs(t, VerifyPackage(&stripped, emptyTrust, VerifyPolicy{}), ErrUntrustedSigner)
	})
}

func TestVerifyTimestamps(t *testing.T) {
	now := time.Now()
	cert, key := selfSignedCert(t, now.Add(-time.Hour), now.Add(time.Hour))
	trust := NewTrustStore(cert)
	c := Default()

	pkg, err := c.Pack(testManifest("org.example.time"))
	require.NoError(t, err)
	require.NoError(t, SignPackage(pkg, cert, key))

	t.Run("future publish date", func(t *testing.T) {
		mutated := *pkg
		mutated.PublishedAt = now.Add(48 * time.Hour)
		assert.ErrorIs(t, VerifyPackage(&mutated, trust, VerifyPolicy{}), ErrFutureTimestamp)
	})

	t.Run("published before cert validity", func(t *testing.T) {
		mutated := *pkg
		mutated.PublishedAt = now.Add(-2 * time.Hour)
		assert.ErrorIs(t, VerifyPackage(&mutated, trust, VerifyPolicy{}), ErrCertNotYetValid)
	})

	t.Run("published after cert expiry", func(t *testing.T) {
		mutated := *pkg
		mutated.PublishedAt = now.Add(30 * time.Minute)
		late := VerifyPolicy{Now: func() time.Time { return now.Add(90 * time.Minute) }}
		// Still inside the certificate window, only the clock moved.
		assert.NoError(t, VerifyPackage(&mutated, trust, late))

		mutated.PublishedAt = now.Add(2 * time.Hour)
		veryLate := VerifyPolicy{Now: func() time.Time { return now.Add(3 * time.Hour) }}
		assert.ErrorIs(t, VerifyPackage(&mutated, trust, veryLate), ErrCertExpired)
	})
}

func TestSolutionRoundTripAndVerify(t *testing.T) {
	now := time.Now()
	cert, key := selfSignedCert(t, now.Add(-time.Hour), now.Add(time.Hour))
	trust := NewTrustStore(cert)
	c := Default()

	first, err := c.Pack(testManifest("org.example.first"))
	require.NoError(t, err)
	second, err := c.Pack(testManifest("org.example.second"))
	require.NoError(t, err)

	sln := &types.AppletSolution{
		FormatVersion: types.PackageFormatVersion,
		PublishedAt:   now.UTC().Truncate(time.Second),
		Meta:          types.AppletInfo{AppletName: types.AppletName{ID: "org.example.suite", Version: "1.0.0"}},
		Packages:      []types.AppletPackage{*first, *second},
	}
	sln.Meta.Hash = Default().hasher.HexConcat(sln.Payloads()...)
	sln.Meta.HashAlgorithm = string(digest.SHA256)
	require.NoError(t, SignSolution(sln, cert, key))

	data, err := SaveBytes(sln)
	require.NoError(t, err)

	pkg, loaded, err := LoadBytes(data)
	require.NoError(t, err)
	assert.Nil(t, pkg)
	require.NotNil(t, loaded)
	require.Len(t, loaded.Packages, 2)

	assert.NoError(t, VerifySolution(loaded, trust, VerifyPolicy{}))

	t.Run("corrupt nested payload", func(t *testing.T) {
		loaded.Packages[1].Manifest[0] ^= 0x01
		assert.ErrorIs(t, VerifySolution(loaded, trust, VerifyPolicy{}), ErrCorrupt)
	})
}

func TestLoadRejectsGarbage(t *testing.T) {
	_, _, err := LoadBytes([]byte("not a gzip stream"))
	assert.ErrorIs(t, err, ErrFormat)
}

func TestCompressBinaryFraming(t *testing.T) {
	framed, err := CompressBinary([]byte("payload"))
	require.NoError(t, err)

	var content types.AssetContent
	require.NoError(t, content.SetBinary(framed))
	assert.Equal(t, []byte("payload"), content.Binary)
}
