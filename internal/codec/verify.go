package codec

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/appletforge/appletforge/internal/shared/digest"
	"github.com/appletforge/appletforge/internal/shared/types"
)

// TrustStore looks up signer certificates the installation trusts.
type TrustStore interface {
	// ByThumbprint returns a trusted certificate by its hex SHA-256
	// thumbprint.
	ByThumbprint(thumbprint string) (*x509.Certificate, bool)

	// Roots returns the pool embedded certificates must chain to.
	Roots() *x509.CertPool
}

// VerifyPolicy controls signature enforcement.
type VerifyPolicy struct {
	// AllowUnsigned permits packages without a signature.
	AllowUnsigned bool

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

func (p VerifyPolicy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// VerifyPackage checks a plain package's digest, signature, and
// timestamps. The digest covers the whole manifest payload.
func VerifyPackage(pkg *types.AppletPackage, trust TrustStore, policy VerifyPolicy) error {
	return verifyPayload(&pkg.Meta, pkg.Certificate, pkg.PublishedAt, trust, policy, pkg.Manifest)
}

// VerifySolution checks a solution's digest, signature, and timestamps.
// The digest covers the concatenation of the nested manifest payloads.
func VerifySolution(sln *types.AppletSolution, trust TrustStore, policy VerifyPolicy) error {
	return verifyPayload(&sln.Meta, sln.Certificate, sln.PublishedAt, trust, policy, sln.Payloads()...)
}

// verifyPayload runs the fixed verification order: digest first, with
// any mismatch fatal before signature checks; then signature presence
// under policy; then signer trust, signature, and both timestamp
// checks.
func verifyPayload(meta *types.AppletInfo, embedded types.Blob, publishedAt time.Time, trust TrustStore, policy VerifyPolicy, payloads ...[]byte) error {
	hasher, err := digest.New(digest.Algorithm(meta.HashAlgorithm))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	computed := hasher.HexConcat(payloads...)
	if meta.Hash == "" || meta.Hash != computed {
		return fmt.Errorf("%w: %s declares %q, content is %q", ErrCorrupt, meta.ID, meta.Hash, computed)
	}

	if len(meta.Signature) == 0 {
		if policy.AllowUnsigned {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnsigned, meta.ID)
	}

	cert, err := signerCertificate(meta, embedded, trust)
	if err != nil {
		return err
	}

	if err := verifySignature(cert, hasher.SumConcat(payloads...), meta.Signature); err != nil {
		return err
	}

	now := policy.now()
	switch {
	case !publishedAt.IsZero() && publishedAt.After(now):
		return fmt.Errorf("%w: %s published %s", ErrFutureTimestamp, meta.ID, publishedAt)
	case !publishedAt.IsZero() && publishedAt.Before(cert.NotBefore):
		return fmt.Errorf("%w: %s", ErrCertNotYetValid, meta.ID)
	case !publishedAt.IsZero() && publishedAt.After(cert.NotAfter):
		return fmt.Errorf("%w: %s", ErrCertExpired, meta.ID)
	}
	return nil
}

// signerCertificate locates the signer's certificate: first the trust
// store by token, then an embedded certificate that chains to the
// store's roots.
func signerCertificate(meta *types.AppletInfo, embedded types.Blob, trust TrustStore) (*x509.Certificate, error) {
	if trust != nil && meta.PublicKeyToken != "" {
		if cert, ok := trust.ByThumbprint(meta.PublicKeyToken); ok {
			return cert, nil
		}
	}
	if len(embedded) == 0 {
		return nil, fmt.Errorf("%w: %s: no signer certificate available", ErrUntrustedSigner, meta.ID)
	}
	cert, err := x509.ParseCertificate(embedded)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUntrustedSigner, meta.ID, err)
	}
	if trust == nil || trust.Roots() == nil {
		return nil, fmt.Errorf("%w: %s: no trust roots configured", ErrUntrustedSigner, meta.ID)
	}
	// Chain validation only; the publish-time window is checked
	// separately against the leaf.
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:     trust.Roots(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUntrustedSigner, meta.ID, err)
	}
	return cert, nil
}

// verifySignature checks sig over the content digest with the
// certificate's public key.
func verifySignature(cert *x509.Certificate, contentDigest, sig []byte) error {
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, 0, contentDigest, sig); err != nil {
			return fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, contentDigest, sig) {
			return ErrBadSignature
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(pub, contentDigest, sig) {
			return ErrBadSignature
		}
	default:
		return fmt.Errorf("%w: unsupported public key type %T", ErrUntrustedSigner, cert.PublicKey)
	}
	return nil
}
