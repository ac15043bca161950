package codec

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"fmt"

	"github.com/appletforge/appletforge/internal/shared/digest"
	"github.com/appletforge/appletforge/internal/shared/types"
)

// SignPackage signs a package's manifest payload with key and embeds
// the signer certificate. The signature covers the same digest the
// verify step recomputes.
func SignPackage(pkg *types.AppletPackage, cert *x509.Certificate, key crypto.Signer) error {
	sig, err := sign(pkg.Meta.HashAlgorithm, key, pkg.Manifest)
	if err != nil {
		return err
	}
	pkg.Meta.Signature = sig
	pkg.Meta.PublicKeyToken = Thumbprint(cert)
	pkg.Certificate = cert.Raw
	return nil
}

// SignSolution signs a solution over the concatenated nested payloads.
func SignSolution(sln *types.AppletSolution, cert *x509.Certificate, key crypto.Signer) error {
	sig, err := sign(sln.Meta.HashAlgorithm, key, sln.Payloads()...)
	if err != nil {
		return err
	}
	sln.Meta.Signature = sig
	sln.Meta.PublicKeyToken = Thumbprint(cert)
	sln.Certificate = cert.Raw
	return nil
}

func sign(algorithm string, key crypto.Signer, payloads ...[]byte) ([]byte, error) {
	hasher, err := digest.New(digest.Algorithm(algorithm))
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(rand.Reader, hasher.SumConcat(payloads...), crypto.Hash(0))
	if err != nil {
		return nil, fmt.Errorf("sign package: %w", err)
	}
	return sig, nil
}
