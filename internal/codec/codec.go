// Package codec reads and writes applet packages: XML manifest
// serialization, LZMA payload compression, gzip-wrapped package files,
// content digests, and signature verification.
package codec

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz/lzma"

	"github.com/appletforge/appletforge/internal/shared/digest"
	"github.com/appletforge/appletforge/internal/shared/types"
)

// Codec packs and unpacks applet packages with a fixed digest algorithm.
type Codec struct {
	hasher *digest.Hasher
}

// New returns a codec using the given digest algorithm for new packages.
// Unpacking honors whatever algorithm a package declares.
func New(algorithm digest.Algorithm) (*Codec, error) {
	h, err := digest.New(algorithm)
	if err != nil {
		return nil, err
	}
	return &Codec{hasher: h}, nil
}

// Default returns a codec with the default digest algorithm.
func Default() *Codec {
	return &Codec{hasher: digest.MustNew(digest.Default)}
}

// MarshalManifest serializes a manifest to XML bytes.
func MarshalManifest(m *types.AppletManifest) ([]byte, error) {
	body, err := xml.Marshal(struct {
		*types.AppletManifest
		XMLName xml.Name `xml:"appletManifest"`
	}{AppletManifest: m})
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// UnmarshalManifest deserializes and initializes a manifest. Structural
// parsing only: a missing id is tolerated here and surfaces later as a
// resolution miss.
func UnmarshalManifest(data []byte) (*types.AppletManifest, error) {
	var m types.AppletManifest
	if err := xml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	m.Initialize()
	return &m, nil
}

// Compress wraps data in an LZMA stream.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reads an LZMA stream back out.
func Decompress(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return raw, nil
}

// CompressBinary frames data as an LZIP-marked LZMA payload, the form
// binary asset content travels in.
func CompressBinary(data []byte) ([]byte, error) {
	compressed, err := Compress(data)
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), types.LZIPMagic...), compressed...), nil
}

// Pack serializes and compresses a manifest into an unsigned package.
// The digest covers the compressed payload as stored.
func (c *Codec) Pack(m *types.AppletManifest) (*types.AppletPackage, error) {
	raw, err := MarshalManifest(m)
	if err != nil {
		return nil, err
	}
	payload, err := Compress(raw)
	if err != nil {
		return nil, fmt.Errorf("compress manifest: %w", err)
	}

	meta := m.Info
	meta.Signature = nil
	meta.Hash = c.hasher.Hex(payload)
	meta.HashAlgorithm = string(c.hasher.Algorithm())

	return &types.AppletPackage{
		FormatVersion: types.PackageFormatVersion,
		PublishedAt:   time.Now().UTC().Truncate(time.Second),
		Meta:          meta,
		Manifest:      payload,
	}, nil
}

// Unpack decompresses and deserializes a package back into an
// initialized manifest, carrying over the package's integrity fields
// and, when an embedded certificate is present, the signer token.
func (c *Codec) Unpack(pkg *types.AppletPackage) (*types.AppletManifest, error) {
	raw, err := Decompress(pkg.Manifest)
	if err != nil {
		return nil, err
	}
	m, err := UnmarshalManifest(raw)
	if err != nil {
		return nil, err
	}
	m.Info.Hash = pkg.Meta.Hash
	m.Info.HashAlgorithm = pkg.Meta.HashAlgorithm
	m.Info.Signature = pkg.Meta.Signature
	if len(pkg.Certificate) > 0 {
		if cert, err := x509.ParseCertificate(pkg.Certificate); err == nil {
			m.Info.PublicKeyToken = Thumbprint(cert)
		}
	}
	return m, nil
}

// Load reads a gzip-wrapped package document, trying the plain package
// schema first and the solution schema second. Exactly one of the
// returns is non-nil on success.
func Load(r io.Reader) (*types.AppletPackage, *types.AppletSolution, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	var pkg types.AppletPackage
	if err := xml.Unmarshal(data, &pkg); err == nil {
		return &pkg, nil, nil
	}
	var sln types.AppletSolution
	if err := xml.Unmarshal(data, &sln); err == nil {
		return nil, &sln, nil
	}
	return nil, nil, fmt.Errorf("%w: neither package nor solution schema", ErrFormat)
}

// LoadBytes is Load over an in-memory buffer.
func LoadBytes(data []byte) (*types.AppletPackage, *types.AppletSolution, error) {
	return Load(bytes.NewReader(data))
}

// Save writes a package or solution as a gzip-wrapped XML document.
// v must be *types.AppletPackage or *types.AppletSolution.
func Save(w io.Writer, v any) error {
	switch v.(type) {
	case *types.AppletPackage, *types.AppletSolution:
	default:
		return fmt.Errorf("save: unsupported type %T", v)
	}
	body, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal package: %w", err)
	}
	zw := gzip.NewWriter(w)
	if _, err := zw.Write([]byte(xml.Header)); err != nil {
		return err
	}
	if _, err := zw.Write(body); err != nil {
		return err
	}
	return zw.Close()
}

// SaveBytes is Save into a fresh buffer.
func SaveBytes(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := Save(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Thumbprint returns the hex SHA-256 of a certificate's DER bytes, the
// key the trust store and dependency tokens match on.
func Thumbprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
