package types

import (
	"encoding/xml"
	"time"
)

// PackageFormatVersion is the current on-disk package format revision.
const PackageFormatVersion = 2

// AppletPackage is the on-disk unit: the compressed manifest payload
// plus metadata mirrored from the manifest's info block. The payload is
// an LZMA stream of the manifest XML; the digest and signature in Meta
// cover the payload bytes as stored.
type AppletPackage struct {
	XMLName       xml.Name   `xml:"appletPackage" json:"-"`
	FormatVersion int        `xml:"formatVersion,attr" json:"formatVersion"`
	PublishedAt   time.Time  `xml:"publishedAt,attr,omitempty" json:"publishedAt,omitzero"`
	Meta          AppletInfo `xml:"meta" json:"meta"`
	Manifest      Blob       `xml:"manifest,omitempty" json:"manifest,omitempty"`
	Certificate   Blob       `xml:"certificate,omitempty" json:"certificate,omitempty"`
	Settings      []Setting  `xml:"initialSettings>setting,omitempty" json:"settings,omitempty"`
}

// Signed reports whether the package carries a signature.
func (p *AppletPackage) Signed() bool {
	return len(p.Meta.Signature) > 0
}

// AppletSolution is a package bundling an ordered list of nested applet
// packages installed together as a unit. Its digest is computed over the
// concatenation of the nested manifest payloads rather than its own.
type AppletSolution struct {
	XMLName       xml.Name        `xml:"appletSolution" json:"-"`
	FormatVersion int             `xml:"formatVersion,attr" json:"formatVersion"`
	PublishedAt   time.Time       `xml:"publishedAt,attr,omitempty" json:"publishedAt,omitzero"`
	Meta          AppletInfo      `xml:"meta" json:"meta"`
	Certificate   Blob            `xml:"certificate,omitempty" json:"certificate,omitempty"`
	Settings      []Setting       `xml:"initialSettings>setting,omitempty" json:"settings,omitempty"`
	Packages      []AppletPackage `xml:"packages>appletPackage" json:"packages"`
}

// Signed reports whether the solution carries a signature.
func (s *AppletSolution) Signed() bool {
	return len(s.Meta.Signature) > 0
}

// Payloads returns the nested manifest payloads in declaration order,
// the buffers the solution digest and signature cover.
func (s *AppletSolution) Payloads() [][]byte {
	buffers := make([][]byte, len(s.Packages))
	for i := range s.Packages {
		buffers[i] = s.Packages[i].Manifest
	}
	return buffers
}
