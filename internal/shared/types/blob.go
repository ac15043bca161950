package types

import (
	"encoding/base64"
	"encoding/xml"
)

// Blob is a byte buffer carried through XML as base64 element text.
// Signatures, certificates, and compressed manifest payloads use it so
// package documents stay valid XML.
type Blob []byte

// MarshalXML encodes the blob as a base64 element.
func (b Blob) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if len(b) == 0 {
		return nil
	}
	return e.EncodeElement(base64.StdEncoding.EncodeToString(b), start)
}

// UnmarshalXML decodes a base64 element into the blob.
func (b *Blob) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var s string
	if err := d.DecodeElement(&s, &start); err != nil {
		return err
	}
	if s == "" {
		*b = nil
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	*b = raw
	return nil
}
