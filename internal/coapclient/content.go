package coapclient

import (
	"strings"

	"golang.org/x/text/encoding/ianaindex"
)

// DefaultEncoding is used when neither the response nor the caller names a charset.
const DefaultEncoding = "UTF-8"

// Content is the immutable payload of a successful response.
type Content struct {
	data      []byte
	encoding  string
	mediaType string
}

// NewContent builds a Content. data is copied.
// An empty encoding is replaced by DefaultEncoding; mediaType may be empty.
func NewContent(data []byte, encoding, mediaType string) Content {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return Content{data: buf, encoding: encoding, mediaType: mediaType}
}

// Bytes returns a copy of the raw payload.
func (c Content) Bytes() []byte {
	buf := make([]byte, len(c.data))
	copy(buf, c.data)
	return buf
}

// Len returns the payload size in bytes.
func (c Content) Len() int {
	return len(c.data)
}

// Encoding returns the charset name used to interpret the payload.
func (c Content) Encoding() string {
	return c.encoding
}

// MediaType returns the response media type, or "" when none was declared.
func (c Content) MediaType() string {
	return c.mediaType
}

// String decodes the payload using Encoding.
// Unknown charsets and decode failures fall back to the raw bytes.
func (c Content) String() string {
	if isUTF8(c.encoding) {
		return string(c.data)
	}
	enc, err := ianaindex.IANA.Encoding(c.encoding)
	if err != nil || enc == nil {
		return string(c.data)
	}
	out, err := enc.NewDecoder().Bytes(c.data)
	if err != nil {
		return string(c.data)
	}
	return string(out)
}

func isUTF8(name string) bool {
	n := strings.ToLower(name)
	return n == "utf-8" || n == "utf8"
}
