package study

import "fmt"

// Codec tags the encoding of a fetched payload. The adapter sets it because
// only the adapter knows how the portal serves pixel data; downstream code
// switches on the tag instead of sniffing payload shapes.
type Codec int

const (
	// CodecRaw is an uncompressed pixel buffer.
	CodecRaw Codec = iota

	// CodecDeflate is a zlib-compressed pixel buffer.
	CodecDeflate

	// CodecAESDeflate is an AES-CBC encrypted, zlib-compressed pixel
	// buffer. The descriptor carries the key and IV.
	CodecAESDeflate

	// CodecJPEG2000 is a JPEG 2000 codestream kept as-is and embedded in
	// the output file in encapsulated form.
	CodecJPEG2000
)

var codecNames = map[Codec]string{
	CodecRaw:        "raw",
	CodecDeflate:    "deflate",
	CodecAESDeflate: "aes+deflate",
	CodecJPEG2000:   "jpeg2000",
}

func (c Codec) String() string {
	if name, ok := codecNames[c]; ok {
		return name
	}
	return fmt.Sprintf("codec(%d)", int(c))
}

// ParseCodec converts a codec name from a manifest or config file.
func ParseCodec(name string) (Codec, error) {
	for c, n := range codecNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}

// RawPayload is the fetched bytes of one image before decoding. It is
// discarded once decoded.
type RawPayload struct {
	Data  []byte
	Codec Codec
}

// PixelFrame is a decoded pixel buffer plus the geometry it satisfies. It
// is discarded once the output file is written.
type PixelFrame struct {
	Data            []byte
	Rows            int
	Columns         int
	BitsAllocated   int
	SamplesPerPixel int
	Photometric     string

	// Encapsulated marks frames that remain in a compressed transfer
	// syntax (JPEG 2000) rather than a native buffer.
	Encapsulated bool
}
