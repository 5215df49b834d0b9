// Package codec turns fetched payloads into pixel frames.
//
// The codec is selected by the payload's tag, never by sniffing alone: the
// adapter knows how each portal serves pixel data and labels the payload
// accordingly. A decode failure is local to one image.
package codec

import (
	"bytes"
	"compress/zlib"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"

	"github.com/wxhou/cloud-dicom-downloader/internal/study"
)

// DecodeError reports a payload that could not be turned into a valid
// pixel frame. It never aborts the run.
type DecodeError struct {
	Codec study.Codec
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: decode %s payload: %v", e.Codec, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode converts one payload into a pixel frame satisfying the geometry
// declared by the source. The image descriptor supplies cipher material
// for encrypted codecs.
func Decode(payload *study.RawPayload, img *study.Image) (*study.PixelFrame, error) {
	geom := img.Geometry

	switch payload.Codec {
	case study.CodecRaw:
		return nativeFrame(payload.Data, geom, payload.Codec)

	case study.CodecDeflate:
		data, err := inflate(payload.Data)
		if err != nil {
			return nil, &DecodeError{payload.Codec, err}
		}
		return nativeFrame(data, geom, payload.Codec)

	case study.CodecAESDeflate:
		plain, err := decryptCBC(payload.Data, img.Key, img.IV)
		if err != nil {
			return nil, &DecodeError{payload.Codec, err}
		}
		data, err := inflate(plain)
		if err != nil {
			return nil, &DecodeError{payload.Codec, err}
		}
		return nativeFrame(data, geom, payload.Codec)

	case study.CodecJPEG2000:
		if !isJPEG2000(payload.Data) {
			return nil, &DecodeError{payload.Codec, fmt.Errorf("missing JPEG 2000 signature")}
		}
		return &study.PixelFrame{
			Data:            payload.Data,
			Rows:            geom.Rows,
			Columns:         geom.Columns,
			BitsAllocated:   geom.BitsAllocated,
			SamplesPerPixel: samples(geom),
			Photometric:     geom.Photometric,
			Encapsulated:    true,
		}, nil

	default:
		return nil, &DecodeError{payload.Codec, fmt.Errorf("unsupported codec")}
	}
}

// nativeFrame validates that the decoded byte length matches the declared
// geometry exactly. Any mismatch means the declared dimensions and the
// actual payload disagree and the image cannot be trusted.
func nativeFrame(data []byte, geom study.Geometry, c study.Codec) (*study.PixelFrame, error) {
	if want := geom.BytesPerFrame(); len(data) != want {
		return nil, &DecodeError{c, fmt.Errorf("pixel buffer is %d bytes, geometry %dx%dx%d-bit requires %d",
			len(data), geom.Rows, geom.Columns, geom.BitsAllocated, want)}
	}
	return &study.PixelFrame{
		Data:            data,
		Rows:            geom.Rows,
		Columns:         geom.Columns,
		BitsAllocated:   geom.BitsAllocated,
		SamplesPerPixel: samples(geom),
		Photometric:     geom.Photometric,
	}, nil
}

func samples(geom study.Geometry) int {
	if geom.SamplesPerPixel == 0 {
		return 1
	}
	return geom.SamplesPerPixel
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open zlib stream: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	return out, nil
}

func decryptCBC(data, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher key: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("iv length %d, want %d", len(iv), block.BlockSize())
	}
	if len(data) == 0 || len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a block multiple", len(data))
	}

	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)
	return pkcs7Unpad(plain, block.BlockSize())
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}

// isJPEG2000 accepts both the JP2 container (signature box then ftyp) and
// a bare J2K codestream.
func isJPEG2000(data []byte) bool {
	if len(data) >= 23 && bytes.Equal(data[16:23], []byte("ftypjp2")) {
		return true
	}
	return len(data) >= 4 && bytes.Equal(data[:4], []byte{0xFF, 0x4F, 0xFF, 0x51})
}
