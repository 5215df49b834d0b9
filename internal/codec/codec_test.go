package codec

import (
	"bytes"
	"compress/zlib"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"strings"
	"testing"

	"github.com/wxhou/cloud-dicom-downloader/internal/study"
)

func grayGeometry(rows, cols, bits int) study.Geometry {
	return study.Geometry{
		Rows:          rows,
		Columns:       cols,
		BitsAllocated: bits,
		Photometric:   "MONOCHROME2",
	}
}

func frameData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return data
}

func deflate(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("deflate: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("deflate close: %v", err)
	}
	return buf.Bytes()
}

func encryptCBC(t *testing.T, plain, key, iv []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	pad := block.BlockSize() - len(plain)%block.BlockSize()
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func TestDecodeRaw(t *testing.T) {
	geom := grayGeometry(8, 8, 8)
	data := frameData(64)

	frame, err := Decode(&study.RawPayload{Data: data, Codec: study.CodecRaw}, &study.Image{Geometry: geom})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(frame.Data, data) {
		t.Error("frame data differs from payload")
	}
	if frame.Encapsulated {
		t.Error("raw frame must not be encapsulated")
	}
	if frame.SamplesPerPixel != 1 {
		t.Errorf("expected samples per pixel 1, got %d", frame.SamplesPerPixel)
	}
}

func TestDecodeRaw16Bit(t *testing.T) {
	geom := grayGeometry(4, 4, 16)
	data := frameData(32) // 2 bytes per pixel

	frame, err := Decode(&study.RawPayload{Data: data, Codec: study.CodecRaw}, &study.Image{Geometry: geom})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if frame.BitsAllocated != 16 {
		t.Errorf("expected 16 bits allocated, got %d", frame.BitsAllocated)
	}
}

func TestDecodeRawSizeMismatch(t *testing.T) {
	geom := grayGeometry(8, 8, 8)

	_, err := Decode(&study.RawPayload{Data: frameData(63), Codec: study.CodecRaw}, &study.Image{Geometry: geom})
	if err == nil {
		t.Fatal("expected error for truncated frame")
	}
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DecodeError, got %T", err)
	}
	if !strings.Contains(err.Error(), "63") {
		t.Errorf("expected actual size in error, got %q", err)
	}
}

func TestDecodeDeflate(t *testing.T) {
	geom := grayGeometry(8, 8, 8)
	data := frameData(64)

	frame, err := Decode(&study.RawPayload{Data: deflate(t, data), Codec: study.CodecDeflate}, &study.Image{Geometry: geom})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(frame.Data, data) {
		t.Error("inflated frame differs from original")
	}
}

func TestDecodeDeflateGarbage(t *testing.T) {
	geom := grayGeometry(8, 8, 8)

	_, err := Decode(&study.RawPayload{Data: []byte("not zlib"), Codec: study.CodecDeflate}, &study.Image{Geometry: geom})
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
}

func TestDecodeAESDeflate(t *testing.T) {
	geom := grayGeometry(8, 8, 8)
	data := frameData(64)
	key := frameData(32)
	iv := frameData(16)

	payload := encryptCBC(t, deflate(t, data), key, iv)
	img := &study.Image{Geometry: geom, Key: key, IV: iv}

	frame, err := Decode(&study.RawPayload{Data: payload, Codec: study.CodecAESDeflate}, img)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(frame.Data, data) {
		t.Error("decrypted frame differs from original")
	}
}

func TestDecodeAESWrongKey(t *testing.T) {
	geom := grayGeometry(8, 8, 8)
	data := frameData(64)
	key := frameData(32)
	iv := frameData(16)

	payload := encryptCBC(t, deflate(t, data), key, iv)
	wrongKey := append([]byte{}, key...)
	wrongKey[0] ^= 0xFF
	img := &study.Image{Geometry: geom, Key: wrongKey, IV: iv}

	if _, err := Decode(&study.RawPayload{Data: payload, Codec: study.CodecAESDeflate}, img); err == nil {
		t.Fatal("expected error for wrong key")
	}
}

func TestDecodeJPEG2000Codestream(t *testing.T) {
	geom := grayGeometry(8, 8, 8)
	data := append([]byte{0xFF, 0x4F, 0xFF, 0x51}, frameData(32)...)

	frame, err := Decode(&study.RawPayload{Data: data, Codec: study.CodecJPEG2000}, &study.Image{Geometry: geom})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !frame.Encapsulated {
		t.Error("JPEG 2000 frame must be encapsulated")
	}
	if !bytes.Equal(frame.Data, data) {
		t.Error("codestream must be kept verbatim")
	}
}

func TestDecodeJPEG2000Container(t *testing.T) {
	geom := grayGeometry(8, 8, 8)
	data := make([]byte, 64)
	copy(data[16:], "ftypjp2")

	frame, err := Decode(&study.RawPayload{Data: data, Codec: study.CodecJPEG2000}, &study.Image{Geometry: geom})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !frame.Encapsulated {
		t.Error("JP2 container must be encapsulated")
	}
}

func TestDecodeJPEG2000BadSignature(t *testing.T) {
	geom := grayGeometry(8, 8, 8)

	_, err := Decode(&study.RawPayload{Data: frameData(64), Codec: study.CodecJPEG2000}, &study.Image{Geometry: geom})
	if err == nil {
		t.Fatal("expected error for missing signature")
	}
}
