// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress turns a serialized batch into a transport-safe
// string.
//
// Encode never fails. It tries the configured codec and base64s the
// result; if that fails it base64s the uncompressed text; if even that
// fails it hands back the text unchanged. The Encoding in the result
// says which step produced the payload, so the collector always knows
// how to read it.
package compress

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"go.uber.org/zap"
)

// Codec names a compression algorithm.
type Codec string

const (
	Gzip Codec = "gzip"
	Zstd Codec = "zstd"
	LZ4  Codec = "lz4"
)

// ParseCodec validates a codec name.
func ParseCodec(name string) (Codec, error) {
	switch codec := Codec(name); codec {
	case Gzip, Zstd, LZ4:
		return codec, nil
	default:
		return "", fmt.Errorf("compress: unknown codec %q", name)
	}
}

// Encoding describes how a payload was produced.
type Encoding string

const (
	// EncodingIdentity is the original JSON text.
	EncodingIdentity Encoding = "identity"

	// EncodingBase64 is the JSON text, base64 encoded.
	EncodingBase64 Encoding = "base64"
)

// compressedEncoding returns the encoding for a codec's base64 output,
// e.g. "gzip+base64".
func compressedEncoding(codec Codec) Encoding {
	return Encoding(string(codec) + "+base64")
}

// Result is the output of Encode.
type Result struct {
	Payload  string
	Encoding Encoding
}

// Compressed reports whether a codec was applied.
func (r Result) Compressed() bool {
	return r.Encoding != EncodingIdentity && r.Encoding != EncodingBase64
}

// Transformed reports whether Payload differs from the input text.
func (r Result) Transformed() bool { return r.Encoding != EncodingIdentity }

// Adapter encodes batches with one codec. Safe for concurrent use.
type Adapter struct {
	enabled  bool
	codec    Codec
	logger   *zap.Logger
	compress func([]byte) ([]byte, error)
	toBase64 func([]byte) (string, error)
}

// New returns an adapter for codec. With enabled false, Encode returns
// the text unchanged.
func New(enabled bool, codec Codec, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	adapter := &Adapter{
		enabled:  enabled,
		codec:    codec,
		logger:   logger,
		toBase64: func(data []byte) (string, error) { return base64.StdEncoding.EncodeToString(data), nil },
	}
	switch codec {
	case Zstd:
		adapter.compress = compressZstd
	case LZ4:
		adapter.compress = compressLZ4
	default:
		adapter.codec = Gzip
		adapter.compress = compressGzip
	}
	return adapter
}

// Codec returns the adapter's codec.
func (a *Adapter) Codec() Codec { return a.codec }

// Encode returns the strongest encoding of text that succeeds.
func (a *Adapter) Encode(text []byte) Result {
	if !a.enabled {
		return Result{Payload: string(text), Encoding: EncodingIdentity}
	}

	compressed, err := a.safeCompress(text)
	if err == nil {
		var payload string
		if payload, err = a.safeBase64(compressed); err == nil {
			return Result{Payload: payload, Encoding: compressedEncoding(a.codec)}
		}
	}
	a.logger.Warn("compression failed, sending uncompressed",
		zap.String("codec", string(a.codec)),
		zap.Error(err),
	)

	payload, err := a.safeBase64(text)
	if err == nil {
		return Result{Payload: payload, Encoding: EncodingBase64}
	}
	a.logger.Warn("base64 encoding failed, sending raw text", zap.Error(err))

	return Result{Payload: string(text), Encoding: EncodingIdentity}
}

func (a *Adapter) safeCompress(text []byte) (compressed []byte, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%s codec panicked: %v", a.codec, recovered)
		}
	}()
	return a.compress(text)
}

func (a *Adapter) safeBase64(data []byte) (encoded string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("base64 panicked: %v", recovered)
		}
	}()
	return a.toBase64(data)
}

// Decode reverses Encode for any encoding this package produces.
func Decode(result Result) ([]byte, error) {
	switch result.Encoding {
	case EncodingIdentity:
		return []byte(result.Payload), nil
	case EncodingBase64:
		return base64.StdEncoding.DecodeString(result.Payload)
	}

	raw, err := base64.StdEncoding.DecodeString(result.Payload)
	if err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	switch result.Encoding {
	case compressedEncoding(Gzip):
		reader, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("compress: gzip: %w", err)
		}
		defer reader.Close()
		return io.ReadAll(reader)
	case compressedEncoding(Zstd):
		return zstdDecoder.DecodeAll(raw, nil)
	case compressedEncoding(LZ4):
		return io.ReadAll(lz4.NewReader(bytes.NewReader(raw)))
	default:
		return nil, fmt.Errorf("compress: unknown encoding %q", result.Encoding)
	}
}

func compressGzip(text []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer := gzip.NewWriter(&buffer)
	if _, err := writer.Write(text); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buffer.Bytes(), nil
}

// zstdEncoder and zstdDecoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(text []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(text, nil), nil
}

// compressLZ4 writes an LZ4 frame so the reader needs no side channel
// for the uncompressed size.
func compressLZ4(text []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer := lz4.NewWriter(&buffer)
	if _, err := writer.Write(text); err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	return buffer.Bytes(), nil
}
