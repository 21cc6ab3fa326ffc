package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"unicode"

	"github.com/klauspost/compress/zstd"

	"horse.fit/clearoid/internal/globaltime"
)

// ErrNotArchived is returned by Get for unknown keys and by NopArchive.
var ErrNotArchived = errors.New("archive object not found")

// Archive keeps a compressed copy of every uploaded batch file.
type Archive interface {
	// Put stores data and returns the key it can be fetched back with.
	Put(ctx context.Context, fingerprint, filename string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// NopArchive discards uploads.
type NopArchive struct{}

func (NopArchive) Put(context.Context, string, string, []byte) (string, error) { return "", nil }

func (NopArchive) Get(_ context.Context, key string) ([]byte, error) {
	return nil, fmt.Errorf("%s: %w", key, ErrNotArchived)
}

// objectKey partitions archives by upload month:
// batches/2026/02/<fingerprint>-<filename>.zst
func objectKey(fingerprint, filename string) string {
	now := globaltime.UTC()
	name := sanitizeFilename(filename)
	if name == "" {
		name = "upload"
	}
	return path.Join(
		"batches",
		now.Format("2006"),
		now.Format("01"),
		fmt.Sprintf("%s-%s.zst", fingerprint, name),
	)
}

func sanitizeFilename(filename string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), `\`, "/"))
	if base == "." || base == "/" {
		return ""
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), ".")
}

var (
	encoderPool sync.Pool
	decoderPool sync.Pool
)

func compress(data []byte) []byte {
	enc, _ := encoderPool.Get().(*zstd.Encoder)
	if enc == nil {
		enc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	}
	defer encoderPool.Put(enc)
	return enc.EncodeAll(data, make([]byte, 0, len(data)/3))
}

func decompress(data []byte) ([]byte, error) {
	dec, _ := decoderPool.Get().(*zstd.Decoder)
	if dec == nil {
		var err error
		dec, err = zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
	}
	defer decoderPool.Put(dec)

	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress archive: %w", err)
	}
	return out, nil
}
