package manifest

import (
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/schaermu/patchsync/internal/fingerprint"
	"github.com/schaermu/patchsync/internal/patcherr"
)

// MaxDocumentSize bounds the manifest body read into memory.
const MaxDocumentSize = 64 << 20

// Getter is the transport capability the fetcher needs.
type Getter interface {
	Get(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// Fetch retrieves and parses the remote manifest. Transport failures are
// NETWORK_ERRORs; anything wrong with the payload is a MANIFEST_FORMAT_ERROR.
func Fetch(ctx context.Context, g Getter, manifestURL string, alg fingerprint.Algorithm) (*Snapshot, error) {
	body, err := g.Get(ctx, manifestURL)
	if err != nil {
		if patcherr.KindOf(err) == "" {
			err = patcherr.Network("get", manifestURL, err)
		}
		return nil, err
	}
	defer func() {
		_ = body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(body, MaxDocumentSize+1))
	if err != nil {
		return nil, patcherr.Network("read", manifestURL, err)
	}
	if len(data) > MaxDocumentSize {
		return nil, patcherr.ManifestFormat(manifestURL, "document exceeds %d bytes", MaxDocumentSize)
	}

	format, compressed := DetectFormat(manifestURL)
	if compressed {
		data, err = decompress(data)
		if err != nil {
			return nil, patcherr.ManifestFormat(manifestURL, "zstd: %v", err)
		}
	}

	return Parse(data, format, alg, manifestURL)
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDocumentSize))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return out, nil
}
