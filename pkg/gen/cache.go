package gen

import (
	"context"
	"errors"
	"io/fs"
)

// Cache remembers the fingerprint last emitted for each generated file.
type Cache interface {
	Lookup(ctx context.Context, path string) (string, bool, error)
	Store(ctx context.Context, path, fingerprint string) error
	Forget(ctx context.Context, path string) error
}

// HeaderCache reads fingerprints from the headers of files already in a
// sink. Store and Forget are no-ops because emitting the file records it.
type HeaderCache struct {
	Sink Sink
}

func (c HeaderCache) Lookup(_ context.Context, path string) (string, bool, error) {
	src, err := c.Sink.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	fp, ok := ReadFingerprint(src)
	return fp, ok, nil
}

func (HeaderCache) Store(context.Context, string, string) error { return nil }
func (HeaderCache) Forget(context.Context, string) error        { return nil }
