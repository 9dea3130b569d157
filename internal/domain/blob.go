package domain

import (
	"context"
	"io"
)

// BlobWriter uploads objects to cold storage (history archival).
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
