// Package content is the narrow contract to the content-addressed network
// plus the decorators layered over it.
package content

import (
	"context"
	"encoding/json"
	"fmt"

	"quorumchain/pkg/canonical"
	"quorumchain/pkg/fault"
	"quorumchain/pkg/types"
)

// Store uploads bytes and returns their content identifier, and downloads
// bytes by identifier. Uploading identical bytes twice yields the same id.
// Failures are reported as *fault.StorageError.
type Store interface {
	Upload(ctx context.Context, data []byte) (types.ContentID, error)
	Download(ctx context.Context, id types.ContentID) ([]byte, error)
}

// UploadJSON stores the canonical JSON encoding of v.
func UploadJSON(ctx context.Context, s Store, v any) (types.ContentID, error) {
	data, err := canonical.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return s.Upload(ctx, data)
}

// DownloadJSON fetches id and decodes it into v.
func DownloadJSON(ctx context.Context, s Store, id types.ContentID, v any) error {
	data, err := s.Download(ctx, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fault.Storage("decode "+string(id), err)
	}
	return nil
}
