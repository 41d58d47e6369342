package content

import (
	"context"

	"github.com/MarkoPoloResearchLab/revoledger/pkg/ledger"
)

// Store persists generated content keyed by (user_id, content_hash, platform).
type Store interface {
	WithContentTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	FindContent(ctx context.Context, userID ledger.UserID, hash ContentHash, platform Platform) (Record, bool, error)
	// InsertContent returns ErrContentConflict when the key already exists.
	InsertContent(ctx context.Context, input Input) (Record, error)
	TouchContent(ctx context.Context, contentID ContentID, updatedUnixUTC int64) error
}
