package index

import (
	"database/sql"
	"time"

	"github.com/dl-alexandre/cloudstream/internal/types"
)

// RemoteRecord is a row of the remotes table
type RemoteRecord struct {
	types.RemoteConnection
	// Removing is set while a remove cascade is in progress
	Removing bool
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 == 0 {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}
