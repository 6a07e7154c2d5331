// Package ids generates DownloadId values: sixteen lowercase hex
// characters, globally unique within the engine (spec §3).
package ids

import (
	"encoding/hex"

	uuid "github.com/satori/go.uuid"
)

// New returns a fresh DownloadId.
func New() string {
	u := uuid.NewV4()
	return hex.EncodeToString(u.Bytes())[:16]
}
