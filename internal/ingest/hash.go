package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ComputeSessionHash derives the server-side session fingerprint from
// trusted inputs only. The per-user salt makes hashes unforgeable
// without a database compromise, so this value, never anything the
// client claims, is the sole dedup and anti-replay key.
func ComputeSessionHash(userID, userSalt string, input, output, cacheCreation, cacheRead int64, modelName string, endedAt time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%d|%d|%d|%s|%d",
		userID, userSalt,
		input, output, cacheCreation, cacheRead,
		modelName, endedAt.UTC().Unix(),
	)
	return hex.EncodeToString(h.Sum(nil))
}
