package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

// NormalizeTopic lowercases topic and sorts its words so that word order and
// spacing do not change the fingerprint.
func NormalizeTopic(topic string) string {
	words := strings.Fields(strings.ToLower(topic))
	sort.Strings(words)
	return strings.Join(words, " ")
}

// Fingerprint derives the cache key for a request. Requests with the same
// normalized topic and tier inside one bucket share a key.
func Fingerprint(topic string, tier models.PlanTier, requestedAt time.Time, bucket time.Duration) string {
	var n int64
	if bucket > 0 {
		n = requestedAt.UTC().UnixNano() / int64(bucket)
	}
	h := sha256.New()
	h.Write([]byte(NormalizeTopic(topic)))
	h.Write([]byte{'|'})
	h.Write([]byte(tier))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(n, 10)))
	return hex.EncodeToString(h.Sum(nil))
}
