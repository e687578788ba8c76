// Package suppress provides a short-TTL cache used to debounce duplicate
// SPMR replies: when several receivers independently notice a source has
// gone quiet, each multicasts its own SPMR within a short window of the
// others, but the source only needs to answer once.
package suppress

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// SpmrSuppressor debounces outbound SPM replies to SPMR bursts, one flag
// per source TSI.
type SpmrSuppressor struct {
	inner *cache.Cache
}

// NewSpmrSuppressor builds a suppressor whose debounce flags expire after
// window, after which the next SPMR for that TSI is answered again.
func NewSpmrSuppressor(window, cleanupInterval time.Duration) *SpmrSuppressor {
	return &SpmrSuppressor{inner: cache.New(window, cleanupInterval)}
}

// ShouldReply reports whether an SPM should be emitted for this SPMR, i.e.
// no other SPMR for the same tsi was answered within the debounce window.
// It atomically arms the flag as a side effect, so concurrent callers for
// the same tsi only ever see one true.
func (s *SpmrSuppressor) ShouldReply(tsi [8]byte) bool {
	return s.inner.Add(string(tsi[:]), struct{}{}, cache.DefaultExpiration) == nil
}
