package hub

import (
	"sync/atomic"
	"time"

	"github.com/coordhub/hub/pkg/watermark"
)

// epochToTime converts a Unix-seconds timestamp (as accepted on the
// wire for *_since_ts filters) into a time.Time.
func epochToTime(epochSeconds int64) time.Time {
	return time.Unix(epochSeconds, 0).UTC()
}

func readAtomic(v *int64) int64 {
	return atomic.LoadInt64(v)
}

// watermarkNoFallback is the zero-value watermark.Fallback, read as "let
// the clock compute every stream".
func watermarkNoFallback() watermark.Fallback {
	return watermark.Fallback{}
}
