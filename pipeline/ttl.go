package pipeline

import (
	"fmt"
	"time"
)

// TTLForLatency picks a cache lifetime from the origin latency: the slower
// the origin, the longer a copy is kept.
func TTLForLatency(latency time.Duration) time.Duration {
	switch {
	case latency < 200*time.Millisecond:
		return time.Minute
	case latency < 800*time.Millisecond:
		return 5 * time.Minute
	case latency < 3*time.Second:
		return 10 * time.Minute
	default:
		return 30 * time.Minute
	}
}

// cacheControl builds the Cache-Control value that lets an edge cache in
// front of the proxy keep the response for seconds.
func cacheControl(seconds int64) string {
	return fmt.Sprintf("public, s-maxage=%d, stale-while-revalidate=%d", seconds, seconds)
}
