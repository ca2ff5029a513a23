package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	ActiveConnections atomic.Int64

	BytesReceived   atomic.Int64
	FramesDecoded   atomic.Int64
	DecodeFailures  atomic.Int64
	UnknownProtocol atomic.Int64

	PositionsCreated  atomic.Int64
	PositionsRejected atomic.Int64
	AlertsRaised      atomic.Int64

	CacheHits   atomic.Int64
	CacheMisses atomic.Int64

	FanoutDrops atomic.Int64
)

func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "geotrack_active_connections %d\n", ActiveConnections.Load())
	fmt.Fprintf(w, "geotrack_bytes_received_total %d\n", BytesReceived.Load())
	fmt.Fprintf(w, "geotrack_frames_decoded_total %d\n", FramesDecoded.Load())
	fmt.Fprintf(w, "geotrack_decode_failures_total %d\n", DecodeFailures.Load())
	fmt.Fprintf(w, "geotrack_unknown_protocol_total %d\n", UnknownProtocol.Load())
	fmt.Fprintf(w, "geotrack_positions_created_total %d\n", PositionsCreated.Load())
	fmt.Fprintf(w, "geotrack_positions_rejected_total %d\n", PositionsRejected.Load())
	fmt.Fprintf(w, "geotrack_alerts_raised_total %d\n", AlertsRaised.Load())
	fmt.Fprintf(w, "geotrack_cache_hits_total %d\n", CacheHits.Load())
	fmt.Fprintf(w, "geotrack_cache_misses_total %d\n", CacheMisses.Load())
	fmt.Fprintf(w, "geotrack_fanout_drops_total %d\n", FanoutDrops.Load())
}
