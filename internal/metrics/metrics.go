package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/modelrail/mcp2515-sim/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	SPIRxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spi_rx_bytes_total",
		Help: "Total bytes received from the host driver over the SPI link.",
	})
	SPITxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spi_tx_bytes_total",
		Help: "Total response bytes written back over the SPI link.",
	})
	TxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tx_frames_total",
		Help: "Total CAN frames reconstructed from host TX buffer writes.",
	})
	RxInjectedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rx_injected_frames_total",
		Help: "Total CAN frames queued for delivery through RX buffer 0.",
	})
	AckFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cs3_ack_frames_total",
		Help: "Total CS3 acknowledgement frames produced by the dispatcher.",
	})
	SensorEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cs3_sensor_events_total",
		Help: "Total unsolicited sensor-event frames emitted by the poller.",
	})
	IntEdges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "int_line_edges_total",
		Help: "Total interrupt line edges reported to the GPIO consumer.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (protocol violations, invalid length, truncated).",
	})
	TapRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tap_rx_frames_total",
		Help: "Total CAN frames received from tap clients for injection.",
	})
	TapTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tap_tx_frames_total",
		Help: "Total CAN frames broadcast to tap clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by hub due to slow tap clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total tap clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total tap connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of connected tap clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead      = "tcp_read"
	ErrTCPWrite     = "tcp_write"
	ErrHandshake    = "handshake"
	ErrSPILinkRead  = "spi_link_read"
	ErrSPILinkWrite = "spi_link_write"
	ErrGPIOWrite    = "gpio_write"
	ErrGPIOOverflow = "gpio_tx_overflow"
)

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localSPIRx        uint64
	localSPITx        uint64
	localTxFrames     uint64
	localRxInjected   uint64
	localAcks         uint64
	localSensorEvents uint64
	localIntEdges     uint64
	localMalformed    uint64
	localTapRx        uint64
	localTapTx        uint64
	localHubDrop      uint64
	localHubKick      uint64
	localHubReject    uint64
	localErrors       uint64
	localHubClients   uint64
	localFanout       uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	SPIRxBytes   uint64
	SPITxBytes   uint64
	TxFrames     uint64
	RxInjected   uint64
	Acks         uint64
	SensorEvents uint64
	IntEdges     uint64
	Malformed    uint64
	TapRx        uint64
	TapTx        uint64
	HubDrops     uint64
	HubKicks     uint64
	HubRejects   uint64
	Errors       uint64 // sum across error labels
	HubClients   uint64
	Fanout       uint64
}

func Snap() Snapshot {
	return Snapshot{
		SPIRxBytes:   atomic.LoadUint64(&localSPIRx),
		SPITxBytes:   atomic.LoadUint64(&localSPITx),
		TxFrames:     atomic.LoadUint64(&localTxFrames),
		RxInjected:   atomic.LoadUint64(&localRxInjected),
		Acks:         atomic.LoadUint64(&localAcks),
		SensorEvents: atomic.LoadUint64(&localSensorEvents),
		IntEdges:     atomic.LoadUint64(&localIntEdges),
		Malformed:    atomic.LoadUint64(&localMalformed),
		TapRx:        atomic.LoadUint64(&localTapRx),
		TapTx:        atomic.LoadUint64(&localTapTx),
		HubDrops:     atomic.LoadUint64(&localHubDrop),
		HubKicks:     atomic.LoadUint64(&localHubKick),
		HubRejects:   atomic.LoadUint64(&localHubReject),
		Errors:       atomic.LoadUint64(&localErrors),
		HubClients:   atomic.LoadUint64(&localHubClients),
		Fanout:       atomic.LoadUint64(&localFanout),
	}
}

// Wrapper helpers to keep call sites simple.
func AddSPIRx(n int) {
	SPIRxBytes.Add(float64(n))
	atomic.AddUint64(&localSPIRx, uint64(n))
}

func AddSPITx(n int) {
	SPITxBytes.Add(float64(n))
	atomic.AddUint64(&localSPITx, uint64(n))
}

func IncTxFrame() {
	TxFrames.Inc()
	atomic.AddUint64(&localTxFrames, 1)
}

func IncRxInjected() {
	RxInjectedFrames.Inc()
	atomic.AddUint64(&localRxInjected, 1)
}

func IncAck() {
	AckFrames.Inc()
	atomic.AddUint64(&localAcks, 1)
}

func IncSensorEvent() {
	SensorEvents.Inc()
	atomic.AddUint64(&localSensorEvents, 1)
}

func IncIntEdge() {
	IntEdges.Inc()
	atomic.AddUint64(&localIntEdges, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncTapRx() {
	TapRxFrames.Inc()
	atomic.AddUint64(&localTapRx, 1)
}

func AddTapTx(n int) {
	TapTxFrames.Add(float64(n))
	atomic.AddUint64(&localTapTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrSPILinkRead, ErrSPILinkWrite, ErrGPIOWrite, ErrGPIOOverflow,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
