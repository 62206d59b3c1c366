package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway bundles the request-path collectors. All methods are safe on a nil
// receiver, which is what NewGateway returns when metrics are disabled.
type Gateway struct {
	inProgress       prometheus.Gauge
	responseTime     prometheus.Histogram
	waitForAuth      prometheus.Histogram
	transferStore    prometheus.Histogram
	transferRetrieve prometheus.Histogram
	transferDelete   prometheus.Histogram
	accessDenied     prometheus.Counter
	authCacheHits    prometheus.Counter
	authCacheSets    prometheus.Counter
	trafficResponse  prometheus.Counter
	trafficRequest   prometheus.Counter
	openWebsockets   prometheus.Gauge
	websocketTime    prometheus.Histogram
	openPubSub       prometheus.Gauge
	published        prometheus.Counter
	errorResponses   *prometheus.CounterVec
}

// NewGateway registers the gateway collectors, or returns nil when metrics
// are disabled.
func NewGateway() *Gateway {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &Gateway{
		inProgress: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "block_in_progress_requests",
			Help: "Number of requests that are in progress",
		}),
		responseTime: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "block_response_time",
			Help: "Time to respond to a request",
		}),
		waitForAuth: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "block_wait_for_auth",
			Help: "Time spent waiting for answers from the auth resource",
		}),
		transferStore: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "block_wait_for_transfer_store",
			Help: "Time spent storing a file",
		}),
		transferRetrieve: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "block_wait_for_transfer_retrieve",
			Help: "Time spent retrieving a file",
		}),
		transferDelete: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "block_wait_for_transfer_delete",
			Help: "Time spent deleting a file",
		}),
		accessDenied: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "block_access_denied",
			Help: "Number of requests that received a 403",
		}),
		authCacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "block_auth_cache_hits",
			Help: "Number of cache hits for auth requests",
		}),
		authCacheSets: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "block_auth_cache_sets",
			Help: "Number of cache sets for auth requests",
		}),
		trafficResponse: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "block_traffic_response",
			Help: "Download traffic in bytes",
		}),
		trafficRequest: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "block_traffic_request",
			Help: "Upload traffic in bytes",
		}),
		openWebsockets: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "block_open_websockets",
			Help: "Number of open websocket subscriptions",
		}),
		websocketTime: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "block_websocket_duration",
			Help:    "Lifetime of websocket subscriptions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		openPubSub: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "block_open_pubsub_connections",
			Help: "Number of broker connections held by subscriptions",
		}),
		published: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "block_pubsub_published",
			Help: "Number of change events published to the broker",
		}),
		errorResponses: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "block_error_responses",
			Help: "Number of error responses by status code",
		}, []string{"status"}),
	}
}

func (g *Gateway) RequestStarted() {
	if g != nil {
		g.inProgress.Inc()
	}
}

func (g *Gateway) RequestFinished(seconds float64) {
	if g != nil {
		g.inProgress.Dec()
		g.responseTime.Observe(seconds)
	}
}

func (g *Gateway) ObserveAuthWait(seconds float64) {
	if g != nil {
		g.waitForAuth.Observe(seconds)
	}
}

func (g *Gateway) ObserveStore(seconds float64) {
	if g != nil {
		g.transferStore.Observe(seconds)
	}
}

func (g *Gateway) ObserveRetrieve(seconds float64) {
	if g != nil {
		g.transferRetrieve.Observe(seconds)
	}
}

func (g *Gateway) ObserveDelete(seconds float64) {
	if g != nil {
		g.transferDelete.Observe(seconds)
	}
}

func (g *Gateway) AccessDenied() {
	if g != nil {
		g.accessDenied.Inc()
	}
}

func (g *Gateway) AuthCacheHit() {
	if g != nil {
		g.authCacheHits.Inc()
	}
}

func (g *Gateway) AuthCacheSet() {
	if g != nil {
		g.authCacheSets.Inc()
	}
}

func (g *Gateway) AddDownloadTraffic(bytes int64) {
	if g != nil && bytes > 0 {
		g.trafficResponse.Add(float64(bytes))
	}
}

func (g *Gateway) AddUploadTraffic(bytes int64) {
	if g != nil && bytes > 0 {
		g.trafficRequest.Add(float64(bytes))
	}
}

func (g *Gateway) WebsocketOpened() {
	if g != nil {
		g.openWebsockets.Inc()
	}
}

func (g *Gateway) WebsocketClosed(seconds float64) {
	if g != nil {
		g.openWebsockets.Dec()
		g.websocketTime.Observe(seconds)
	}
}

func (g *Gateway) PubSubOpened() {
	if g != nil {
		g.openPubSub.Inc()
	}
}

func (g *Gateway) Published() {
	if g != nil {
		g.published.Inc()
	}
}

func (g *Gateway) PubSubClosed() {
	if g != nil {
		g.openPubSub.Dec()
	}
}

func (g *Gateway) ErrorResponse(status int) {
	if g != nil && status >= 400 {
		g.errorResponses.WithLabelValues(strconv.Itoa(status)).Inc()
	}
}
