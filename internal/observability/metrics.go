package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	httpRequestsTotal     *prometheus.CounterVec
	httpLatencySeconds    *prometheus.HistogramVec
	httpErrorsTotal       *prometheus.CounterVec
	seatsOccupiedTotal    *prometheus.CounterVec
	seatsReleasedTotal    *prometheus.CounterVec
	licensesCreatedTotal  *prometheus.CounterVec
	eventsExportedTotal   *prometheus.CounterVec
	permissionRequestsSec prometheus.Histogram
	permissionsRequests   prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors of the licensing service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "licensing_requests_total",
			Help: "Total number of licensing API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "licensing_latency_seconds",
			Help:    "Latency distribution for licensing API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "licensing_errors_total",
			Help: "Total number of error responses returned by licensing endpoints.",
		}, []string{"method", "route", "status"})

		seatsOccupiedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "licensing_seats_occupied_total",
			Help: "Seats occupied by the permission flow.",
		}, []string{"product_eid"})

		seatsReleasedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "licensing_seats_released_total",
			Help: "Seats released during revalidation, by resulting status.",
		}, []string{"status"})

		licensesCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "licensing_licenses_created_total",
			Help: "Licenses created, by creation flow.",
		}, []string{"flow"})

		eventsExportedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "licensing_events_exported_total",
			Help: "Event log entries handled by the export job, by result.",
		}, []string{"result"})

		permissionRequestsSec = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "licensing_permission_request_seconds",
			Help:    "Duration of the seat allocation transaction.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		})

		permissionsRequests = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "licensing_permissions_requests_total",
			Help: "Total number of resolved permission requests.",
		})

		prometheus.MustRegister(
			httpRequestsTotal,
			httpLatencySeconds,
			httpErrorsTotal,
			seatsOccupiedTotal,
			seatsReleasedTotal,
			licensesCreatedTotal,
			eventsExportedTotal,
			permissionRequestsSec,
			permissionsRequests,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// SeatsOccupied counts newly occupied seats per product.
func SeatsOccupied() *prometheus.CounterVec {
	RegisterMetrics()
	return seatsOccupiedTotal
}

// SeatsReleased counts released seats per status.
func SeatsReleased() *prometheus.CounterVec {
	RegisterMetrics()
	return seatsReleasedTotal
}

// LicensesCreated counts created licenses per flow (admin, trial, purchase).
func LicensesCreated() *prometheus.CounterVec {
	RegisterMetrics()
	return licensesCreatedTotal
}

// EventsExported counts export job results (exported, skipped, failed).
func EventsExported() *prometheus.CounterVec {
	RegisterMetrics()
	return eventsExportedTotal
}

// PermissionRequestDuration observes seat allocation durations.
func PermissionRequestDuration() prometheus.Histogram {
	RegisterMetrics()
	return permissionRequestsSec
}

// PermissionsRequests counts resolved permission requests.
func PermissionsRequests() prometheus.Counter {
	RegisterMetrics()
	return permissionsRequests
}
