package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const scrapeTimeout = 10 * time.Second

// metricsHandler serves the collectors in g, or the process-wide registry
// when g is nil. A collector failing mid-scrape is logged and the rest of the
// families are still served. When g can also register collectors, scrapes of
// the endpoint itself are counted in promhttp_metric_handler_requests_total.
func metricsHandler(g prometheus.Gatherer, logger *slog.Logger) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	h := promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorLog:          scrapeLogger{logger},
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
		Timeout:           scrapeTimeout,
	})
	if reg, ok := g.(prometheus.Registerer); ok {
		return promhttp.InstrumentMetricHandler(reg, h)
	}
	return h
}

// scrapeLogger adapts slog to promhttp.Logger.
type scrapeLogger struct{ l *slog.Logger }

func (s scrapeLogger) Println(v ...any) {
	s.l.Warn("metrics scrape error", "error", fmt.Sprint(v...))
}
