package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

const (
	namespace   = "aero_webrtc_room_relay"
	eventsTotal = namespace + "_events_total"
)

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// Gauge is a point-in-time value read on every scrape, such as the number of
// live rooms.
type Gauge struct {
	// Name is appended to the relay's metric namespace.
	Name  string
	Help  string
	Value func() int
}

// PrometheusHandler exposes Metrics in Prometheus' text exposition format as
// a single counter family with an `event` label, followed by one family per
// gauge.
func PrometheusHandler(m *Metrics, gauges ...Gauge) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		writeCounters(w, m.Snapshot())
		for _, g := range gauges {
			name := namespace + "_" + g.Name
			_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, g.Help)
			_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", name)
			_, _ = fmt.Fprintf(w, "%s %d\n", name, g.Value())
		}
	})
}

func writeCounters(w io.Writer, snap map[string]uint64) {
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	_, _ = fmt.Fprintf(w, "# HELP %s Room relay event counters.\n", eventsTotal)
	_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", eventsTotal)
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", eventsTotal, labelEscaper.Replace(k), snap[k])
	}
}
