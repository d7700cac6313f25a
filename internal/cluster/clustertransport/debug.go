package clustertransport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusFunc produces the payload served at GET /debug/cluster. It is
// supplied by the Manager so this package stays free of a dependency on
// the manager package (avoiding the cyclic-ownership pattern the spec
// warns the router away from).
type StatusFunc func() any

// NewDebugRouter builds the small operator/debug HTTP surface described in
// SPEC_FULL.md section 6, mirroring the teacher's small closures returning
// http.HandlerFunc for introspection endpoints (ReadyzHandler style).
func NewDebugRouter(status StatusFunc) http.Handler {
	r := chi.NewRouter()
	r.Get("/debug/cluster", debugClusterHandler(status))
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func debugClusterHandler(status StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
