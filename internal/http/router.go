package httpapi

import (
	"expvar"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fairyhunter13/marketplace-sync/internal/obs"
)

// NewRouter registers HTTP routes and returns the handler with middleware.
func NewRouter(app *App) http.Handler {
	r := mux.NewRouter()
	r.Use(WithMetrics)

	r.HandleFunc("/events", app.postEventsHandler).Methods(http.MethodPost)
	r.HandleFunc("/products", app.listProductsHandler).Methods(http.MethodGet)
	r.HandleFunc("/products/{id}", app.getProductHandler).Methods(http.MethodGet)
	r.HandleFunc("/product-types", app.productTypesHandler).Methods(http.MethodGet)
	r.HandleFunc("/orders", app.listOrdersHandler).Methods(http.MethodGet)
	r.HandleFunc("/reservations", app.listReservationsHandler).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/purchase", app.purchaseHandler).Methods(http.MethodPost)
	api.HandleFunc("/reserve", app.reserveHandler).Methods(http.MethodPost)

	r.HandleFunc("/healthz", app.healthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", obs.MetricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/debug/metrics", app.metricsHandler).Methods(http.MethodGet)
	r.Handle("/debug/vars", expvar.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/openapi.yaml", app.openapiHandler).Methods(http.MethodGet)
	r.HandleFunc("/docs", app.docsHandler).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSONError(w, http.StatusNotFound, "not_found", "")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
	})
	return WithRequestID(WithLogging(r))
}
