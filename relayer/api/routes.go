package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// apiPrefix is registered on the root router rather than a subrouter so a
// known path with the wrong method answers 405.
const apiPrefix = "/api/v1"

// setupRoutes configures all HTTP routes for the API server
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc(apiPrefix+"/requests/{id}", s.handleRequest).Methods(http.MethodGet)
	r.HandleFunc(apiPrefix+"/requests/{id}/retry", s.handleRetry).Methods(http.MethodPost)
	r.HandleFunc(apiPrefix+"/retrievals/{id}", s.handleRetrieval).Methods(http.MethodGet)
	r.HandleFunc(apiPrefix+"/receipts/{id}", s.handleReceipt).Methods(http.MethodGet)
	r.HandleFunc(apiPrefix+"/uploads/{id}", s.handleUpload).Methods(http.MethodPut)
	r.HandleFunc(apiPrefix+"/fees/estimate", s.handleFeeEstimate).Methods(http.MethodGet)

	return r
}
