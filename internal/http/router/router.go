// Package router exposes Mimic's HTTP surface: the activity websocket,
// prometheus metrics, and small JSON endpoints for observing downloads
// and watch-folder imports.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/hbomb79/Mimic/internal/download"
	"github.com/hbomb79/Mimic/internal/ingest"
	"github.com/hbomb79/Mimic/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = logger.Get("HTTP")

type (
	Config struct {
		Host string `yaml:"host" env:"HTTP_HOST" env-default:"0.0.0.0"`
		Port int    `yaml:"port" env:"HTTP_PORT" env-default:"8080" validate:"min=1,max=65535"`
	}

	SocketUpgrader interface {
		UpgradeToSocket(w http.ResponseWriter, r *http.Request)
	}

	Downloads interface {
		Dashboard() []download.Progress
		Cancel(name string) bool
	}

	Ingests interface {
		GetAllIngests() []*ingest.Item
		GetIngest(id uuid.UUID) *ingest.Item
		ResolveTrouble(id uuid.UUID, method ingest.ResolutionType) error
	}

	// ResolveTroubleRequest is the query of a trouble resolution request.
	ResolveTroubleRequest struct {
		Method string `validate:"required,oneof=retry abort"`
	}

	// CancelDownloadRequest names the in-flight download to cancel.
	CancelDownloadRequest struct {
		Name string `validate:"required,max=255,excludesall=/\\"`
	}

	Router struct {
		config    Config
		validate  *validator.Validate
		mux       *mux.Router
		socket    SocketUpgrader
		downloads Downloads
		ingests   Ingests
	}
)

// New creates the router and registers all routes. The ingests
// dependency is optional, as the watch-folder import may be disabled.
func New(config Config, validate *validator.Validate, socket SocketUpgrader, downloads Downloads, ingests Ingests) *Router {
	router := &Router{
		config:    config,
		validate:  validate,
		mux:       mux.NewRouter(),
		socket:    socket,
		downloads: downloads,
		ingests:   ingests,
	}

	router.mux.HandleFunc("/healthz", router.health).Methods(http.MethodGet)
	router.mux.HandleFunc("/ws", socket.UpgradeToSocket)
	router.mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.mux.PathPrefix("/api").Subrouter()
	api.HandleFunc("/downloads", router.listDownloads).Methods(http.MethodGet)
	api.HandleFunc("/downloads/{name}", router.cancelDownload).Methods(http.MethodDelete)
	api.HandleFunc("/ingests", router.listIngests).Methods(http.MethodGet)
	api.HandleFunc("/ingests/{id}", router.getIngest).Methods(http.MethodGet)
	api.HandleFunc("/ingests/{id}/resolve", router.resolveIngest).Methods(http.MethodPost)

	return router
}

func (router *Router) Handler() http.Handler { return router.mux }

// Run starts the http listener, shutting it down gracefully once
// the context provided is cancelled.
func (router *Router) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", router.config.Host, router.config.Port),
		Handler:           router.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Emit(logger.INFO, "Listening on %s\n", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}

		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		log.Emit(logger.STOP, "HTTP server closed\n")
		return nil
	}
}

func (router *Router) health(w http.ResponseWriter, _ *http.Request) {
	jsonMessage(w, "ok", http.StatusOK)
}

func (router *Router) listDownloads(w http.ResponseWriter, _ *http.Request) {
	jsonMarshal(w, router.downloads.Dashboard())
}

func (router *Router) cancelDownload(w http.ResponseWriter, r *http.Request) {
	request := CancelDownloadRequest{Name: mux.Vars(r)["name"]}
	if err := router.validate.Struct(request); err != nil {
		jsonMessage(w, fmt.Sprintf("Invalid download name: %s", err.Error()), http.StatusBadRequest)
		return
	}

	name := request.Name
	if !router.downloads.Cancel(name) {
		jsonMessage(w, "Download '"+name+"' is not in progress", http.StatusNotFound)
		return
	}

	jsonMessage(w, "Download '"+name+"' cancelled", http.StatusOK)
}

func (router *Router) listIngests(w http.ResponseWriter, _ *http.Request) {
	if router.ingests == nil {
		jsonMarshal(w, []*ingest.Item{})
		return
	}

	jsonMarshal(w, router.ingests.GetAllIngests())
}

func (router *Router) getIngest(w http.ResponseWriter, r *http.Request) {
	id, ok := router.ingestID(w, r)
	if !ok {
		return
	}

	item := router.ingests.GetIngest(id)
	if item == nil {
		jsonMessage(w, "Ingest '"+id.String()+"' cannot be found", http.StatusNotFound)
		return
	}

	jsonMarshal(w, item)
}

func (router *Router) resolveIngest(w http.ResponseWriter, r *http.Request) {
	id, ok := router.ingestID(w, r)
	if !ok {
		return
	}

	request := ResolveTroubleRequest{Method: strings.ToLower(r.URL.Query().Get("method"))}
	if err := router.validate.Struct(request); err != nil {
		jsonMessage(w, fmt.Sprintf("Invalid resolution request: %s", err.Error()), http.StatusBadRequest)
		return
	}

	method := ingest.RETRY
	if request.Method == "abort" {
		method = ingest.ABORT
	}

	if err := router.ingests.ResolveTrouble(id, method); err != nil {
		switch {
		case errors.Is(err, ingest.ErrIngestNotFound):
			jsonMessage(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, ingest.ErrNoTrouble), errors.Is(err, ingest.ErrResolutionIncompatible):
			jsonMessage(w, err.Error(), http.StatusConflict)
		default:
			jsonMessage(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	jsonMessage(w, "Ingest trouble resolved", http.StatusOK)
}

func (router *Router) ingestID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	if router.ingests == nil {
		jsonMessage(w, "Watch-folder import is disabled", http.StatusNotFound)
		return uuid.Nil, false
	}

	raw := mux.Vars(r)["id"]
	id, err := uuid.Parse(raw)
	if err != nil {
		jsonMessage(w, "Ingest ID '"+raw+"' not acceptable - "+err.Error(), http.StatusBadRequest)
		return uuid.Nil, false
	}

	return id, true
}

// jsonMarshal writes the JSON encoding of s to the response.
func jsonMarshal(w http.ResponseWriter, s any) {
	marshalled, err := json.Marshal(s)
	if err != nil {
		jsonMessage(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(marshalled)
}

// jsonMessage writes an error state or simple message to the response
// in the form {status, reason}.
func jsonMessage(w http.ResponseWriter, e string, status int) {
	marshalled, err := json.Marshal(struct {
		Status int    `json:"status"`
		Reason string `json:"reason"`
	}{Status: status, Reason: e})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(marshalled)
}
