package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"omnigate/internal/domain"
	"omnigate/internal/service"
)

// Messages is the agent-facing outbound service.
type Messages interface {
	Create(ctx context.Context, req service.SendRequest) (service.CreateResponse, error)
	Get(ctx context.Context, id string) (domain.Message, error)
	CloseThread(ctx context.Context, id string) (domain.Thread, error)
}

type API struct {
	Svc Messages
	// Realtime serves /v1/ws when set.
	Realtime http.Handler
	Log      *slog.Logger
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/messages", a.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/{id}", a.handleGetMessage).Methods(http.MethodGet)
	r.HandleFunc("/v1/threads/{id}/close", a.handleCloseThread).Methods(http.MethodPost)
	if a.Realtime != nil {
		r.Handle("/v1/ws", a.Realtime).Methods(http.MethodGet)
	}
}

func (a *API) logger() *slog.Logger {
	if a.Log == nil {
		return slog.Default()
	}
	return a.Log
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	var req service.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	resp, err := a.Svc.Create(r.Context(), req)
	if err != nil {
		writeError(w, a.logger(), "create outbound message failed", err,
			"account_id", req.AccountID,
			"idempotency_key", req.IdempotencyKey,
		)
		return
	}

	status := http.StatusAccepted
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	msg, err := a.Svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, a.logger(), "get message failed", err, "id", id)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) handleCloseThread(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	th, err := a.Svc.CloseThread(r.Context(), id)
	if err != nil {
		writeError(w, a.logger(), "close thread failed", err, "thread_id", id)
		return
	}
	writeJSON(w, http.StatusOK, th)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
