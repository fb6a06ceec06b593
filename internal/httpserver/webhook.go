package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"omnigate/internal/channels"
	"omnigate/internal/domain"
	"omnigate/internal/ingest"
	"omnigate/internal/observability"
	"omnigate/internal/signature"
)

type AccountStore interface {
	GetAccount(ctx context.Context, id string) (domain.ChannelAccount, error)
}

// Ingester takes a verified delivery: the queue producer, or the
// processor itself when deliveries are handled inline.
type Ingester interface {
	Ingest(ctx context.Context, d ingest.Delivery) error
}

// Webhook is the platform-facing surface. It authenticates deliveries and
// hands them on; parsing and persistence happen behind the Ingester.
type Webhook struct {
	Accounts     AccountStore
	Adapters     *channels.Registry
	Opener       channels.Opener
	Ingester     Ingester
	MaxBodyBytes int64
	Log          *slog.Logger
	Now          func() time.Time
}

func (wh *Webhook) Register(r *mux.Router) {
	r.HandleFunc("/v1/webhooks/{channel}/{account}", wh.handleChallenge).Methods(http.MethodGet)
	r.HandleFunc("/v1/webhooks/{channel}/{account}", wh.handleDelivery).Methods(http.MethodPost)
}

func (wh *Webhook) logger() *slog.Logger {
	if wh.Log == nil {
		return slog.Default()
	}
	return wh.Log
}

func (wh *Webhook) now() time.Time {
	if wh.Now == nil {
		return time.Now().UTC()
	}
	return wh.Now().UTC()
}

// account resolves the path to an account whose channel supports signed
// webhooks. It writes the response itself when it returns false.
func (wh *Webhook) account(w http.ResponseWriter, r *http.Request) (channels.Account, channels.Verifier, bool) {
	vars := mux.Vars(r)
	ch := domain.Channel(vars["channel"])
	adapter, err := wh.Adapters.Get(ch)
	if err != nil {
		http.Error(w, ErrUnknownChannel, http.StatusNotFound)
		return channels.Account{}, nil, false
	}
	verifier, ok := adapter.(channels.Verifier)
	if !ok {
		http.Error(w, ErrUnknownChannel, http.StatusNotFound)
		return channels.Account{}, nil, false
	}

	meta, err := wh.Accounts.GetAccount(r.Context(), vars["account"])
	if err == nil && meta.Channel != ch {
		err = domain.ErrNotFound
	}
	if err != nil {
		writeError(w, wh.logger(), "webhook account lookup failed", err, "account_id", vars["account"])
		return channels.Account{}, nil, false
	}
	acct, err := channels.OpenAccount(wh.Opener, meta)
	if err != nil {
		wh.logger().Error("webhook credentials unreadable", "err", err, "account_id", meta.ID)
		http.Error(w, ErrDependency, http.StatusInternalServerError)
		return channels.Account{}, nil, false
	}
	return acct, verifier, true
}

// handleChallenge answers the platform's subscription handshake.
func (wh *Webhook) handleChallenge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode, token, challenge := q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge")
	if mode == "" || token == "" || challenge == "" {
		http.Error(w, ErrBadChallenge, http.StatusBadRequest)
		return
	}
	acct, verifier, ok := wh.account(w, r)
	if !ok {
		return
	}
	want := verifier.VerifyToken(acct)
	if mode != "subscribe" || want == "" || token != want {
		wh.logger().Warn("webhook verification rejected", "account_id", acct.Meta.ID, "mode", mode)
		http.Error(w, ErrForbidden, http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

func (wh *Webhook) handleDelivery(w http.ResponseWriter, r *http.Request) {
	if wh.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, wh.MaxBodyBytes)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, ErrBodyTooLarge, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	acct, verifier, ok := wh.account(w, r)
	if !ok {
		return
	}
	ch := acct.Meta.Channel
	if !verifier.VerifyDelivery(acct, body, r.Header.Get(signature.Header)) {
		observability.SignatureRejections.WithLabelValues(string(ch)).Inc()
		wh.logger().Warn("webhook signature rejected",
			"account_id", acct.Meta.ID,
			"channel", ch,
			"remote", r.RemoteAddr,
		)
		http.Error(w, ErrInvalidSignature, http.StatusForbidden)
		return
	}

	d := ingest.Delivery{Channel: ch, AccountID: acct.Meta.ID, Body: body, ReceivedAt: wh.now()}
	if err := wh.Ingester.Ingest(r.Context(), d); err != nil {
		// non-200 makes the platform redeliver later
		wh.logger().Error("webhook ingest failed", "err", err, "account_id", acct.Meta.ID, "channel", ch)
		http.Error(w, ErrDependency, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
