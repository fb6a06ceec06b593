// Command mock-graph imitates the Graph API endpoints the gateway calls and
// plays back signed status webhooks for every accepted send.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"omnigate/internal/logging"
	"omnigate/internal/signature"
)

type config struct {
	Port              string  `envconfig:"PORT" default:"8080"`
	LogFormat         string  `envconfig:"LOG_FORMAT" default:"json"`
	AccessToken       string  `envconfig:"MOCK_ACCESS_TOKEN" default:"mock_token"`
	AppSecret         string  `envconfig:"MOCK_APP_SECRET" default:"mock_secret"`
	OutcomeMode       string  `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw       string  `envconfig:"MOCK_OUTCOMES" default:"ok"`
	SuccessRate       float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	FailureWeightsRaw string  `envconfig:"MOCK_FAILURE_WEIGHTS" default:"server_error:1"`
	RetryAfterSeconds int     `envconfig:"MOCK_RETRY_AFTER_SECONDS" default:"2"`
	DelayMs           int     `envconfig:"MOCK_DELAY_MS" default:"0"`
	TimeoutDelayMs    int     `envconfig:"MOCK_TIMEOUT_DELAY_MS" default:"12000"`

	// Webhook playback. Empty URLs disable it for that channel.
	WhatsAppWebhookURL string `envconfig:"MOCK_WHATSAPP_WEBHOOK_URL"`
	FacebookWebhookURL string `envconfig:"MOCK_FACEBOOK_WEBHOOK_URL"`
	PageID             string `envconfig:"MOCK_PAGE_ID" default:"PAGE1"`
	WebhookDelayMs     int    `envconfig:"MOCK_WEBHOOK_DELAY_MS" default:"300"`
	// A status webhook is sometimes sent before the send response, to
	// exercise orphan handling.
	RaceRate           float64 `envconfig:"MOCK_WEBHOOK_RACE_RATE" default:"0"`
	WebhookMaxRetries  int     `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"8"`
	WebhookRetryBaseMs int     `envconfig:"MOCK_WEBHOOK_RETRY_BASE_MS" default:"250"`
	WebhookRetryMaxMs  int     `envconfig:"MOCK_WEBHOOK_RETRY_MAX_MS" default:"10000"`

	Outcomes       []string
	FailureWeights []weightedOutcome
	Delay          time.Duration
	TimeoutDelay   time.Duration
	WebhookDelay   time.Duration
}

type weightedOutcome struct {
	Kind   string
	Weight float64
}

type graphError struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

type server struct {
	cfg    config
	idx    uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client
}

func main() {
	cfg := loadConfig()
	logging.Init("mock-graph", cfg.LogFormat, "info")

	s := &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
	}

	router := mux.NewRouter()
	// with or without a version prefix such as /v18.0
	for _, prefix := range []string{"", "/{version:v[0-9.]+}"} {
		router.HandleFunc(prefix+"/{node}/messages", s.handleMessages).Methods(http.MethodPost)
		router.HandleFunc(prefix+"/{node}", s.handleProfile).Methods(http.MethodGet)
	}

	slog.Info("mock graph listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, loggingMiddleware(router)); err != nil {
		slog.Error("mock graph server failed", "err", err)
		os.Exit(1)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("mock graph request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock graph config load failed", "err", err)
		os.Exit(1)
	}
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	cfg.FailureWeights = parseWeightedOutcomes(cfg.FailureWeightsRaw)
	cfg.Delay = time.Duration(cfg.DelayMs) * time.Millisecond
	cfg.TimeoutDelay = time.Duration(cfg.TimeoutDelayMs) * time.Millisecond
	cfg.WebhookDelay = time.Duration(cfg.WebhookDelayMs) * time.Millisecond
	if cfg.WebhookMaxRetries < 0 {
		cfg.WebhookMaxRetries = 0
	}
	if len(cfg.FailureWeights) == 0 {
		cfg.FailureWeights = []weightedOutcome{{Kind: "server_error", Weight: 1}}
	}
	return cfg
}

// sendRequest covers both the WhatsApp Cloud API and the Send API bodies.
type sendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Status           string `json:"status"`
	MessageID        string `json:"message_id"`
	Recipient        *struct {
		ID string `json:"id"`
	} `json:"recipient"`
}

func (s *server) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+s.cfg.AccessToken
}

func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, 190, "Invalid OAuth access token.")
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, 100, "Invalid parameter")
		return
	}

	if s.cfg.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.Delay):
		}
	}

	// read receipt
	if req.Status == "read" {
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	if s.failure(w, s.nextOutcome()) {
		return
	}

	n := atomic.AddUint64(&s.idx, 1)
	node := mux.Vars(r)["node"]
	switch {
	case req.MessagingProduct == "whatsapp":
		if req.To == "" {
			writeError(w, http.StatusBadRequest, 100, "Missing recipient")
			return
		}
		id := fmt.Sprintf("wamid.MOCK%08d", n)
		race := s.race()
		if race {
			s.playWhatsApp(node, req.To, id, 0)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"messaging_product": "whatsapp",
			"contacts":          []map[string]string{{"input": req.To, "wa_id": req.To}},
			"messages":          []map[string]string{{"id": id}},
		})
		if !race {
			s.playWhatsApp(node, req.To, id, s.cfg.WebhookDelay)
		}
	case req.Recipient != nil && req.Recipient.ID != "":
		id := fmt.Sprintf("m_MOCK%08d", n)
		writeJSON(w, http.StatusOK, map[string]string{"recipient_id": req.Recipient.ID, "message_id": id})
		s.playMessenger(req.Recipient.ID, id)
	default:
		writeError(w, http.StatusBadRequest, 100, "Missing recipient")
	}
}

// failure writes the error response for a failing outcome.
func (s *server) failure(w http.ResponseWriter, outcome string) bool {
	kind, code := outcome, 0
	if i := strings.IndexByte(outcome, ':'); i >= 0 {
		kind = outcome[:i]
		code, _ = strconv.Atoi(outcome[i+1:])
	}
	withCode := func(def int) int {
		if code != 0 {
			return code
		}
		return def
	}
	switch kind {
	case "ok", "success", "":
		return false
	case "rate_limit", "429":
		w.Header().Set("Retry-After", strconv.Itoa(s.cfg.RetryAfterSeconds))
		writeError(w, http.StatusTooManyRequests, withCode(130429), "Rate limit hit")
	case "bad_request", "400":
		writeError(w, http.StatusBadRequest, withCode(131026), "Message undeliverable")
	case "auth", "401":
		writeError(w, http.StatusUnauthorized, withCode(190), "Error validating access token")
	case "server_error", "500":
		writeError(w, http.StatusInternalServerError, withCode(2), "Service temporarily unavailable")
	case "timeout":
		time.Sleep(s.cfg.TimeoutDelay)
		writeError(w, http.StatusGatewayTimeout, withCode(2), "Request timed out")
	default:
		writeError(w, http.StatusInternalServerError, withCode(1), "mock error: "+kind)
	}
	return true
}

func (s *server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, 190, "Invalid OAuth access token.")
		return
	}
	node := mux.Vars(r)["node"]
	writeJSON(w, http.StatusOK, map[string]string{
		"id":         node,
		"first_name": "Mock",
		"last_name":  "User " + node,
		"locale":     "en_US",
	})
}

func (s *server) race() bool {
	if s.cfg.RaceRate <= 0 {
		return false
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64() < s.cfg.RaceRate
}

// playWhatsApp posts sent, delivered and read statuses in order. A zero
// delay posts "delivered" synchronously, before the send response.
func (s *server) playWhatsApp(phoneNumberID, to, wamid string, delay time.Duration) {
	if s.cfg.WhatsAppWebhookURL == "" {
		return
	}
	post := func(status string) {
		body := map[string]any{
			"object": "whatsapp_business_account",
			"entry": []any{map[string]any{
				"id": "WABA_MOCK",
				"changes": []any{map[string]any{
					"field": "messages",
					"value": map[string]any{
						"messaging_product": "whatsapp",
						"metadata":          map[string]string{"phone_number_id": phoneNumberID},
						"statuses": []any{map[string]string{
							"id":           wamid,
							"status":       status,
							"timestamp":    strconv.FormatInt(time.Now().Unix(), 10),
							"recipient_id": to,
						}},
					},
				}},
			}},
		}
		_ = s.postWebhookWithRetry(context.Background(), s.cfg.WhatsAppWebhookURL, body)
	}
	if delay == 0 {
		post("delivered")
		return
	}
	go func() {
		for _, st := range []string{"sent", "delivered", "read"} {
			time.Sleep(delay)
			post(st)
		}
	}()
}

func (s *server) playMessenger(psid, mid string) {
	if s.cfg.FacebookWebhookURL == "" {
		return
	}
	go func() {
		time.Sleep(s.cfg.WebhookDelay)
		now := time.Now().UnixMilli()
		body := map[string]any{
			"object": "page",
			"entry": []any{map[string]any{
				"id":   s.cfg.PageID,
				"time": now,
				"messaging": []any{map[string]any{
					"sender":    map[string]string{"id": psid},
					"recipient": map[string]string{"id": s.cfg.PageID},
					"timestamp": now,
					"delivery":  map[string]any{"mids": []string{mid}, "watermark": now},
				}},
			}},
		}
		_ = s.postWebhookWithRetry(context.Background(), s.cfg.FacebookWebhookURL, body)
	}()
}

func (s *server) postWebhookWithRetry(ctx context.Context, callbackURL string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	sig := signature.Sign(raw, []byte(s.cfg.AppSecret))
	maxAttempts := s.cfg.WebhookMaxRetries + 1

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(signature.Header, sig)

		resp, err := s.client.Do(req)
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
		if err == nil && status >= 200 && status < 300 {
			return nil
		}

		if attempt == maxAttempts-1 {
			slog.Error("mock webhook post failed", "url", callbackURL, "attempt", attempt+1, "status", status, "err", err)
			if err != nil {
				return err
			}
			return fmt.Errorf("webhook post failed: status=%d", status)
		}
		// the gateway answers non-2xx only for signature and storage failures
		if err == nil && status < 500 {
			slog.Error("mock webhook post non-retryable", "url", callbackURL, "status", status)
			return errors.New("webhook post rejected")
		}

		wait := s.retryBackoff(attempt)
		slog.Warn("mock webhook post retrying", "url", callbackURL, "attempt", attempt+1, "status", status, "wait_ms", wait.Milliseconds())
		time.Sleep(wait)
	}
	return nil
}

func (s *server) retryBackoff(attempt int) time.Duration {
	base := time.Duration(s.cfg.WebhookRetryBaseMs) * time.Millisecond
	limit := time.Duration(s.cfg.WebhookRetryMaxMs) * time.Millisecond
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if limit <= 0 {
		limit = 10 * time.Second
	}
	wait := base << attempt
	if wait > limit || wait <= 0 {
		wait = limit
	}
	// +/- 20% jitter
	delta := int64(wait) / 5
	s.rngMu.Lock()
	j := s.rng.Int63n(2*delta+1) - delta
	s.rngMu.Unlock()
	return time.Duration(int64(wait) + j)
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.LoadUint64(&s.idx)
		return s.cfg.Outcomes[int(idx)%len(s.cfg.Outcomes)]
	case "weighted":
		s.rngMu.Lock()
		ok := s.rng.Float64() <= s.cfg.SuccessRate
		r := s.rng.Float64()
		s.rngMu.Unlock()
		if ok {
			return "ok"
		}
		return pickWeighted(r, s.cfg.FailureWeights)
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	var e graphError
	e.Error.Message = msg
	e.Error.Type = "OAuthException"
	e.Error.Code = code
	e.Error.FBTraceID = "mock"
	writeJSON(w, status, e)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"ok"}
	}
	return out
}

func parseWeightedOutcomes(s string) []weightedOutcome {
	var out []weightedOutcome
	for _, p := range strings.Split(s, ",") {
		kv := strings.Split(strings.TrimSpace(p), ":")
		if len(kv) != 2 {
			continue
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil || w <= 0 || strings.TrimSpace(kv[0]) == "" {
			continue
		}
		out = append(out, weightedOutcome{Kind: strings.TrimSpace(kv[0]), Weight: w})
	}
	return out
}

func pickWeighted(r float64, items []weightedOutcome) string {
	var total float64
	for _, it := range items {
		total += it.Weight
	}
	target := r * total
	var cumulative float64
	for _, it := range items {
		cumulative += it.Weight
		if target <= cumulative {
			return it.Kind
		}
	}
	return items[len(items)-1].Kind
}
