// Package graph is a minimal client for the Meta Graph API used by the
// WhatsApp Cloud API and the Messenger Platform.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"omnigate/internal/channels"
	"omnigate/internal/domain"
)

type Client struct {
	HTTP *http.Client
	Now  func() time.Time
}

func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{HTTP: hc, Now: time.Now}
}

type apiError struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		FBTraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

// Do performs a single Graph call. It does not retry; callers wrap it in
// channels.Call.
func (c *Client) Do(ctx context.Context, op, method, url, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &domain.TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &domain.TransientError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.classify(op, resp, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) classify(op string, resp *http.Response, raw []byte) error {
	var ae apiError
	_ = json.Unmarshal(raw, &ae)

	ce := &channels.CallError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Message:    ae.Error.Message,
		RetryAfter: channels.ParseRetryAfter(resp.Header.Get("Retry-After"), c.Now()),
	}
	if ae.Error.Code != 0 {
		ce.Code = strconv.Itoa(ae.Error.Code)
	}
	if ce.Message == "" {
		ce.Message = http.StatusText(resp.StatusCode)
	}
	ce.Kind = Classify(resp.StatusCode, ae.Error.Code)
	return ce
}

// Classify maps an HTTP status and Graph error code to a retry class.
func Classify(status, code int) channels.ErrorKind {
	switch code {
	case 4, 17, 32, 613, 80007, 130429, 131056:
		return channels.KindRateLimited
	case 1, 2:
		return channels.KindTransient
	case 190, 102:
		return channels.KindCredentials
	}
	switch {
	case status == http.StatusTooManyRequests:
		return channels.KindRateLimited
	case status == http.StatusUnauthorized:
		return channels.KindCredentials
	case status == http.StatusRequestTimeout, status >= 500:
		return channels.KindTransient
	}
	return channels.KindPermanent
}
