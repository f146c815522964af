package communicator

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bilal/openmon-agent/internal/config"
	"github.com/bilal/openmon-agent/internal/logger"
	"github.com/rs/zerolog"
)

const maxDrainBytes = 4 << 10

// Communicator delivers controller payloads to the open-monitoring API as
// GET requests of the form <endpoint>?cid=<id>&key=<key>&<fields>.
type Communicator struct {
	endpoint  *url.URL
	client    *http.Client
	userAgent string
	log       zerolog.Logger
}

func New(cfg *config.Config) (*Communicator, error) {
	endpoint, err := url.Parse(cfg.Transport.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse transport endpoint: %w", err)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, fmt.Errorf("transport endpoint %q: unsupported scheme", cfg.Transport.Endpoint)
	}

	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.Transport.InsecureSkipVerify,
	}
	client := &http.Client{
		Timeout: time.Duration(cfg.Transport.TimeoutSeconds) * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: tlsCfg,
		},
	}

	return &Communicator{
		endpoint:  endpoint,
		client:    client,
		userAgent: "openmon-agent/" + cfg.Agent.Name,
		log:       logger.WithComponent("communicator"),
	}, nil
}

// Send performs one request and classifies it. It never retries; retry
// policy belongs to the dispatcher.
func (c *Communicator) Send(ctx context.Context, r Request) Result {
	u := *c.endpoint
	u.RawQuery = buildQuery(r)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{Status: StatusTransportFailed, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", c.userAgent)
	if r.CorrelationID != "" {
		req.Header.Set("X-Correlation-ID", r.CorrelationID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn().Err(redact(err, r.Credential)).Uint32("cid", r.ControllerID).Msg("request failed")
		return Result{Status: StatusTransportFailed, Err: redact(err, r.Credential)}
	}
	// read and close body to reuse connection
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	resp.Body.Close()

	res := Classify(resp.StatusCode)
	if res.OK() {
		c.log.Info().Uint32("cid", r.ControllerID).Int("status", resp.StatusCode).
			Str("correlation", r.CorrelationID).Msg("data sent")
	} else {
		c.log.Warn().Uint32("cid", r.ControllerID).Int("status", resp.StatusCode).Msg("api rejected data")
	}
	return res
}

// Classify maps an HTTP status onto a Result. The API answers 200..400 for
// requests it has consumed, including ones it chose to ignore.
func Classify(code int) Result {
	if code >= http.StatusOK && code <= http.StatusBadRequest {
		return Result{Status: StatusOK, Code: code}
	}
	return Result{
		Status: StatusAPIRejected,
		Code:   code,
		Err:    fmt.Errorf("bad status: %d", code),
	}
}

func buildQuery(r Request) string {
	var b strings.Builder
	b.WriteString("cid=")
	b.WriteString(strconv.FormatUint(uint64(r.ControllerID), 10))
	b.WriteString("&key=")
	b.WriteString(url.QueryEscape(r.Credential))
	if len(r.Fields) > 0 {
		b.WriteByte('&')
		b.Write(r.Fields)
	}
	return b.String()
}

// redact strips the controller key from errors that embed the request URL.
func redact(err error, credential string) error {
	if err == nil || credential == "" {
		return err
	}
	msg := err.Error()
	esc := url.QueryEscape(credential)
	if !strings.Contains(msg, esc) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(msg, "key="+esc, "key=***"), err: err}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }
