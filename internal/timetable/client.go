package timetable

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "schedbot/pkg/logx"
)

const maxBodyBytes = 8 << 20

type Config struct {
	BaseURL string
	Token   string
	// Unit and Department are the fixed institutional path qualifiers.
	Unit       string
	Department string

	Timeout        time.Duration
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Unit) == "" {
		c.Unit = "15"
	}
	if strings.TrimSpace(c.Department) == "" {
		c.Department = "65"
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	return c
}

// Client talks to the remote timetable service. It never caches.
type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func NewClient(cfg Config, log logx.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, errors.New("timetable base url is empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("timetable base url: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout, Transport: tr},
		log:  log.With(logx.Component("timetable")),
	}, nil
}

// Endpoint returns the request URL for q without query parameters.
func (c *Client) Endpoint(q Query) string {
	id := url.PathEscape(strings.TrimSpace(q.SubjectID))
	if q.Kind == Lecturer {
		return fmt.Sprintf("%s/timetable/lecturers/%s/%s/%s/", c.cfg.BaseURL, c.cfg.Unit, c.cfg.Department, id)
	}
	return fmt.Sprintf("%s/timetable/students/%s/%s", c.cfg.BaseURL, c.cfg.Unit, id)
}

// Fetch retrieves the raw schedule for q. A range query whose first answer
// is empty is retried exactly once without the date parameter.
func (c *Client) Fetch(ctx context.Context, q Query) (Response, error) {
	if err := q.Validate(); err != nil {
		return Response{}, err
	}
	endpoint := c.Endpoint(q)

	recs, err := c.get(ctx, q, endpoint, q.Date.String())
	if err != nil {
		return Response{}, err
	}
	resp := Response{URL: endpoint, Records: recs}
	if resp.Empty() && q.Date.IsRange() {
		c.log.Debug("range empty, retrying without date", logx.String("url", endpoint))
		recs, err = c.get(ctx, q, endpoint, "")
		if err != nil {
			return Response{}, err
		}
		resp.Records = recs
		resp.FellBack = true
	}

	if resp.Empty() {
		c.log.Info("no schedule records", logx.String("url", endpoint), logx.String("date", q.Date.String()), logx.Bool("fell_back", resp.FellBack))
	} else {
		c.log.Debug("schedule fetched", logx.String("url", endpoint), logx.Int("records", len(resp.Records)), logx.Bool("fell_back", resp.FellBack))
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, q Query, endpoint, date string) ([]Record, error) {
	params := url.Values{}
	params.Set("file", "list.json")
	params.Set("api_token", c.cfg.Token)
	if date != "" {
		params.Set("date", date)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &FetchError{Reason: ReasonTransport, Query: q, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		// url.Error embeds the full URL including api_token.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		c.log.Warn("timetable request failed", logx.String("url", endpoint), logx.Err(err))
		return nil, &FetchError{Reason: ReasonTransport, Query: q, Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{Reason: ReasonTransport, Query: q, Err: err}
	}
	if res.StatusCode != http.StatusOK {
		c.log.Warn("timetable bad status", logx.String("url", endpoint), logx.Int("status", res.StatusCode))
		return nil, &FetchError{Reason: reasonHTTPStatus(res.StatusCode), Query: q}
	}

	recs, err := decodeRecords(body)
	if err != nil {
		c.log.Error("timetable payload malformed", logx.String("url", endpoint), logx.String("date", date), logx.Err(err))
		return nil, &FetchError{Reason: ReasonParse, Query: q, Err: err}
	}
	c.log.Trace("timetable response", logx.String("url", endpoint), logx.Int("records", len(recs)), logx.Duration("took", time.Since(started)))
	return recs, nil
}

// decodeRecords accepts an absent or null schedule as zero records.
func decodeRecords(body []byte) ([]Record, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	if p.Schedule == nil {
		return nil, nil
	}
	return p.Schedule.Records, nil
}
