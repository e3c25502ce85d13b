package hubclient

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/cachewatch/opshub/internal/opshub"
)

// Handler receives every validated frame from the push channel.
type Handler func(frame opshub.HubFrame)

type Options struct {
	URL          string
	Token        string
	HTTPClient   *http.Client
	PingInterval time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ReadLimit    int64
	Validator    *Validator
}

// Client maintains the websocket connection to the backend's push channel,
// reconnecting with exponential backoff and handing validated frames to the
// handler. Invalid frames are dropped with a diagnostic log.
type Client struct {
	url          string
	token        string
	httpClient   *http.Client
	pingInterval time.Duration
	baseDelay    time.Duration
	maxDelay     time.Duration
	readLimit    int64
	validator    *Validator
	handler      Handler
}

func New(opts Options, handler Handler) (*Client, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" || handler == nil {
		return nil, opshub.ErrInvalidInput
	}
	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = 1 << 20
	}
	return &Client{
		url:          url,
		token:        strings.TrimSpace(opts.Token),
		httpClient:   opts.HTTPClient,
		pingInterval: pingInterval,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		readLimit:    readLimit,
		validator:    opts.Validator,
		handler:      handler,
	}, nil
}

// Run blocks until the context is cancelled, reconnecting after every
// connection loss. The backoff resets once a connection delivers a frame.
func (c *Client) Run(ctx context.Context) error {
	delay := c.baseDelay
	for {
		delivered, err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Printf("hubclient: connection lost: %v", err)
		}
		if delivered {
			delay = c.baseDelay
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
}

func (c *Client) connectAndRead(ctx context.Context) (bool, error) {
	dialOpts := &websocket.DialOptions{HTTPClient: c.httpClient}
	if c.token != "" {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+c.token)
		dialOpts.HTTPHeader = header
	}
	conn, _, err := websocket.Dial(ctx, c.url, dialOpts)
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(c.readLimit)

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(readCtx, conn)

	delivered := false
	for {
		_, data, err := conn.Read(readCtx)
		if err != nil {
			return delivered, err
		}
		if c.dispatchFrame(data) {
			delivered = true
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.pingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatchFrame(data []byte) bool {
	if c.validator != nil {
		if err := c.validator.Validate(data); err != nil {
			log.Printf("hubclient: dropping invalid frame: %v", err)
			return false
		}
	}
	var frame opshub.HubFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Printf("hubclient: dropping undecodable frame: %v", err)
		return false
	}
	c.handler(frame)
	return true
}
