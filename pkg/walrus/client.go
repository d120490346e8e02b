// Package walrus implements the blob-store publish path: streaming blob
// registration against a Walrus publisher, with balance prechecks against
// the on-chain WAL coin and bounded response parsing.
package walrus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/floelabs/floe/internal/logger"
	"github.com/floelabs/floe/pkg/sui"
)

// ErrMissingBlobID means the publisher returned 200 but no blob ID could
// be extracted from the response body.
var ErrMissingBlobID = errors.New("walrus: response carries no blob id")

// ErrInsufficientBalance means the WAL balance precheck failed before the
// upload was attempted.
var ErrInsufficientBalance = errors.New("walrus: insufficient WAL balance")

// ErrInvalidEpochs means a publish was attempted with a non-positive
// storage duration.
var ErrInvalidEpochs = errors.New("walrus: epochs must be positive")

// StatusError is a non-2xx publisher response. The body is truncated to
// keep error strings bounded.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("PUBLISH_FAILED:%d:%s", e.StatusCode, e.Body)
}

// maxErrorBody caps how much of a failure response is kept in the error.
const maxErrorBody = 512

// balanceCheckInterval rate-limits the on-chain balance precheck.
const balanceCheckInterval = 60 * time.Second

// Config configures the publish client.
type Config struct {
	// PublisherURL is the Walrus publisher base URL.
	PublisherURL string

	// Network selects header signing: "mainnet" publishers require signed
	// requests, testnet ones do not.
	Network string

	// Timeout bounds one publish round trip end to end. Large blobs
	// stream for a while. Default: 5m.
	Timeout time.Duration

	// MinBalance is the WAL precheck threshold in FROST. Zero disables
	// the precheck.
	MinBalance *big.Int
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
}

// Registry is the subset of the chain client the publisher needs for
// balance prechecks.
type Registry interface {
	GetBalance(ctx context.Context, owner, coinType string) (*big.Int, error)
}

// Client publishes assembled files to a Walrus publisher.
type Client struct {
	cfg        Config
	httpClient *http.Client
	signer     *sui.Signer
	registry   Registry

	mu            sync.Mutex
	lastBalanceAt time.Time
	lastBalanceOK bool
}

// NewClient creates a publish client. signer and registry may be nil when
// the network does not require signed requests and no precheck is wanted.
func NewClient(cfg Config, signer *sui.Signer, registry Registry) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		signer:     signer,
		registry:   registry,
	}
}

// publishResponse mirrors the publisher's JSON. Exactly one of the three
// blob ID locations is populated depending on whether the blob is new.
type publishResponse struct {
	NewlyCreated *struct {
		BlobObject *struct {
			BlobID string `json:"blobId"`
		} `json:"blobObject"`
	} `json:"newlyCreated"`
	AlreadyCertified *struct {
		BlobID string `json:"blobId"`
	} `json:"alreadyCertified"`
	BlobObject *struct {
		BlobID string `json:"blobId"`
	} `json:"blobObject"`
}

func (r *publishResponse) blobID() string {
	if r.NewlyCreated != nil && r.NewlyCreated.BlobObject != nil && r.NewlyCreated.BlobObject.BlobID != "" {
		return r.NewlyCreated.BlobObject.BlobID
	}
	if r.AlreadyCertified != nil && r.AlreadyCertified.BlobID != "" {
		return r.AlreadyCertified.BlobID
	}
	if r.BlobObject != nil && r.BlobObject.BlobID != "" {
		return r.BlobObject.BlobID
	}
	return ""
}

// Publish streams body to the publisher for the given storage duration in
// epochs and returns the blob ID. size must match the stream length so
// the request carries a Content-Length instead of chunked encoding.
func (c *Client) Publish(ctx context.Context, body io.Reader, size int64, epochs int) (string, error) {
	if epochs <= 0 {
		return "", fmt.Errorf("%w: got %d", ErrInvalidEpochs, epochs)
	}
	if err := c.precheckBalance(ctx); err != nil {
		return "", err
	}

	url := strings.TrimSuffix(c.cfg.PublisherURL, "/") + "/v1/blobs?epochs=" + strconv.Itoa(epochs)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return "", err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	c.signRequest(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("publish request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var parsed publishResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode publish response: %w", err)
	}
	blobID := parsed.blobID()
	if blobID == "" {
		return "", ErrMissingBlobID
	}

	logger.Info("blob published",
		logger.BlobID(blobID),
		slog.Int64(logger.KeySizeBytes, size),
		slog.Int(logger.KeyEpochs, epochs),
		logger.DurationMs(float64(time.Since(start).Milliseconds())),
	)
	return blobID, nil
}

// signRequest attaches the mainnet signed headers. The signed message
// binds the method, path and a fresh timestamp.
func (c *Client) signRequest(req *http.Request) {
	if c.signer == nil || !strings.EqualFold(c.cfg.Network, "mainnet") {
		return
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	message := req.Method + " " + req.URL.RequestURI() + " " + ts
	req.Header.Set("X-Sui-Address", c.signer.Address())
	req.Header.Set("X-Sui-Timestamp", ts)
	req.Header.Set("X-Sui-Signature", c.signer.SignMessage([]byte(message)))
}

// precheckBalance fails fast when the WAL balance is below the configured
// floor. Checks hit the chain at most once per minute; in between, the
// cached verdict is reused. Chain errors never block a publish.
func (c *Client) precheckBalance(ctx context.Context) error {
	if c.cfg.MinBalance == nil || c.cfg.MinBalance.Sign() <= 0 || c.registry == nil || c.signer == nil {
		return nil
	}

	c.mu.Lock()
	if time.Since(c.lastBalanceAt) < balanceCheckInterval {
		ok := c.lastBalanceOK
		c.mu.Unlock()
		if !ok {
			return ErrInsufficientBalance
		}
		return nil
	}
	c.mu.Unlock()

	balance, err := c.registry.GetBalance(ctx, c.signer.Address(), sui.WALCoinType)
	if err != nil {
		logger.Warn("balance precheck skipped", logger.Err(err))
		return nil
	}

	ok := balance.Cmp(c.cfg.MinBalance) >= 0
	c.mu.Lock()
	c.lastBalanceAt = time.Now()
	c.lastBalanceOK = ok
	c.mu.Unlock()

	if !ok {
		logger.Warn("WAL balance below publish floor",
			"balance", balance.String(),
			"floor", c.cfg.MinBalance.String(),
		)
		return ErrInsufficientBalance
	}
	return nil
}
