package sui

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/floelabs/floe/internal/logger"
)

// ErrUnavailable wraps transport failures talking to the fullnode so
// callers can surface 503 rather than a generic error.
var ErrUnavailable = errors.New("sui: fullnode unavailable")

// ErrObjectNotFound is returned when the requested object does not exist.
var ErrObjectNotFound = errors.New("sui: object not found")

// WALCoinType is the coin paid for Walrus storage.
const WALCoinType = "0x356a26eb9e012a68958082340d4c4116e7f55615cf27affcff209cf0ae544f59::wal::WAL"

// Config configures the registry client.
type Config struct {
	// RPCURL is the Sui fullnode JSON-RPC endpoint.
	RPCURL string

	// PackageID is the registry Move package that mints file objects.
	PackageID string

	// Module and Function address the mint entry point.
	// Defaults: "file_registry" / "mint_file".
	Module   string
	Function string

	// ObjectType is the struct suffix identifying minted file objects in
	// objectChanges (e.g. "::file_registry::FloeFile").
	ObjectType string

	// GasBudget in MIST for the mint transaction. Default: 50_000_000.
	GasBudget uint64

	// Timeout bounds each RPC round trip. Default: 30s.
	Timeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Module == "" {
		c.Module = "file_registry"
	}
	if c.Function == "" {
		c.Function = "mint_file"
	}
	if c.ObjectType == "" {
		c.ObjectType = "::file_registry::FloeFile"
	}
	if c.GasBudget == 0 {
		c.GasBudget = 50_000_000
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// Client talks JSON-RPC 2.0 to a Sui fullnode.
type Client struct {
	cfg        Config
	httpClient *http.Client
	nextID     atomic.Int64
}

// NewClient creates a registry client.
func NewClient(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("sui rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC round trip, decoding the result into out.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RPCURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: http %d", ErrUnavailable, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// ObjectData is the normalized view of an on-chain object.
type ObjectData struct {
	ObjectID string
	Owner    string
	Fields   map[string]any
}

// GetObject fetches an object with its content and owner.
func (c *Client) GetObject(ctx context.Context, objectID string) (*ObjectData, error) {
	var result struct {
		Data *struct {
			ObjectID string `json:"objectId"`
			Owner    any    `json:"owner"`
			Content  *struct {
				Fields map[string]any `json:"fields"`
			} `json:"content"`
		} `json:"data"`
		Error *struct {
			Code string `json:"code"`
		} `json:"error"`
	}

	params := []any{objectID, map[string]bool{"showContent": true, "showOwner": true}}
	if err := c.call(ctx, "sui_getObject", params, &result); err != nil {
		return nil, err
	}
	if result.Error != nil || result.Data == nil {
		return nil, ErrObjectNotFound
	}

	data := &ObjectData{ObjectID: result.Data.ObjectID}
	if result.Data.Content != nil {
		data.Fields = result.Data.Content.Fields
	}
	data.Owner = ownerString(result.Data.Owner)
	return data, nil
}

// ownerString flattens the polymorphic owner field: either a plain string
// ("Immutable") or an object like {"AddressOwner": "0x..."}.
func ownerString(owner any) string {
	switch v := owner.(type) {
	case string:
		return v
	case map[string]any:
		for _, key := range []string{"AddressOwner", "ObjectOwner"} {
			if addr, ok := v[key].(string); ok {
				return addr
			}
		}
	}
	return ""
}

// GetBalance returns the total balance of a coin type for an address.
func (c *Client) GetBalance(ctx context.Context, owner, coinType string) (*big.Int, error) {
	var result struct {
		TotalBalance string `json:"totalBalance"`
	}
	if err := c.call(ctx, "suix_getBalance", []any{owner, coinType}, &result); err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(result.TotalBalance, 10)
	if !ok {
		return nil, fmt.Errorf("invalid balance %q", result.TotalBalance)
	}
	return balance, nil
}

// MintParams are the immutable on-chain fields of a file object.
type MintParams struct {
	BlobID    string
	SizeBytes int64
	Mime      string
	Owner     string
}

// MintFile builds, signs and executes the mint transaction and returns
// the created object ID: the stable file identifier handed to clients.
func (c *Client) MintFile(ctx context.Context, signer *Signer, params MintParams) (string, error) {
	if signer == nil {
		return "", errors.New("sui: mint requires a signer")
	}

	args := []any{
		params.BlobID,
		fmt.Sprintf("%d", params.SizeBytes),
		params.Mime,
	}
	if params.Owner != "" {
		args = append(args, params.Owner)
	}

	var build struct {
		TxBytes string `json:"txBytes"`
	}
	err := c.call(ctx, "unsafe_moveCall", []any{
		signer.Address(),
		c.cfg.PackageID,
		c.cfg.Module,
		c.cfg.Function,
		[]any{}, // no type arguments
		args,
		nil, // gas object: let the node pick
		fmt.Sprintf("%d", c.cfg.GasBudget),
	}, &build)
	if err != nil {
		return "", fmt.Errorf("build mint transaction: %w", err)
	}

	txBytes, err := base64.StdEncoding.DecodeString(build.TxBytes)
	if err != nil {
		return "", fmt.Errorf("decode txBytes: %w", err)
	}
	signature := signer.SignTransaction(txBytes)

	var exec struct {
		Digest  string `json:"digest"`
		Effects *struct {
			Status struct {
				Status string `json:"status"`
				Error  string `json:"error"`
			} `json:"status"`
		} `json:"effects"`
		ObjectChanges []struct {
			Type       string `json:"type"`
			ObjectType string `json:"objectType"`
			ObjectID   string `json:"objectId"`
		} `json:"objectChanges"`
	}
	err = c.call(ctx, "sui_executeTransactionBlock", []any{
		build.TxBytes,
		[]string{signature},
		map[string]bool{"showEffects": true, "showObjectChanges": true},
		"WaitForLocalExecution",
	}, &exec)
	if err != nil {
		return "", fmt.Errorf("execute mint transaction: %w", err)
	}
	if exec.Effects != nil && exec.Effects.Status.Status != "success" {
		return "", fmt.Errorf("mint transaction failed: %s", exec.Effects.Status.Error)
	}

	for _, change := range exec.ObjectChanges {
		if change.Type == "created" && hasTypeSuffix(change.ObjectType, c.cfg.ObjectType) {
			logger.Info("file object minted",
				logger.FileID(change.ObjectID),
				logger.BlobID(params.BlobID),
				"digest", exec.Digest,
			)
			return change.ObjectID, nil
		}
	}
	return "", fmt.Errorf("mint transaction %s created no %s object", exec.Digest, c.cfg.ObjectType)
}

func hasTypeSuffix(objectType, suffix string) bool {
	return len(objectType) >= len(suffix) && objectType[len(objectType)-len(suffix):] == suffix
}
