// Package rpc implements a minimal JSON-RPC client for the Bitcoin-compatible
// daemon the template registry draws its block templates from.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/viddhana/pool/internal/registry"
)

// Client is a bare JSON-RPC 1.0-style HTTP client against a single daemon
// endpoint, authenticated with HTTP basic auth as node RPC servers expect.
// There is no connection pooling beyond what http.Client already gives us
// and no batching: each call is its own HTTP request, and refresh and
// submitblock calls from the registry may be in flight at the same time.
type Client struct {
	url      string
	user     string
	password string
	coinbase CoinbaseSource

	httpClient *http.Client
	logger     *zap.Logger
}

// CoinbaseSource supplies the fields a getblocktemplate response does not
// carry on every chain: the pool's payout script and an optional tag folded
// into the coinbase's coinbase_flags.
type CoinbaseSource interface {
	PoolScriptPubKeyHex() string
	CoinbaseFlagsHex() string
}

// StaticCoinbaseSource is a CoinbaseSource fixed at construction, the common
// case where the pool's payout address doesn't change at runtime.
type StaticCoinbaseSource struct {
	ScriptPubKeyHex string
	FlagsHex        string
}

// PoolScriptPubKeyHex implements CoinbaseSource.
func (s StaticCoinbaseSource) PoolScriptPubKeyHex() string { return s.ScriptPubKeyHex }

// CoinbaseFlagsHex implements CoinbaseSource.
func (s StaticCoinbaseSource) CoinbaseFlagsHex() string { return s.FlagsHex }

// New constructs an upstream RPC client.
func New(url, user, password string, coinbase CoinbaseSource, logger *zap.Logger) *Client {
	return &Client{
		url:      url,
		user:     user,
		password: password,
		coinbase: coinbase,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger.Named("rpc"),
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     string          `json:"id"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "1.0",
		ID:      "registry",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("rpc: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("rpc: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		httpReq.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("rpc: %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("rpc: %s: read response: %w", method, err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusInternalServerError {
		return fmt.Errorf("rpc: %s: unexpected status %d: %s", method, resp.StatusCode, string(body))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("rpc: %s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpc: %s: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("rpc: %s: decode result: %w", method, err)
	}
	return nil
}

// getBlockTemplateResult mirrors the subset of a getblocktemplate response
// the registry needs; everything else in the daemon's reply is ignored.
type getBlockTemplateResult struct {
	Version           uint32 `json:"version"`
	PreviousBlockHash string `json:"previousblockhash"`
	Bits              string `json:"bits"`
	Target            string `json:"target"`
	CurTime           uint32 `json:"curtime"`
	Height            int64  `json:"height"`
	CoinbaseValue     uint64 `json:"coinbasevalue"`
	Transactions      []struct {
		Data string `json:"data"`
	} `json:"transactions"`
}

// GetBlockTemplate implements registry.UpstreamClient.
func (c *Client) GetBlockTemplate(ctx context.Context) (*registry.TemplateData, error) {
	var result getBlockTemplateResult
	params := []interface{}{map[string]interface{}{
		"rules": []string{"segwit"},
	}}
	if err := c.call(ctx, "getblocktemplate", params, &result); err != nil {
		return nil, err
	}

	txs := make([]registry.TemplateTransaction, len(result.Transactions))
	for i, tx := range result.Transactions {
		txs[i] = registry.TemplateTransaction{DataHex: tx.Data}
	}

	data := &registry.TemplateData{
		Version:           result.Version,
		PreviousBlockHash: result.PreviousBlockHash,
		Bits:              result.Bits,
		TargetHex:         result.Target,
		CurTime:           result.CurTime,
		Height:            result.Height,
		CoinbaseValue:     result.CoinbaseValue,
		Transactions:      txs,
	}

	if c.coinbase != nil {
		data.PoolScriptPubKey = c.coinbase.PoolScriptPubKeyHex()
		data.CoinbaseFlags = c.coinbase.CoinbaseFlagsHex()
	}

	return data, nil
}

// SubmitBlock implements registry.UpstreamClient. blockHex is the full
// serialized block; hashHex is only logged for correlation and checkHex is
// unused. Neither is part of the submitblock wire call itself.
func (c *Client) SubmitBlock(ctx context.Context, blockHex, checkHex, hashHex string) (*registry.SubmitBlockResult, error) {
	var raw json.RawMessage
	err := c.call(ctx, "submitblock", []interface{}{blockHex}, &raw)
	if err != nil {
		c.logger.Error("submitblock failed", zap.Error(err), zap.String("hash", hashHex))
		return nil, err
	}

	var message string
	if len(raw) > 0 && string(raw) != "null" {
		_ = json.Unmarshal(raw, &message)
	}

	accepted := message == ""
	c.logger.Info("submitblock response",
		zap.Bool("accepted", accepted),
		zap.String("message", message),
		zap.String("hash", hashHex),
	)

	return &registry.SubmitBlockResult{Accepted: accepted, RawMessage: message}, nil
}
