// Package rpcclient is a JSON-RPC 2.0 client for a klingpowd node, used by
// the CLI and the standalone miner.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Klingon-tech/klingnet-pow/internal/consensus"
	"github.com/Klingon-tech/klingnet-pow/internal/rpc"
	"github.com/Klingon-tech/klingnet-pow/pkg/tx"
)

const defaultTimeout = 10 * time.Second

// Client talks to one node endpoint. It is safe for concurrent use.
type Client struct {
	url string
	hc  *http.Client
	seq atomic.Uint64
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every HTTP round trip.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.hc.Timeout = d
		}
	}
}

// New creates a client for url, e.g. "http://127.0.0.1:4251".
func New(url string, opts ...Option) *Client {
	c := &Client{url: url, hc: &http.Client{Timeout: defaultTimeout}}
	for _, o := range opts {
		o(c)
	}
	return c
}

type reply struct {
	Result json.RawMessage `json:"result"`
	Error  *rpc.Error      `json:"error"`
	ID     json.RawMessage `json:"id"`
}

// Call invokes method and decodes the result into out, which may be nil.
// A server-side failure is returned as *rpc.Error.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	id := c.seq.Add(1)
	body, err := json.Marshal(rpc.Request{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var r reply
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("%s: decode reply (HTTP %d): %w", method, resp.StatusCode, err)
	}
	if string(r.ID) != strconv.FormatUint(id, 10) {
		return fmt.Errorf("%s: reply id %s does not match request id %d", method, r.ID, id)
	}
	if r.Error != nil {
		return r.Error
	}
	if out == nil || len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

func call[T any](ctx context.Context, c *Client, method string, params any) (*T, error) {
	var out T
	if err := c.Call(ctx, method, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChainInfo calls chain_getInfo.
func (c *Client) ChainInfo(ctx context.Context) (*rpc.ChainInfoResult, error) {
	return call[rpc.ChainInfoResult](ctx, c, "chain_getInfo", nil)
}

// Block fetches a block by main-chain height when ref is a decimal
// number, otherwise by hex id.
func (c *Client) Block(ctx context.Context, ref string) (*rpc.BlockResult, error) {
	if h, err := strconv.ParseUint(ref, 10, 64); err == nil {
		return call[rpc.BlockResult](ctx, c, "chain_getBlockByHeight", rpc.HeightParam{Height: h})
	}
	return call[rpc.BlockResult](ctx, c, "chain_getBlockByHash", rpc.HashParam{Hash: ref})
}

// Heads calls chain_getHeads.
func (c *Client) Heads(ctx context.Context) (*rpc.HeadsResult, error) {
	return call[rpc.HeadsResult](ctx, c, "chain_getHeads", nil)
}

// Mempool calls mempool_getInfo.
func (c *Client) Mempool(ctx context.Context) (*rpc.MempoolInfoResult, error) {
	return call[rpc.MempoolInfoResult](ctx, c, "mempool_getInfo", nil)
}

// Peers calls net_getPeerInfo.
func (c *Client) Peers(ctx context.Context) (*rpc.PeerInfoResult, error) {
	return call[rpc.PeerInfoResult](ctx, c, "net_getPeerInfo", nil)
}

// Bans calls net_getBanList.
func (c *Client) Bans(ctx context.Context) (*rpc.BanListResult, error) {
	return call[rpc.BanListResult](ctx, c, "net_getBanList", nil)
}

// SubmitTx calls tx_submit and returns the transaction hash.
func (c *Client) SubmitTx(ctx context.Context, t *tx.Transaction) (string, error) {
	res, err := call[rpc.TxSubmitResult](ctx, c, "tx_submit", rpc.TxSubmitParam{Transaction: t})
	if err != nil {
		return "", err
	}
	return res.TxHash, nil
}

// MiningContext calls mining_getContext. The returned context is nil
// while the node has no round open.
func (c *Client) MiningContext(ctx context.Context) (*rpc.MiningContextResult, error) {
	return call[rpc.MiningContextResult](ctx, c, "mining_getContext", nil)
}

// SubmitSolution calls mining_submitSolution and reports whether the node
// accepted the proof.
func (c *Client) SubmitSolution(ctx context.Context, mc *consensus.MineContext, proof *consensus.Proof) (bool, error) {
	res, err := call[rpc.SubmitSolutionResult](ctx, c, "mining_submitSolution",
		rpc.SubmitSolutionParam{Context: mc, Proof: proof})
	if err != nil {
		return false, err
	}
	return res.Accepted, nil
}
