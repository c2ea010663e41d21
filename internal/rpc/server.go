// Package rpc serves the node's JSON-RPC 2.0 API, and Prometheus metrics
// at /metrics, over HTTP.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/Klingon-tech/klingnet-pow/config"
	"github.com/Klingon-tech/klingnet-pow/internal/chain"
	"github.com/Klingon-tech/klingnet-pow/internal/consensus"
	klog "github.com/Klingon-tech/klingnet-pow/internal/log"
	"github.com/Klingon-tech/klingnet-pow/internal/mempool"
	"github.com/Klingon-tech/klingnet-pow/internal/p2p"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	maxBodySize  = 1 << 20
	maxBatchSize = 100
)

// Backend is what the API reads from and submits to. P2P may be nil on
// an offline node.
type Backend struct {
	Chain   *chain.Manager
	Pool    *mempool.Pool
	P2P     *p2p.Node
	Genesis *config.Genesis
}

type handler func(params json.RawMessage) (any, *Error)

// call is a request as decoded by the server. Params and ID stay raw.
type call struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

// Server is the JSON-RPC HTTP server.
type Server struct {
	Backend
	addr    string
	allowed []netip.Prefix // empty = any address
	origins []string       // empty = no CORS headers
	methods map[string]handler
	http    *http.Server
	ln      net.Listener
	logger  zerolog.Logger

	coord *consensus.MineCoordinator // nil = mining_* unavailable
	pow   *consensus.PoW
	bans  *p2p.BanManager
}

// New creates a server for addr. cfg supplies the IP allow-list and the
// CORS origins; its zero value allows every client and sends no CORS
// headers.
func New(addr string, be Backend, cfg config.RPCConfig) *Server {
	s := &Server{
		Backend: be,
		addr:    addr,
		origins: cfg.CORSOrigins,
		logger:  klog.RPC,
	}
	for _, entry := range cfg.AllowedIPs {
		p, err := parseAllowed(entry)
		if err != nil {
			s.logger.Warn().Str("entry", entry).Msg("Ignoring bad rpc.allowed entry")
			continue
		}
		s.allowed = append(s.allowed, p)
	}
	s.methods = map[string]handler{
		"chain_getInfo":          s.chainInfo,
		"chain_getBlockByHash":   s.blockByHash,
		"chain_getBlockByHeight": s.blockByHeight,
		"chain_getHeads":         s.heads,
		"tx_submit":              s.submitTx,
		"mempool_getInfo":        s.mempoolInfo,
		"net_getPeerInfo":        s.peerInfo,
		"net_getNodeInfo":        s.nodeInfo,
		"net_getBanList":         s.banList,
		"mining_getContext":      s.miningContext,
		"mining_submitSolution":  s.submitSolution,
	}

	mux := http.NewServeMux()
	mux.Handle("/", s.guard(http.HandlerFunc(s.serveRPC)))
	mux.Handle("/metrics", s.guard(promhttp.Handler()))
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

// parseAllowed accepts a CIDR or a bare address.
func parseAllowed(entry string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(entry); err == nil {
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// SetMining enables the mining_* methods.
func (s *Server) SetMining(coord *consensus.MineCoordinator, pow *consensus.PoW) {
	s.coord = coord
	s.pow = pow
}

// SetBanManager enables net_getBanList.
func (s *Server) SetBanManager(bm *p2p.BanManager) {
	s.bans = bm
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	s.ln = ln
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("RPC server error")
		}
	}()
	return nil
}

// Addr returns the bound address, which differs from the configured one
// when listening on port 0.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop shuts the server down, waiting up to five seconds for in-flight
// requests.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// guard applies the IP allow-list and CORS headers.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.permits(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		s.cors(w, r.Header.Get("Origin"))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) permits(remote string) bool {
	if len(s.allowed) == 0 {
		return true
	}
	ap, err := netip.ParseAddrPort(remote)
	if err != nil {
		return false
	}
	addr := ap.Addr().Unmap()
	for _, p := range s.allowed {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (s *Server) cors(w http.ResponseWriter, origin string) {
	if origin == "" {
		return
	}
	for _, o := range s.origins {
		if o == "*" || o == origin {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", o)
			h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			return
		}
	}
}

// serveRPC handles a single call or a batch (a JSON array of calls).
func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		writeJSON(w, failure(nil, CodeInvalidRequest, "only POST method is allowed"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeJSON(w, failure(nil, CodeParseError, "failed to read request body"))
		return
	}
	if len(body) > maxBodySize {
		writeJSON(w, failure(nil, CodeInvalidRequest, "request body too large"))
		return
	}

	if trimmed := bytes.TrimLeft(body, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		var calls []call
		if err := json.Unmarshal(body, &calls); err != nil {
			writeJSON(w, failure(nil, CodeParseError, "invalid JSON"))
			return
		}
		if len(calls) == 0 || len(calls) > maxBatchSize {
			writeJSON(w, failure(nil, CodeInvalidRequest, fmt.Sprintf("batch must hold 1 to %d calls", maxBatchSize)))
			return
		}
		out := make([]Response, len(calls))
		for i := range calls {
			out[i] = s.exec(&calls[i])
		}
		writeJSON(w, out)
		return
	}

	var c call
	if err := json.Unmarshal(body, &c); err != nil {
		writeJSON(w, failure(nil, CodeParseError, "invalid JSON"))
		return
	}
	writeJSON(w, s.exec(&c))
}

func (s *Server) exec(c *call) Response {
	if c.JSONRPC != "2.0" {
		return failure(c.ID, CodeInvalidRequest, `jsonrpc must be "2.0"`)
	}
	h, ok := s.methods[c.Method]
	if !ok {
		return failure(c.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", c.Method))
	}
	result, rpcErr := h(c.Params)
	if rpcErr != nil {
		s.logger.Debug().Str("method", c.Method).Int("code", rpcErr.Code).Msg(rpcErr.Message)
		return Response{JSONRPC: "2.0", Error: rpcErr, ID: c.ID}
	}
	return Response{JSONRPC: "2.0", Result: result, ID: c.ID}
}

func failure(id json.RawMessage, code int, msg string) Response {
	return Response{JSONRPC: "2.0", Error: &Error{Code: code, Message: msg}, ID: id}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.RPC.Debug().Err(err).Msg("Write response failed")
	}
}

// decodeParams fills target from params, which must be present.
func decodeParams(params json.RawMessage, target any) *Error {
	if len(params) == 0 || string(params) == "null" {
		return &Error{Code: CodeInvalidParams, Message: "params required"}
	}
	if err := json.Unmarshal(params, target); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}
