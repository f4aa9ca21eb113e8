// Package rpc implements the GSP-facing JSON-RPC 2.0 surface (C7) over
// github.com/ethereum/go-ethereum/rpc, chosen because its
// namespace_methodName dispatch convention (lower-casing only the first
// rune of the Go method name) reproduces the exact flat method names a
// GSP expects when methods are named and namespaced as documented
// per-method below.
package rpc

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"

	ethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/cors"

	"github.com/xaya/xayax/basechain"
	"github.com/xaya/xayax/cache"
	"github.com/xaya/xayax/chainstate"
)

// headerCacheSize bounds the number of decoded headers kept around for
// repeated getblockheader lookups, so a GSP re-requesting recent headers
// during catch-up does not re-hit the chainstate database each time.
const headerCacheSize = 4096

// rpcError implements ethrpc.Error so custom JSON-RPC error codes are
// returned as documented instead of being collapsed to the generic
// server-error code.
type rpcError struct {
	code int
	msg  string
}

func (e *rpcError) Error() string  { return e.msg }
func (e *rpcError) ErrorCode() int { return e.code }

func newError(code int, format string, args ...interface{}) error {
	return &rpcError{code: code, msg: fmt.Sprintf(format, args...)}
}

const (
	errCodeInvalidAddressOrKey = -5
	errCodeInvalidParams       = -32602
	errCodeNotFound            = -8
	errCodeInternal            = -32603
)

// UpdatesResult is the reply to game_sendupdates.
type UpdatesResult struct {
	Reqtoken string `json:"reqtoken"`
	Toblock  string `json:"toblock"`
	Error    bool   `json:"error,omitempty"`
	Steps    struct {
		Attach int `json:"attach"`
		Detach int `json:"detach"`
	} `json:"steps"`
}

// Backend is what the façade needs from the rest of the core; it is
// deliberately narrow so rpc never depends on sync directly.
type Backend interface {
	Chain() basechain.BaseChain
	Store() *chainstate.Store
	TrackedGames() []string
	ZMQEndpoints() map[string]string

	// SendUpdates drives the full game_sendupdates catch-up: it
	// publishes any missed detach/attach ZMQ notifications for gameID
	// itself and reports the counts back to the caller.
	SendUpdates(ctx context.Context, fromBlock, gameID, toBlock string) (UpdatesResult, error)

	Stop()
}

// Server hosts the two RPC namespaces: the empty (chain-facing) one and
// "game" (game_sendupdates).
type Server struct {
	backend Backend
	server  *ethrpc.Server
	httpSrv *http.Server
}

// New builds the RPC server, registering both namespaces.
func New(backend Backend) (*Server, error) {
	srv := ethrpc.NewServer()

	headerCache, err := cache.NewLocalCache("block-header", headerCacheSize)
	if err != nil {
		return nil, fmt.Errorf("rpc: build header cache: %w", err)
	}

	chainAPI := &chainAPI{backend: backend, headerCache: headerCache}
	if err := srv.RegisterName("", chainAPI); err != nil {
		return nil, fmt.Errorf("rpc: register chain namespace: %w", err)
	}

	gameAPI := &gameAPI{backend: backend}
	if err := srv.RegisterName("game", gameAPI); err != nil {
		return nil, fmt.Errorf("rpc: register game namespace: %w", err)
	}

	return &Server{backend: backend, server: srv}, nil
}

// Serve starts an HTTP listener at addr; corsOrigins configures
// github.com/rs/cors the way the teacher's HTTP bootstrap configures
// its own REST surface.
func (s *Server) Serve(addr string, corsOrigins []string) error {
	handler := cors.New(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
	}).Handler(s.server)

	s.httpSrv = &http.Server{Addr: addr, Handler: handler}
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops the HTTP listener and the underlying RPC server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.server.Stop()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// chainAPI is registered under the empty namespace, so its methods
// surface as their lower-first-letter name with no prefix:
// getzmqnotifications, trackedgames, getnetworkinfo, getblockchaininfo,
// getblockhash, getblockheader, verifymessage, getrawmempool, stop.
type chainAPI struct {
	backend     Backend
	headerCache cache.Cache
}

type zmqNotification struct {
	Type    string `json:"type"`
	Address string `json:"address"`
}

func (a *chainAPI) Getzmqnotifications() []zmqNotification {
	out := make([]zmqNotification, 0)
	for topic, addr := range a.backend.ZMQEndpoints() {
		out = append(out, zmqNotification{Type: topic, Address: addr})
	}
	return out
}

func (a *chainAPI) Trackedgames() []string {
	return a.backend.TrackedGames()
}

type networkInfo struct {
	Version uint64 `json:"version"`
	Chain   string `json:"chain"`
}

func (a *chainAPI) Getnetworkinfo() networkInfo {
	chain := a.backend.Chain()
	return networkInfo{Version: chain.GetVersion(), Chain: chain.GetChain()}
}

type blockchainInfo struct {
	Chain         string `json:"chain"`
	Blocks        uint64 `json:"blocks"`
	Bestblockhash string `json:"bestblockhash"`
}

func (a *chainAPI) Getblockchaininfo(ctx context.Context) (blockchainInfo, error) {
	tip, err := a.backend.Store().GetTip()
	if err != nil {
		return blockchainInfo{}, newError(errCodeInternal, "failed to get tip: %v", err)
	}
	return blockchainInfo{
		Chain:         a.backend.Chain().GetChain(),
		Blocks:        tip.Height,
		Bestblockhash: tip.Hash,
	}, nil
}

// Getblockhash resolves height against the chainstate's main chain.
// Heights the chainstate has already pruned away fall through to the
// upstream connector's own view, which may still have them. -8 is
// returned for a height at or above the lowest unpruned height that the
// chainstate does not have (the upstream is not asked), and for a pruned
// height the upstream does not have either.
func (a *chainAPI) Getblockhash(ctx context.Context, height uint64) (string, error) {
	lowest, err := a.backend.Store().GetLowestUnprunedHeight()
	if err != nil {
		return "", newError(errCodeInternal, "failed to get lowest unpruned height: %v", err)
	}

	if int64(height) >= lowest {
		hash, err := a.backend.Store().GetHashForHeight(height)
		if err == nil {
			return hash, nil
		}
		if err != chainstate.ErrNotFound {
			return "", newError(errCodeInternal, "failed to look up height %d: %v", height, err)
		}
		return "", newError(errCodeNotFound, "block height out of range")
	}

	blocks, err := a.backend.Chain().GetBlockRange(ctx, height, 1)
	if err != nil {
		return "", newError(errCodeInternal, "failed to query upstream for height %d: %v", height, err)
	}
	if len(blocks) == 0 {
		return "", newError(errCodeNotFound, "block height out of range")
	}
	return blocks[0].Hash, nil
}

// blockHeader is the minimal shape getblockheader reports: the hash is
// already known to the caller, so only the height is informative.
type blockHeader struct {
	Hash   string `json:"hash"`
	Height int64  `json:"height"`
}

// Getblockheader resolves hash against the chainstate first, falling
// through to the upstream connector's own mainchain-membership check
// when the chainstate has never seen (or has pruned) it. A hash unknown
// to both is reported with -5, not -8: it may simply never have existed,
// which "address or key not found" fits better than "not found in our
// own history."
func (a *chainAPI) Getblockheader(ctx context.Context, hash string) (blockHeader, error) {
	if cached, ok := a.headerCache.Get(hash); ok {
		return cached.(blockHeader), nil
	}

	height, err := a.backend.Store().GetHeightForHash(hash)
	if err == nil {
		header := blockHeader{Hash: hash, Height: height}
		a.headerCache.Set(hash, header)
		return header, nil
	}
	if err != chainstate.ErrNotFound {
		return blockHeader{}, newError(errCodeInternal, "failed to look up hash %s: %v", hash, err)
	}

	upstreamHeight, err := a.backend.Chain().GetMainchainHeight(ctx, hash)
	if err != nil {
		return blockHeader{}, newError(errCodeInternal, "failed to query upstream for hash %s: %v", hash, err)
	}
	if upstreamHeight < 0 {
		return blockHeader{}, newError(errCodeInvalidAddressOrKey, "block not found: %s", hash)
	}
	header := blockHeader{Hash: hash, Height: upstreamHeight}
	a.headerCache.Set(hash, header)
	return header, nil
}

// Verifymessage recovers the signer of sgnBase64 over message. With addr
// left empty it runs in recovery mode, reporting whatever address it
// recovered; given a non-empty addr it instead reports whether that
// address produced the signature.
func (a *chainAPI) Verifymessage(ctx context.Context, addr, message, sgnBase64 string) (interface{}, error) {
	sgn, err := base64.StdEncoding.DecodeString(sgnBase64)
	if err != nil {
		return nil, newError(errCodeInvalidParams, "signature is not valid base64: %v", err)
	}

	recovered, err := a.backend.Chain().VerifyMessage(ctx, message, hex.EncodeToString(sgn))
	if err != nil {
		return nil, newError(errCodeInvalidAddressOrKey, "signature verification failed: %v", err)
	}

	if addr == "" {
		return map[string]interface{}{"valid": true, "address": recovered}, nil
	}
	return recovered == addr, nil
}

func (a *chainAPI) Getrawmempool(ctx context.Context) ([]string, error) {
	txids, err := a.backend.Chain().GetMempool(ctx)
	if err != nil {
		return nil, newError(errCodeInternal, "failed to get mempool: %v", err)
	}
	return txids, nil
}

func (a *chainAPI) Stop() {
	a.backend.Stop()
}

// gameAPI is registered under namespace "game", so Sendupdates surfaces
// as game_sendupdates: the catch-up call a GSP uses to request any
// notifications it may have missed while disconnected. toblock is
// optional; nil means no stopping block is given, and the reply then
// covers as many attaches as the backend fetches in one call.
type gameAPI struct {
	backend Backend
}

func (a *gameAPI) Sendupdates(ctx context.Context, fromblock, gameid string, toblock *string) (UpdatesResult, error) {
	to := ""
	if toblock != nil {
		to = *toblock
	}
	result, err := a.backend.SendUpdates(ctx, fromblock, gameid, to)
	if err != nil {
		return UpdatesResult{}, newError(errCodeInternal, "sendupdates failed: %v", err)
	}
	return result, nil
}
