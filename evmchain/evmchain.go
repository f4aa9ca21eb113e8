// Package evmchain implements basechain.BaseChain against an EVM
// JSON-RPC/websocket node, using go-ethereum's ethclient, rpc,
// core/types and accounts/abi packages, per SPEC_FULL.md §4.9.
package evmchain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/xaya/xayax/basechain"
	"github.com/xaya/xayax/block"
)

// moveEventSignature describes the single event this connector
// understands: a move-carrying log with the indexed name, the namespace
// tag ("p" or "g"), the move JSON and an optional metadata JSON. Logs are
// not filtered by contract address.
//
//	event Move(string indexed name, string ns, string move, string metadata)
const moveEventSignature = "Move(string,string,string,string)"

// Config configures a Chain.
type Config struct {
	RPCURL         string
	WSURL          string
	MoveEventTopic string
	Chain          string
}

// Chain implements basechain.BaseChain over an EVM node.
type Chain struct {
	cfg Config

	client   *ethclient.Client
	wsClient *rpc.Client

	moveEvent abi.Event

	cb basechain.Callbacks

	mu            sync.Mutex
	pendingEnabled bool
}

// New dials neither endpoint yet; call Start to connect.
func New(cfg Config) (*Chain, error) {
	parsedABI, err := abi.JSON(strings.NewReader(fmt.Sprintf(`[{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "string", "name": "name", "type": "string"},
			{"indexed": false, "internalType": "string", "name": "ns", "type": "string"},
			{"indexed": false, "internalType": "string", "name": "move", "type": "string"},
			{"indexed": false, "internalType": "string", "name": "metadata", "type": "string"}
		],
		"name": "Move",
		"type": "event"
	}]`)))
	if err != nil {
		return nil, fmt.Errorf("evmchain: parse move event abi: %w", err)
	}
	return &Chain{cfg: cfg, moveEvent: parsedABI.Events["Move"]}, nil
}

func (c *Chain) SetCallbacks(cb basechain.Callbacks) { c.cb = cb }

// Start dials the RPC and websocket endpoints and subscribes to new
// block headers, firing TipChanged on each one.
func (c *Chain) Start(ctx context.Context) error {
	client, err := ethclient.DialContext(ctx, c.cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("evmchain: dial rpc: %w", err)
	}
	c.client = client

	if c.cfg.WSURL != "" {
		wsClient, err := rpc.DialContext(ctx, c.cfg.WSURL)
		if err != nil {
			return fmt.Errorf("evmchain: dial websocket: %w", err)
		}
		c.wsClient = wsClient
		go c.watchNewHeads(ctx)
	}
	return nil
}

func (c *Chain) watchNewHeads(ctx context.Context) {
	headers := make(chan *types.Header)
	sub, err := c.wsClient.EthSubscribe(ctx, headers, "newHeads")
	if err != nil {
		return
	}
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			_ = err
			return
		case h := <-headers:
			if c.cb != nil {
				c.cb.TipChanged(h.Hash().Hex())
			}
		}
	}
}

// EnablePending subscribes to newPendingTransactions if a websocket
// endpoint is configured.
func (c *Chain) EnablePending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wsClient == nil {
		return false
	}
	if !c.pendingEnabled {
		c.pendingEnabled = true
		go c.watchPending(context.Background())
	}
	return true
}

func (c *Chain) watchPending(ctx context.Context) {
	txHashes := make(chan common.Hash)
	sub, err := c.wsClient.EthSubscribe(ctx, txHashes, "newPendingTransactions")
	if err != nil {
		return
	}
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			_ = err
			return
		case hash := <-txHashes:
			mv, ok := c.decodePendingMove(ctx, hash)
			if ok && c.cb != nil {
				c.cb.PendingMoves([]block.Move{mv})
			}
		}
	}
}

func (c *Chain) decodePendingMove(ctx context.Context, hash common.Hash) (block.Move, bool) {
	receipt, err := c.client.TransactionReceipt(ctx, hash)
	if err != nil {
		return block.Move{}, false
	}
	for _, log := range receipt.Logs {
		if mv, ok := c.decodeMoveLog(log, hash); ok {
			return mv, true
		}
	}
	return block.Move{}, false
}

func (c *Chain) GetTipHeight(ctx context.Context) (uint64, error) {
	header, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("evmchain: header by number: %w", err)
	}
	return header.Number.Uint64(), nil
}

// GetBlockRange pulls blocks by number and their logs, decoding the
// move event and ordering moves by (transactionIndex, logIndex) as
// required by the data model's EVM ordering invariant.
func (c *Chain) GetBlockRange(ctx context.Context, start, count uint64) ([]block.Block, error) {
	out := make([]block.Block, 0, count)
	for h := start; h < start+count; h++ {
		header, err := c.client.HeaderByNumber(ctx, new(big.Int).SetUint64(h))
		if err != nil {
			break
		}

		logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: header.Number,
			ToBlock:   header.Number,
		})
		if err != nil {
			return nil, fmt.Errorf("evmchain: filter logs at %d: %w", h, err)
		}

		moves := make([]block.Move, 0, len(logs))
		for _, lg := range logs {
			if mv, ok := c.decodeMoveLog(lg, lg.TxHash); ok {
				moves = append(moves, mv)
			}
		}

		parent := ""
		if h > 0 {
			parent = header.ParentHash.Hex()
		}
		metadata, err := json.Marshal(struct {
			Timestamp uint64 `json:"timestamp"`
		}{header.Time})
		if err != nil {
			return nil, fmt.Errorf("evmchain: encode block metadata at %d: %w", h, err)
		}
		out = append(out, block.Block{
			Hash:     header.Hash().Hex(),
			Parent:   parent,
			Height:   h,
			Metadata: metadata,
			Moves:    moves,
		})
	}
	return out, nil
}

func (c *Chain) decodeMoveLog(lg *types.Log, txHash common.Hash) (block.Move, bool) {
	topic := c.moveEvent.ID
	if c.cfg.MoveEventTopic != "" {
		topic = common.HexToHash(c.cfg.MoveEventTopic)
	}
	if len(lg.Topics) == 0 || lg.Topics[0] != topic {
		return block.Move{}, false
	}
	var decoded struct {
		Ns       string
		Move     string
		Metadata string
	}
	if err := c.moveEvent.Inputs.NonIndexed().UnpackIntoInterface(&decoded, "", lg.Data); err != nil {
		return block.Move{}, false
	}
	name := ""
	if len(lg.Topics) > 1 {
		name = lg.Topics[1].Hex()
	}
	mv := block.Move{
		Txid: txHash.Hex(),
		Ns:   decoded.Ns,
		Name: name,
		Mv:   []byte(decoded.Move),
	}
	if decoded.Metadata != "" {
		mv.Metadata = json.RawMessage(decoded.Metadata)
	}
	return mv, true
}

func (c *Chain) GetMainchainHeight(ctx context.Context, hash string) (int64, error) {
	header, err := c.client.HeaderByHash(ctx, common.HexToHash(hash))
	if err != nil {
		return -1, nil
	}
	canonical, err := c.client.HeaderByNumber(ctx, header.Number)
	if err != nil || canonical.Hash() != header.Hash() {
		return -1, nil
	}
	return header.Number.Int64(), nil
}

func (c *Chain) GetMempool(ctx context.Context) ([]string, error) {
	// go-ethereum's public client does not expose a generic mempool
	// listing; connectors against nodes that support txpool_content
	// would implement this via a raw RPC call, which is out of scope
	// for the reference connector.
	return nil, nil
}

// VerifyMessage recovers the signer via crypto.SigToPub +
// crypto.PubkeyToAddress and returns the EIP-55 checksummed address,
// the canonical single representation basechain.hpp requires.
func (c *Chain) VerifyMessage(ctx context.Context, msg, signature string) (string, error) {
	sigBytes := common.FromHex(signature)
	if len(sigBytes) != 65 {
		return "", fmt.Errorf("evmchain: signature must be 65 bytes")
	}
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)))
	pub, err := crypto.SigToPub(hash.Bytes(), sigBytes)
	if err != nil {
		return "", fmt.Errorf("evmchain: recover pubkey: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

func (c *Chain) GetChain() string { return c.cfg.Chain }

func (c *Chain) GetVersion() uint64 { return 1 }
