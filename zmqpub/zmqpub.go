// Package zmqpub implements the ZMQ publisher (C5): per-game, per-topic
// sequence-numbered multipart notifications of attached/detached blocks
// and pending moves, filtering each block's moves down to the entries a
// single game cares about.
package zmqpub

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	zmq "github.com/pebbe/zmq4"

	"github.com/xaya/xayax/block"
	"github.com/xaya/xayax/logging"
	"github.com/xaya/xayax/metrics"
)

const (
	prefixAttach  = "game-block-attach"
	prefixDetach  = "game-block-detach"
	prefixPending = "game-pending-move"

	sendHWM = 1000
)

// Publisher owns the ZMQ PUB socket and the per-topic sequence counters
// required by the wire protocol.
type Publisher struct {
	mu sync.Mutex

	socket *zmq.Socket
	chain  string

	trackedGames map[string]bool
	seq          map[string]uint32
}

// New binds a PUB socket at endpoint (e.g. "tcp://*:28555").
func New(endpoint, chain string) (*Publisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("zmqpub: create socket: %w", err)
	}
	if err := socket.SetSndhwm(sendHWM); err != nil {
		socket.Close()
		return nil, fmt.Errorf("zmqpub: set SNDHWM: %w", err)
	}
	if err := socket.SetTcpKeepalive(1); err != nil {
		socket.Close()
		return nil, fmt.Errorf("zmqpub: set TCP_KEEPALIVE: %w", err)
	}
	if err := socket.Bind(endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("zmqpub: bind %s: %w", endpoint, err)
	}
	return &Publisher{
		socket:       socket,
		chain:        chain,
		trackedGames: make(map[string]bool),
		seq:          make(map[string]uint32),
	}, nil
}

// Close unbinds the socket, setting LINGER=0 first so a slow or absent
// subscriber can never block shutdown.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.socket.SetLinger(0)
	return p.socket.Close()
}

// TrackGame adds game to the set of games this publisher announces
// topics for.
func (p *Publisher) TrackGame(game string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trackedGames[game] = true
}

// UntrackGame removes game from the tracked set. Tracking is not
// counted: one UntrackGame call removes game however many times
// TrackGame was called for it.
func (p *Publisher) UntrackGame(game string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.trackedGames, game)
}

// TrackedGames returns the currently tracked game ids.
func (p *Publisher) TrackedGames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	games := make([]string, 0, len(p.trackedGames))
	for g := range p.trackedGames {
		games = append(games, g)
	}
	return games
}

func (p *Publisher) trackedSnapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	games := make([]string, 0, len(p.trackedGames))
	for g := range p.trackedGames {
		games = append(games, g)
	}
	return games
}

// SendBlockAttach announces blk as newly attached to the mainchain. Every
// tracked game receives a notification, even one whose moves and admin
// arrays both come out empty. reqtoken is stamped into the payload when
// the call originates from a game_sendupdates catch-up rather than a live
// tip update, where it is left empty.
func (p *Publisher) SendBlockAttach(blk *block.Block, reqtoken string) error {
	return p.sendBlockForGames(prefixAttach, blk, reqtoken)
}

// SendBlockDetach announces blk as detached by a reorg.
func (p *Publisher) SendBlockDetach(blk *block.Block, reqtoken string) error {
	return p.sendBlockForGames(prefixDetach, blk, reqtoken)
}

func (p *Publisher) sendBlockForGames(prefix string, blk *block.Block, reqtoken string) error {
	blockObj, err := buildBlockObject(blk)
	if err != nil {
		return fmt.Errorf("zmqpub: encode block %s: %w", blk.Hash, err)
	}

	for _, game := range p.trackedSnapshot() {
		moves, admin := filterMovesForGame(blk.Moves, game)

		wire := map[string]interface{}{
			"block": blockObj,
			"moves": moves,
			"admin": admin,
		}
		if reqtoken != "" {
			wire["reqtoken"] = reqtoken
		}

		topic := fmt.Sprintf("%s json %s", prefix, game)
		if err := p.send(topic, wire); err != nil {
			return err
		}
	}
	return nil
}

// SendPendingMoves announces moves relevant to each tracked game as a
// bare JSON array on that game's pending topic, with no block/reqtoken
// wrapper. Unlike block attach/detach, a game with nothing to report
// gets no message at all: there is no block boundary here to make an
// empty notification meaningful, only per-move noise to avoid.
func (p *Publisher) SendPendingMoves(moves []block.Move) error {
	for _, game := range p.trackedSnapshot() {
		playerEntries, adminEntries := filterMovesForGame(moves, game)
		entries := append(playerEntries, adminEntries...)
		if len(entries) == 0 {
			continue
		}

		topic := fmt.Sprintf("%s json %s", prefixPending, game)
		if err := p.send(topic, entries); err != nil {
			return err
		}
	}
	return nil
}

// buildBlockObject flattens a block's metadata alongside its core fields,
// matching the attach/detach wire shape.
func buildBlockObject(blk *block.Block) (map[string]interface{}, error) {
	obj := map[string]interface{}{
		"hash":   blk.Hash,
		"parent": blk.Parent,
		"height": blk.Height,
	}
	if blk.Rngseed != "" {
		obj["rngseed"] = blk.Rngseed
	}
	if err := flattenInto(obj, blk.Metadata); err != nil {
		return nil, err
	}
	return obj, nil
}

// filterMovesForGame runs the move-filtering algorithm over moves for a
// single game: admin commands (ns=="g") target the game named by the
// move itself, player moves (ns=="p") fan out per sub-key of their "g"
// object, one sub-key per targeted game. Moves whose mv payload isn't a
// well-formed, duplicate-key-free JSON object are dropped with a warning
// rather than failing the whole block.
func filterMovesForGame(moves []block.Move, game string) (playerEntries, adminEntries []interface{}) {
	for i := range moves {
		mv := moves[i]

		obj, err := strictParseObject(mv.Mv)
		if err != nil {
			logging.Logger.Warningf("zmqpub: dropping malformed move %s: %v", mv.Txid, err)
			continue
		}

		switch mv.Ns {
		case "g":
			cmd, ok := obj["cmd"]
			if !ok || mv.Name != game {
				continue
			}
			entry, err := buildEntry(mv, game)
			if err != nil {
				logging.Logger.Warningf("zmqpub: dropping malformed move %s: %v", mv.Txid, err)
				continue
			}
			entry["cmd"] = cmd
			adminEntries = append(adminEntries, entry)

		case "p":
			gRaw, ok := obj["g"]
			if !ok {
				continue
			}
			gObj, err := strictParseObject(gRaw)
			if err != nil {
				logging.Logger.Warningf("zmqpub: dropping malformed move %s: %v", mv.Txid, err)
				continue
			}
			val, ok := gObj[game]
			if !ok {
				continue
			}
			entry, err := buildEntry(mv, game)
			if err != nil {
				logging.Logger.Warningf("zmqpub: dropping malformed move %s: %v", mv.Txid, err)
				continue
			}
			entry["move"] = val
			playerEntries = append(playerEntries, entry)
		}
	}
	return playerEntries, adminEntries
}

// buildEntry starts an output entry with the fields common to every
// filtered move: the originating txid, the flattened free-form metadata
// and the amount burnt towards game, defaulting to zero.
func buildEntry(mv block.Move, game string) (map[string]interface{}, error) {
	entry := map[string]interface{}{
		"txid":  mv.Txid,
		"burnt": burntFor(mv, game),
	}
	if err := flattenInto(entry, mv.Metadata); err != nil {
		return nil, err
	}
	return entry, nil
}

func burntFor(mv block.Move, game string) json.Number {
	if mv.Burns == nil {
		return "0"
	}
	if amount, ok := mv.Burns[game]; ok {
		return amount
	}
	return "0"
}

// flattenInto merges raw's top-level keys into dst. An empty raw is a
// no-op.
func flattenInto(dst map[string]interface{}, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	obj, err := strictParseObject(raw)
	if err != nil {
		return err
	}
	for k, v := range obj {
		dst[k] = v
	}
	return nil
}

// strictParseObject decodes raw as a single JSON object, rejecting
// trailing data, a non-object top level and duplicate keys. The standard
// decoder otherwise silently keeps the last of two duplicate keys, which
// would let a move payload smuggle a key past this exact filtering
// algorithm depending on decoder internals.
func strictParseObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("zmqpub: read token: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("zmqpub: top-level value is not an object")
	}

	out := make(map[string]json.RawMessage)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("zmqpub: read key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("zmqpub: non-string object key")
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("zmqpub: duplicate key %q", key)
		}

		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil, fmt.Errorf("zmqpub: decode value for %q: %w", key, err)
		}
		out[key] = val
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("zmqpub: read closing brace: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("zmqpub: trailing data after object")
	}
	return out, nil
}

// send marshals payload, assigns the next sequence number for topic and
// sends the standard three-frame message: topic, JSON payload, and a
// little-endian 4-byte sequence number.
func (p *Publisher) send(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("zmqpub: encode payload: %w", err)
	}

	p.mu.Lock()
	seq := p.seq[topic]
	p.seq[topic] = seq + 1
	p.mu.Unlock()

	seqBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(seqBytes, seq)

	if _, err := p.socket.SendMessage(topic, data, seqBytes); err != nil {
		return fmt.Errorf("zmqpub: send %s: %w", topic, err)
	}
	metrics.ZMQSequenceGauge.WithLabelValues(topic).Set(float64(seq + 1))
	return nil
}
