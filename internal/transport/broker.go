package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"varwire/internal/block"
	"varwire/internal/logging"
	"varwire/internal/runtime"
)

// Broker is a websocket client to a stream broker. On connect it subscribes
// to the connection's topics; inbound text messages are block batches, and
// outgoing batches go out as text messages carrying the batch and its
// topics. The socket reconnects with capped backoff and keeps itself alive
// with pings.
type Broker struct {
	url    string
	stream string
	topics []string

	pingEvery    time.Duration
	dialTimeout  time.Duration
	writeTimeout time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	batches chan *block.OrderedMap[*block.Block]
	stopCh  chan struct{}
}

// brokerEnvelope is the wire frame exchanged with the broker.
type brokerEnvelope struct {
	Kind   string          `json:"kind"` // subscribe, blocks, ping
	Topics []string        `json:"topics,omitempty"`
	Blocks json.RawMessage `json:"blocks,omitempty"`
}

// NewBroker creates a broker transport. stream is the default output topic;
// topics are the subscriptions.
func NewBroker(url, stream string, topics []string, pingEvery time.Duration) *Broker {
	if pingEvery <= 0 {
		pingEvery = 30 * time.Second
	}
	return &Broker{
		url:          url,
		stream:       stream,
		topics:       topics,
		pingEvery:    pingEvery,
		dialTimeout:  10 * time.Second,
		writeTimeout: 10 * time.Second,
		batches:      make(chan *block.OrderedMap[*block.Block], 16),
		stopCh:       make(chan struct{}),
	}
}

// Init dials the broker and starts the read and keepalive loops.
func (b *Broker) Init(con *runtime.Connection) error {
	if err := b.dial(); err != nil {
		return err
	}
	go b.readLoop()
	go b.pingLoop()
	return nil
}

func (b *Broker) dial() error {
	dialer := websocket.Dialer{HandshakeTimeout: b.dialTimeout}
	conn, _, err := dialer.Dial(b.url, nil)
	if err != nil {
		return fmt.Errorf("broker dial %s failed: %w", b.url, err)
	}
	sub := brokerEnvelope{Kind: "subscribe", Topics: b.topics}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("broker subscribe failed: %w", err)
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	logging.Transport("broker: connected to %s (topics %v)", b.url, b.topics)
	return nil
}

// readLoop pulls envelopes off the socket, redialing on failure with capped
// backoff.
func (b *Broker) readLoop() {
	backoff := time.Second
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn == nil {
			if err := b.dial(); err != nil {
				logging.Get(logging.CategoryTransport).Warn("broker: redial failed: %v", err)
				select {
				case <-b.stopCh:
					return
				case <-time.After(backoff):
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
				continue
			}
			backoff = time.Second
			continue
		}

		var env brokerEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			if b.isClosed() {
				return
			}
			logging.Get(logging.CategoryTransport).Warn("broker: read failed: %v", err)
			b.dropConn()
			continue
		}
		if env.Kind != "blocks" || len(env.Blocks) == 0 {
			continue
		}
		batch, errs := block.ParseBlocks(env.Blocks)
		for _, err := range errs {
			logging.Get(logging.CategoryTransport).Warn("broker: %v", err)
		}
		if batch.Len() == 0 {
			continue
		}
		select {
		case b.batches <- batch:
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) pingLoop() {
	ticker := time.NewTicker(b.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.mu.Lock()
			conn := b.conn
			b.mu.Unlock()
			if conn == nil {
				continue
			}
			deadline := time.Now().Add(b.writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logging.Get(logging.CategoryTransport).Warn("broker: ping failed: %v", err)
				b.dropConn()
			}
		}
	}
}

func (b *Broker) dropConn() {
	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.mu.Unlock()
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// IncomingPeriod bounds a single GetUpdates wait. The broker pushes, so the
// pump just parks on the channel.
func (b *Broker) IncomingPeriod(con *runtime.Connection) time.Duration {
	return runtime.DefaultIncomingPeriod
}

// OutgoingPeriod paces the refresh cycle.
func (b *Broker) OutgoingPeriod(con *runtime.Connection) time.Duration {
	return runtime.DefaultUpdatePeriod
}

// GetUpdates returns the next pushed batch, waiting up to the bound.
func (b *Broker) GetUpdates(con *runtime.Connection, wait time.Duration) (*block.OrderedMap[*block.Block], error) {
	select {
	case batch := <-b.batches:
		return batch, nil
	case <-b.stopCh:
		return nil, nil
	case <-time.After(wait):
		return nil, nil
	}
}

// SendUpdates publishes the batch to the connection's output stream.
func (b *Broker) SendUpdates(con *runtime.Connection, batch *block.OrderedMap[json.RawMessage]) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("broker is not connected")
	}
	env := brokerEnvelope{Kind: "blocks", Topics: []string{b.stream}, Blocks: data}
	conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
	if err := conn.WriteJSON(env); err != nil {
		b.dropConn()
		return fmt.Errorf("broker write failed: %w", err)
	}
	return nil
}

// Close shuts the socket down.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	close(b.stopCh)
	b.dropConn()
	return nil
}

var _ runtime.Transport = (*Broker)(nil)
