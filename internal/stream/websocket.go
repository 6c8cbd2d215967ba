package stream

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"relaymesh/node/internal/logging"
)

const (
	writeWait          = 10 * time.Second
	pongWaitMultiplier = 2
	sendBufferSize     = 256
)

// Compression selects the optional payload compression applied to outbound
// envelope bytes before they hit the wire.
type Compression int

const (
	// CompressionNone sends the canonical JSON bytes unmodified.
	CompressionNone Compression = iota
	// CompressionSnappy frames payloads with golang/snappy.
	CompressionSnappy
	// CompressionZstd frames payloads with klauspost/compress's zstd encoder.
	CompressionZstd
)

// WebSocketStream adapts a gorilla/websocket connection into the Handle
// contract, carrying over the teacher's buffered-send-channel-plus-writer-
// goroutine shape: one writer goroutine per connection drains a bounded
// channel and owns all write-side socket calls, while ping keepalive extends
// the peer's read deadline via the pong handler.
type WebSocketStream struct {
	conn        *websocket.Conn
	send        chan []byte
	closeOnce   sync.Once
	closed      chan struct{}
	log         *logging.Logger
	pingEvery   time.Duration
	compression Compression
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
}

// NewWebSocketStream wraps conn, starting the background writer/keepalive
// goroutine. pingEvery defaults to 20s if non-positive.
func NewWebSocketStream(conn *websocket.Conn, logger *logging.Logger, pingEvery time.Duration, compression Compression) *WebSocketStream {
	if logger == nil {
		logger = logging.L()
	}
	if pingEvery <= 0 {
		pingEvery = 20 * time.Second
	}
	s := &WebSocketStream{
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		closed:      make(chan struct{}),
		log:         logger,
		pingEvery:   pingEvery,
		compression: compression,
	}
	if compression == CompressionZstd {
		if enc, err := zstd.NewWriter(nil); err == nil {
			s.zstdEncoder = enc
		}
		if dec, err := zstd.NewReader(nil); err == nil {
			s.zstdDecoder = dec
		}
	}

	waitDuration := time.Duration(pongWaitMultiplier) * pingEvery
	_ = conn.SetReadDeadline(time.Now().Add(waitDuration))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	go s.writeLoop()
	return s
}

// SendPacket encodes and enqueues payload for delivery, failing fast once the
// stream has been closed.
func (s *WebSocketStream) SendPacket(payload []byte) error {
	if s == nil {
		return ErrStreamClosed
	}
	encoded, err := s.encode(payload)
	if err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrStreamClosed
	default:
	}
	select {
	case s.send <- encoded:
		return nil
	case <-s.closed:
		return ErrStreamClosed
	default:
		// Buffer full: treat as a closed transport rather than block the caller,
		// matching the fire-and-forget contract of the hot path.
		return ErrStreamClosed
	}
}

// Close idempotently tears down the underlying connection.
func (s *WebSocketStream) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
	return nil
}

// ReadMessage blocks for the next inbound frame, decoding it if compression
// is enabled. It is used by the peer's reader goroutine, owned by the caller.
func (s *WebSocketStream) ReadMessage() ([]byte, error) {
	messageType, msg, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
		return nil, nil
	}
	return s.decode(msg)
}

func (s *WebSocketStream) encode(payload []byte) ([]byte, error) {
	switch s.compression {
	case CompressionSnappy:
		return snappy.Encode(nil, payload), nil
	case CompressionZstd:
		if s.zstdEncoder == nil {
			return payload, nil
		}
		return s.zstdEncoder.EncodeAll(payload, nil), nil
	default:
		return payload, nil
	}
}

func (s *WebSocketStream) decode(payload []byte) ([]byte, error) {
	switch s.compression {
	case CompressionSnappy:
		return snappy.Decode(nil, payload)
	case CompressionZstd:
		if s.zstdDecoder == nil {
			return payload, nil
		}
		return s.zstdDecoder.DecodeAll(payload, nil)
	default:
		return payload, nil
	}
}

func (s *WebSocketStream) writeLoop() {
	ticker := time.NewTicker(s.pingEvery)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.log.Warn("failed to set write deadline", logging.Error(err))
				_ = s.Close()
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				s.log.Warn("stream write failed", logging.Error(err))
				_ = s.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				s.log.Warn("ping failed", logging.Error(err))
				_ = s.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}
