package websocket

import (
	"sync"
	"unicode/utf8"
)

// PreparedMessage caches the on-the-wire representation of a message
// payload. Use PreparedMessage to efficiently send one payload to many
// connections: the frame is encoded once instead of per send.
//
// The cache holds the unmasked single-frame form. Client connections mask
// every frame with a fresh key and connections with enabled extensions
// transform payloads per connection, so both fall back to the regular send
// path.
type PreparedMessage struct {
	messageType int
	data        []byte

	mu    sync.Mutex
	frame []byte
}

// NewPreparedMessage returns an initialized PreparedMessage.
func NewPreparedMessage(messageType int, data []byte) (*PreparedMessage, error) {
	if messageType != TextMessage && messageType != BinaryMessage {
		return nil, ErrInvalidMessageType
	}
	if messageType == TextMessage && !utf8.Valid(data) {
		return nil, ErrInvalidUTF8
	}
	return &PreparedMessage{messageType: messageType, data: data}, nil
}

func (pm *PreparedMessage) wireFrame() ([]byte, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.frame != nil {
		return pm.frame, nil
	}
	h := Header{Fin: true, Opcode: pm.messageType, Length: int64(len(pm.data))}
	buf, err := encodeHeader(make([]byte, 0, maxFrameHeaderSize+len(pm.data)), h)
	if err != nil {
		return nil, err
	}
	pm.frame = append(buf, pm.data...)
	return pm.frame, nil
}

// SendPrepared sends pm over the connection, reusing the cached frame when
// the connection can emit it verbatim.
func (s *Sender) SendPrepared(pm *PreparedMessage) error {
	c := s.c
	if !c.isServer || len(c.extensions) > 0 {
		return s.sendMessage(pm.messageType, pm.data)
	}

	frame, err := pm.wireFrame()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeErr != nil {
		return c.writeErr
	}
	if _, err := c.rwc.Write(frame); err != nil {
		c.writeErr = err
		return err
	}
	return c.flush()
}
