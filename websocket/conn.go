package websocket

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMaxMessageSize bounds the size of an assembled message, after any
// extension decoding, unless the Builder overrides it.
const DefaultMaxMessageSize = 256 << 20

const defaultWriteBufferSize = 4096

// Connection states for the closing handshake, RFC 6455, section 7.
type connState int

const (
	stateOpen connState = iota
	stateCloseSent
	stateCloseReceived
	stateClosed
)

// Builder assembles a connection from a transport whose opening handshake
// has already completed. Most callers obtain one from ClientHandshake.Do or
// ServerHandshake.Accept; NewBuilder exists for transports upgraded by other
// means.
//
// Finish splits the Builder into a Sender and a Receiver that share the
// transport. The split pair supports one concurrent sender goroutine and one
// concurrent receiver goroutine; the Receiver briefly takes the write half
// to answer Pings and echo Close frames.
type Builder struct {
	rwc          io.ReadWriteCloser
	br           *bufio.Reader
	isServer     bool
	subprotocol  string
	extensions   []Extension
	maxMsgSize   int64
	fragmentSize int
	validateUTF8 bool
	logger       zerolog.Logger
	id           string
}

// NewBuilder returns a Builder for an already-upgraded transport. isServer
// selects the masking direction: servers verify inbound masks and send
// unmasked, clients the reverse (RFC 6455, section 5.3).
func NewBuilder(rwc io.ReadWriteCloser, isServer bool) *Builder {
	return newBuilder(rwc, nil, isServer)
}

func newBuilder(rwc io.ReadWriteCloser, br *bufio.Reader, isServer bool) *Builder {
	return &Builder{
		rwc:          rwc,
		br:           br,
		isServer:     isServer,
		maxMsgSize:   DefaultMaxMessageSize,
		validateUTF8: true,
		logger:       zerolog.Nop(),
		id:           uuid.NewString(),
	}
}

// SetMaxMessageSize caps the size of an assembled inbound message after
// extension decoding. Exceeding it closes the connection with status 1009.
func (b *Builder) SetMaxMessageSize(n int64) {
	if n > 0 {
		b.maxMsgSize = n
	}
}

// SetFragmentSize sets the threshold above which outbound data messages are
// split into continuation frames. Zero disables fragmentation.
func (b *Builder) SetFragmentSize(n int) {
	b.fragmentSize = n
}

// SetValidateUTF8 controls whether complete text messages are checked for
// valid UTF-8 before delivery (RFC 6455, section 8.1). Enabled by default.
func (b *Builder) SetValidateUTF8(v bool) {
	b.validateUTF8 = v
}

// AddExtension appends an extension to the connection. Extensions disabled
// during the handshake are skipped at Finish.
func (b *Builder) AddExtension(e Extension) {
	b.extensions = append(b.extensions, e)
}

// SetLogger attaches a logger for connection lifecycle events.
func (b *Builder) SetLogger(l zerolog.Logger) {
	b.logger = l
}

// Subprotocol returns the subprotocol selected during the handshake, if any.
func (b *Builder) Subprotocol() string {
	return b.subprotocol
}

// Finish splits the Builder into the Sender/Receiver pair. It fails with
// ErrRsvConflict when two enabled extensions claim the same reserved bit.
func (b *Builder) Finish() (*Sender, *Receiver, error) {
	var accepted byte
	var enabled []Extension
	for _, e := range b.extensions {
		if !e.Enabled() {
			continue
		}
		var err error
		accepted, err = e.ReserveBits(accepted)
		if err != nil {
			return nil, nil, err
		}
		enabled = append(enabled, e)
	}

	br := b.br
	if br == nil {
		br = bufio.NewReader(b.rwc)
	}

	c := &conn{
		rwc:          b.rwc,
		br:           br,
		isServer:     b.isServer,
		extensions:   enabled,
		acceptedRsv:  accepted,
		maxMsgSize:   b.maxMsgSize,
		fragmentSize: b.fragmentSize,
		validateUTF8: b.validateUTF8,
		writeBuf:     make([]byte, 0, defaultWriteBufferSize+maxFrameHeaderSize),
		logger:       b.logger.With().Str("conn_id", b.id).Logger(),
	}
	return &Sender{c: c}, &Receiver{c: c}, nil
}

// conn is the state shared between a Sender and a Receiver.
type conn struct {
	rwc          io.ReadWriteCloser
	br           *bufio.Reader
	isServer     bool
	extensions   []Extension // enabled only; encode walks forward, decode backward
	acceptedRsv  byte
	maxMsgSize   int64
	fragmentSize int
	validateUTF8 bool
	logger       zerolog.Logger

	writeMu  sync.Mutex
	writeErr error
	writeBuf []byte // header + small payload scratch, guarded by writeMu

	stateMu sync.Mutex
	state   connState
}

func (c *conn) getState() connState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *conn) setState(s connState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// writeFrame serializes one frame. The caller holds writeMu. Client frames
// are masked with a fresh key per RFC 6455, section 5.3.
func (c *conn) writeFrame(h Header, payload []byte) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	if c.getState() == stateClosed {
		return ErrClosed
	}

	h.Length = int64(len(payload))
	h.Masked = !c.isServer
	if h.Masked {
		if _, err := io.ReadFull(randReader, h.MaskKey[:]); err != nil {
			return err
		}
	}

	buf, err := encodeHeader(c.writeBuf[:0], h)
	if err != nil {
		return err
	}

	// Small frames go out in a single write.
	if len(buf)+len(payload) <= cap(c.writeBuf) {
		start := len(buf)
		buf = append(buf, payload...)
		if h.Masked {
			maskBytes(h.MaskKey[:], 0, buf[start:])
		}
		if _, err := c.rwc.Write(buf); err != nil {
			c.writeErr = err
			return err
		}
		return nil
	}

	data := payload
	if h.Masked {
		data = make([]byte, len(payload))
		copy(data, payload)
		maskBytes(h.MaskKey[:], 0, data)
	}
	if _, err := c.rwc.Write(buf); err != nil {
		c.writeErr = err
		return err
	}
	if _, err := c.rwc.Write(data); err != nil {
		c.writeErr = err
		return err
	}
	return nil
}

// writeControl frames a single control message.
func (c *conn) writeControl(op int, payload []byte) error {
	if op != CloseMessage && op != PingMessage && op != PongMessage {
		return ErrInvalidControlFrame
	}
	if len(payload) > maxControlFramePayloadSize {
		return ErrControlFramePayloadTooBig
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.writeFrame(Header{Fin: true, Opcode: op}, payload)
}

// markCloseSent flips the write half into the closed state. The caller must
// not hold writeMu.
func (c *conn) markCloseSent() {
	c.writeMu.Lock()
	if c.writeErr == nil {
		c.writeErr = ErrCloseSent
	}
	_ = c.flush()
	c.writeMu.Unlock()
}

// flush pushes pending bytes down to the transport when it buffers writes.
func (c *conn) flush() error {
	if f, ok := c.rwc.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Sender owns the write half of a connection. Methods must not be called
// from more than one goroutine at a time.
type Sender struct {
	c *conn
}

// SendText sends data as a single text message. The payload must be valid
// UTF-8 per RFC 6455, section 5.6.
func (s *Sender) SendText(data []byte) error {
	if !utf8.Valid(data) {
		return ErrInvalidUTF8
	}
	return s.sendMessage(TextMessage, data)
}

// SendBinary sends data as a single binary message.
func (s *Sender) SendBinary(data []byte) error {
	return s.sendMessage(BinaryMessage, data)
}

// SendPing sends a Ping control frame; the payload must be at most 125 bytes.
func (s *Sender) SendPing(payload []byte) error {
	return s.c.writeControl(PingMessage, payload)
}

// SendPong sends an unsolicited Pong control frame (RFC 6455, section 5.5.3).
func (s *Sender) SendPong(payload []byte) error {
	return s.c.writeControl(PongMessage, payload)
}

// Flush pushes pending bytes to the transport, when it buffers writes.
func (s *Sender) Flush() error {
	s.c.writeMu.Lock()
	defer s.c.writeMu.Unlock()
	return s.c.flush()
}

// Close sends a Close frame and starts the closing handshake. A zero code
// sends an empty close payload; 1005, 1006 and 1015 must never appear on
// the wire (RFC 6455, section 7.4.1). Subsequent sends return ErrCloseSent.
func (s *Sender) Close(code int, reason string) error {
	if code != 0 && !isValidCloseCode(code) {
		return ErrInvalidCloseCode
	}
	if len(reason) > maxCloseReasonSize {
		return ErrControlFramePayloadTooBig
	}

	c := s.c
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeErr != nil {
		return c.writeErr
	}

	if err := c.writeFrame(Header{Fin: true, Opcode: CloseMessage}, FormatCloseMessage(code, reason)); err != nil {
		return err
	}
	c.writeErr = ErrCloseSent

	c.stateMu.Lock()
	if c.state == stateOpen {
		c.state = stateCloseSent
	}
	c.stateMu.Unlock()

	c.logger.Debug().Int("code", code).Msg("close sent")
	return c.flush()
}

// sendMessage runs the outbound extension chain and frames one data message,
// splitting it at the fragmentation threshold when one is configured.
func (s *Sender) sendMessage(op int, data []byte) error {
	c := s.c
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeErr != nil {
		return c.writeErr
	}

	h := Header{Fin: true, Opcode: op}
	st := Borrowed(data)
	for _, ext := range c.extensions {
		if err := ext.Encode(&h, &st); err != nil {
			return err
		}
	}
	payload := st.Bytes()

	if c.fragmentSize <= 0 || len(payload) <= c.fragmentSize {
		if err := c.writeFrame(h, payload); err != nil {
			return err
		}
		return c.flush()
	}

	// Reserved bits go on the first frame of the message only
	// (RFC 7692, section 6).
	first := true
	for off := 0; ; {
		end := off + c.fragmentSize
		if end > len(payload) {
			end = len(payload)
		}
		fh := Header{Opcode: continuationFrame, Fin: end == len(payload)}
		if first {
			fh.Opcode = h.Opcode
			fh.Rsv1, fh.Rsv2, fh.Rsv3 = h.Rsv1, h.Rsv2, h.Rsv3
			first = false
		}
		if err := c.writeFrame(fh, payload[off:end]); err != nil {
			return err
		}
		if end == len(payload) {
			return c.flush()
		}
		off = end
	}
}

// Incoming describes one event surfaced by Receiver.Receive.
type Incoming struct {
	// MessageType is TextMessage, BinaryMessage, or PongMessage.
	MessageType int
	// N is the number of message bytes appended to the caller's buffer.
	N int
	// Pong holds the payload of a Pong control frame.
	Pong []byte
}

// Receiver owns the read half of a connection. Methods must not be called
// from more than one goroutine at a time.
type Receiver struct {
	c *conn

	readErr    error
	assembling bool
	msgHeader  Header // first frame of the in-flight message
	assembly   []byte // fragments gathered so far
}

// Receive drives the transport until a complete event occurs. Assembled
// data messages are appended to buf and the extended slice is returned
// alongside the event. Pings are answered automatically; Pongs surface as
// events. A Close from the peer completes the closing handshake and is
// returned as a *CloseError.
func (r *Receiver) Receive(buf []byte) (Incoming, []byte, error) {
	if r.readErr != nil {
		return Incoming{}, buf, r.readErr
	}
	c := r.c

	for {
		h, err := c.readHeader()
		if err != nil {
			return Incoming{}, buf, r.fail(err)
		}

		// RFC 6455, section 5.3: frames from the client must be masked,
		// frames from the server must not be.
		if c.isServer && !h.Masked {
			return Incoming{}, buf, r.fail(ErrUnmaskedFrame)
		}
		if !c.isServer && h.Masked {
			return Incoming{}, buf, r.fail(ErrMaskedFrame)
		}

		switch h.Opcode {
		case PingMessage:
			payload, err := c.readPayload(h, nil)
			if err != nil {
				return Incoming{}, buf, r.fail(err)
			}
			// Answer through the shared write half; after a Close went
			// out no further frames may follow it.
			if err := c.writeControl(PongMessage, payload); err != nil && err != ErrCloseSent {
				return Incoming{}, buf, r.fail(err)
			}
			continue

		case PongMessage:
			payload, err := c.readPayload(h, nil)
			if err != nil {
				return Incoming{}, buf, r.fail(err)
			}
			return Incoming{MessageType: PongMessage, Pong: payload}, buf, nil

		case CloseMessage:
			payload, err := c.readPayload(h, nil)
			if err != nil {
				return Incoming{}, buf, r.fail(err)
			}
			return Incoming{}, buf, r.handleClose(payload)

		case TextMessage, BinaryMessage:
			if r.assembling {
				return Incoming{}, buf, r.fail(ErrExpectedContinuation)
			}
			r.assembling = true
			r.msgHeader = h
			r.assembly = r.assembly[:0]

		case continuationFrame:
			if !r.assembling {
				return Incoming{}, buf, r.fail(ErrUnexpectedContinuation)
			}
		}

		if int64(len(r.assembly))+h.Length > c.maxMsgSize {
			return Incoming{}, buf, r.fail(ErrMessageTooLarge)
		}
		r.assembly, err = c.readPayload(h, r.assembly)
		if err != nil {
			return Incoming{}, buf, r.fail(err)
		}
		if !h.Fin {
			continue
		}

		r.assembling = false
		msg, err := r.finishMessage()
		if err != nil {
			return Incoming{}, buf, r.fail(err)
		}
		return Incoming{MessageType: r.msgHeader.Opcode, N: len(msg)}, append(buf, msg...), nil
	}
}

// ReceiveData behaves like Receive but silently swallows Pong events, so
// the caller only ever observes complete text or binary messages.
func (r *Receiver) ReceiveData(buf []byte) (int, []byte, error) {
	for {
		in, out, err := r.Receive(buf)
		if err != nil {
			return 0, out, err
		}
		if in.MessageType == PongMessage {
			continue
		}
		return in.MessageType, out, nil
	}
}

// finishMessage runs the inbound extension chain over the assembled payload
// and validates the result. Decode runs in reverse installation order
// (RFC 7692, section 5 layering).
func (r *Receiver) finishMessage() ([]byte, error) {
	c := r.c

	mh := r.msgHeader
	mh.Fin = true
	mh.Length = int64(len(r.assembly))

	msg := r.assembly
	var err error
	for i := len(c.extensions) - 1; i >= 0; i-- {
		msg, err = c.extensions[i].Decode(mh, msg, c.maxMsgSize)
		if err != nil {
			return nil, err
		}
	}

	if int64(len(msg)) > c.maxMsgSize {
		return nil, ErrMessageTooLarge
	}
	if mh.Opcode == TextMessage && c.validateUTF8 && !utf8.Valid(msg) {
		return nil, ErrInvalidUTF8
	}
	return msg, nil
}

// handleClose finishes the closing handshake per RFC 6455, section 7, and
// surfaces the peer's close as a *CloseError.
func (r *Receiver) handleClose(payload []byte) error {
	c := r.c

	code := CloseNoStatusReceived
	text := ""
	switch {
	case len(payload) == 1:
		return r.fail(ErrInvalidCloseCode)
	case len(payload) >= 2:
		code = int(binary.BigEndian.Uint16(payload))
		text = string(payload[2:])
		if !isValidCloseCode(code) {
			return r.fail(ErrInvalidCloseCode)
		}
		if !utf8.ValidString(text) {
			return r.fail(ErrInvalidUTF8)
		}
	}

	c.stateMu.Lock()
	echo := c.state != stateCloseSent
	if echo {
		c.state = stateCloseReceived
	}
	c.stateMu.Unlock()

	if echo {
		// Echo the peer's code; 1005 never goes on the wire.
		var reply []byte
		if code != CloseNoStatusReceived {
			reply = FormatCloseMessage(code, "")
		}
		if err := c.writeControl(CloseMessage, reply); err == nil {
			c.markCloseSent()
		}
	}
	c.setState(stateClosed)
	_ = c.rwc.Close()

	c.logger.Debug().Int("code", code).Msg("close received")

	r.readErr = &CloseError{Code: code, Text: text}
	return r.readErr
}

// fail records a terminal receive error. Protocol violations first announce
// the appropriate close code to the peer while the transport is writable.
func (r *Receiver) fail(err error) error {
	c := r.c

	if isProtocolViolation(err) {
		c.logger.Warn().Err(err).Msg("protocol violation")
		if c.getState() == stateOpen {
			reply := FormatCloseMessage(closeCodeForError(err), "")
			if werr := c.writeControl(CloseMessage, reply); werr == nil {
				c.markCloseSent()
			}
		}
	}
	c.setState(stateClosed)

	r.readErr = err
	return err
}

// readHeader decodes the next frame header from the buffered transport,
// requesting more bytes until the codec has a complete prefix.
func (c *conn) readHeader() (Header, error) {
	want := 2
	for {
		p, err := c.br.Peek(want)
		if err != nil {
			return Header{}, err
		}
		h, n, err := decodeHeader(p, c.acceptedRsv)
		if err != nil {
			return Header{}, err
		}
		if n > 0 {
			if _, err := c.br.Discard(n); err != nil {
				return Header{}, err
			}
			return h, nil
		}
		want++
	}
}

// readPayload appends the frame payload to dst, unmasking when needed.
func (c *conn) readPayload(h Header, dst []byte) ([]byte, error) {
	if h.Length == 0 {
		return dst, nil
	}
	start := len(dst)
	total := start + int(h.Length)
	if cap(dst) < total {
		grown := make([]byte, total)
		copy(grown, dst)
		dst = grown
	} else {
		dst = dst[:total]
	}
	if _, err := io.ReadFull(c.br, dst[start:]); err != nil {
		return dst[:start], err
	}
	if h.Masked {
		maskBytes(h.MaskKey[:], 0, dst[start:])
	}
	return dst, nil
}
