package wsdeflate

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/paritytech/soketto/websocket"
)

// Errors returned by the wsdeflate package.
var (
	ErrInflate = errors.New("wsdeflate: inflate failed")
	ErrDeflate = errors.New("wsdeflate: deflate failed")
)

// messageTail is the DEFLATE empty stored block marker: appended to each
// inbound message before inflation (RFC 7692, section 7.2.2) and stripped
// from each outbound message (section 7.2.1).
var messageTail = []byte{0x00, 0x00, 0xff, 0xff}

// streamEnd is an empty stored block with BFINAL set. Fed to the engine
// after the tail so it reports a clean EOF instead of an unexpected one;
// it produces no output and does not disturb the sliding window.
var streamEnd = []byte{0x01, 0x00, 0x00, 0xff, 0xff}

// Extension implements websocket.Extension for permessage-deflate
// (RFC 7692). It claims RSV1, compresses outbound data messages with a raw
// DEFLATE engine and inflates inbound ones, honoring the negotiated window
// bits and context-takeover behavior on each side.
//
// One instance serves one connection: the inbound and outbound engines are
// stateful when context takeover is negotiated.
type Extension struct {
	// Params holds the local negotiation preferences: the offer a client
	// emits, and the bounds a server accepts. Zero window-bits fields mean
	// the protocol default of 15.
	Params Parameters

	// Level is the compression level handed to the engine. Zero means
	// flate.BestSpeed. It is not used when the outbound window is narrowed
	// below 15 bits: the limited-window writer takes no level.
	Level int

	enabled  bool
	isServer bool
	agreed   Parameters

	// Inbound engine state. window is the sliding dictionary carried
	// across messages while inbound context takeover is on.
	fr     io.ReadCloser
	window []byte

	// Outbound engine state. fw writes into outBuf and keeps its
	// dictionary across messages while outbound context takeover is on.
	fw     *flate.Writer
	outBuf bytes.Buffer
}

// NewExtension returns an extension with the protocol defaults: 15 window
// bits and context takeover on both sides.
func NewExtension() *Extension {
	return &Extension{Level: flate.BestSpeed}
}

// Name implements websocket.Extension.
func (e *Extension) Name() string {
	return ExtensionName
}

// Enabled implements websocket.Extension.
func (e *Extension) Enabled() bool {
	return e.enabled
}

// ReserveBits claims RSV1 per RFC 7692, section 6.
func (e *Extension) ReserveBits(claimed byte) (byte, error) {
	if claimed&websocket.Rsv1Bit != 0 {
		return claimed, websocket.ErrRsvConflict
	}
	return claimed | websocket.Rsv1Bit, nil
}

// Offer emits the client negotiation offer carrying the configured window
// bits and no-context-takeover flags (RFC 7692, section 7.1).
func (e *Extension) Offer() string {
	p := e.Params
	p.ClientMaxWindowBits = normBits(e.Params.ClientMaxWindowBits)
	return p.format()
}

// AcceptResponse enables the extension from the server's negotiation
// response, provided it stays within the bounds of the offer.
func (e *Extension) AcceptResponse(params map[string]string) error {
	resp, err := parseParameters(params)
	if err != nil {
		return err
	}

	// RFC 7692, section 7.1.2.2: in a response, client_max_window_bits
	// must carry a value.
	if resp.ClientMaxWindowBits == windowBitsPresent {
		return paramError("missing value for", clientMaxWindowBits, "")
	}

	offeredClient := normBits(e.Params.ClientMaxWindowBits)
	clientBits := offeredClient
	if resp.ClientMaxWindowBits != 0 {
		if resp.ClientMaxWindowBits > offeredClient {
			return fmt.Errorf("wsdeflate: server raised %s beyond the offer", clientMaxWindowBits)
		}
		clientBits = resp.ClientMaxWindowBits
	}

	serverBits := 15
	if e.Params.ServerMaxWindowBits != 0 {
		// The offer constrained the server's window; the response must
		// honor the constraint.
		if resp.ServerMaxWindowBits == 0 || resp.ServerMaxWindowBits > e.Params.ServerMaxWindowBits {
			return fmt.Errorf("wsdeflate: server ignored the offered %s", serverMaxWindowBits)
		}
		serverBits = resp.ServerMaxWindowBits
	} else if resp.ServerMaxWindowBits != 0 {
		serverBits = resp.ServerMaxWindowBits
	}

	if e.Params.ServerNoContextTakeover && !resp.ServerNoContextTakeover {
		return fmt.Errorf("wsdeflate: server ignored the offered %s", serverNoContextTakeover)
	}

	e.agreed = Parameters{
		ServerNoContextTakeover: resp.ServerNoContextTakeover || e.Params.ServerNoContextTakeover,
		ClientNoContextTakeover: resp.ClientNoContextTakeover || e.Params.ClientNoContextTakeover,
		ServerMaxWindowBits:     serverBits,
		ClientMaxWindowBits:     clientBits,
	}
	e.isServer = false
	e.enabled = true
	return nil
}

// Negotiate runs server-side against one client offer. Offers whose
// parameters cannot be represented are declined, letting the handshake fall
// through to the next offer or to no extension at all.
func (e *Extension) Negotiate(params map[string]string) (string, bool, error) {
	offer, err := parseParameters(params)
	if err != nil {
		return "", false, nil
	}

	// The server's own window narrows downward to the client's bound
	// (RFC 7692, section 7.1.2.1).
	serverBits := normBits(e.Params.ServerMaxWindowBits)
	if offer.ServerMaxWindowBits != 0 && offer.ServerMaxWindowBits < serverBits {
		serverBits = offer.ServerMaxWindowBits
	}

	clientBits := 15
	includeClientBits := false
	switch {
	case offer.ClientMaxWindowBits == windowBitsPresent:
		// Client lets the server choose.
		if cfg := e.Params.ClientMaxWindowBits; isValidBits(cfg) && cfg < 15 {
			clientBits = cfg
			includeClientBits = true
		}
	case offer.ClientMaxWindowBits != 0:
		clientBits = offer.ClientMaxWindowBits
		if cfg := e.Params.ClientMaxWindowBits; isValidBits(cfg) && cfg < clientBits {
			clientBits = cfg
		}
		includeClientBits = true
	default:
		// The client did not declare client_max_window_bits support, so
		// the parameter must stay out of the response and the client's
		// full window stands.
	}

	e.agreed = Parameters{
		ServerNoContextTakeover: offer.ServerNoContextTakeover || e.Params.ServerNoContextTakeover,
		ClientNoContextTakeover: offer.ClientNoContextTakeover || e.Params.ClientNoContextTakeover,
		ServerMaxWindowBits:     serverBits,
		ClientMaxWindowBits:     clientBits,
	}

	response := Parameters{
		ServerNoContextTakeover: e.agreed.ServerNoContextTakeover,
		ClientNoContextTakeover: e.agreed.ClientNoContextTakeover,
	}
	if offer.ServerMaxWindowBits != 0 || serverBits < 15 {
		response.ServerMaxWindowBits = serverBits
	}
	if includeClientBits {
		response.ClientMaxWindowBits = clientBits
	}

	e.isServer = true
	e.enabled = true
	return response.format(), true, nil
}

// Agreed returns the parameters fixed by negotiation, valid once Enabled
// reports true.
func (e *Extension) Agreed() Parameters {
	return e.agreed
}

func (e *Extension) inboundNoTakeover() bool {
	if e.isServer {
		return e.agreed.ClientNoContextTakeover
	}
	return e.agreed.ServerNoContextTakeover
}

func (e *Extension) outboundNoTakeover() bool {
	if e.isServer {
		return e.agreed.ServerNoContextTakeover
	}
	return e.agreed.ClientNoContextTakeover
}

func (e *Extension) inboundBits() int {
	if e.isServer {
		return normBits(e.agreed.ClientMaxWindowBits)
	}
	return normBits(e.agreed.ServerMaxWindowBits)
}

func (e *Extension) outboundBits() int {
	if e.isServer {
		return normBits(e.agreed.ServerMaxWindowBits)
	}
	return normBits(e.agreed.ClientMaxWindowBits)
}

func (e *Extension) level() int {
	if e.Level != 0 {
		return e.Level
	}
	return flate.BestSpeed
}

// Decode inflates a complete inbound message. The four-byte tail is
// appended once per message, after the final fragment, never per frame
// (RFC 7692, section 7.2.2). Output is capped at maxSize so oversized
// payloads fail at the limit, not at their decompressed length.
func (e *Extension) Decode(h websocket.Header, payload []byte, maxSize int64) ([]byte, error) {
	if !h.Rsv1 {
		return payload, nil
	}

	src := io.MultiReader(bytes.NewReader(payload), bytes.NewReader(messageTail), bytes.NewReader(streamEnd))
	if e.fr == nil {
		e.fr = flate.NewReaderDict(src, e.window)
	} else if err := e.fr.(flate.Resetter).Reset(src, e.window); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInflate, err)
	}

	var out bytes.Buffer
	lr := &io.LimitedReader{R: e.fr, N: maxSize + 1}
	if _, err := out.ReadFrom(lr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInflate, err)
	}
	if int64(out.Len()) > maxSize {
		return nil, websocket.ErrMessageTooLarge
	}

	msg := append([]byte(nil), out.Bytes()...)
	if e.inboundNoTakeover() {
		e.window = nil
	} else {
		e.window = slideWindow(e.window, msg, 1<<e.inboundBits())
	}
	return msg, nil
}

// Encode compresses an outbound message, sets RSV1 on its first frame, and
// strips the trailing empty stored block marker (RFC 7692, section 7.2.1).
func (e *Extension) Encode(h *websocket.Header, s *websocket.Storage) error {
	e.outBuf.Reset()

	if e.fw == nil {
		var err error
		if bits := e.outboundBits(); bits < 15 {
			e.fw, err = flate.NewWriterWindow(&e.outBuf, 1<<bits)
		} else {
			e.fw, err = flate.NewWriter(&e.outBuf, e.level())
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDeflate, err)
		}
	}

	if _, err := e.fw.Write(s.Bytes()); err != nil {
		return fmt.Errorf("%w: %v", ErrDeflate, err)
	}
	if err := e.fw.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeflate, err)
	}

	out := e.outBuf.Bytes()
	if len(out) >= len(messageTail) && bytes.HasSuffix(out, messageTail) {
		out = out[:len(out)-len(messageTail)]
	}
	s.Replace(append([]byte(nil), out...))
	h.Rsv1 = true

	if e.outboundNoTakeover() {
		e.fw.Reset(&e.outBuf)
	}
	return nil
}

// slideWindow keeps the last limit bytes of decompressed output as the next
// message's dictionary.
func slideWindow(window, msg []byte, limit int) []byte {
	if len(msg) >= limit {
		return append(window[:0], msg[len(msg)-limit:]...)
	}
	window = append(window, msg...)
	if excess := len(window) - limit; excess > 0 {
		n := copy(window, window[excess:])
		window = window[:n]
	}
	return window
}
