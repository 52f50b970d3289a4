package websocket

import (
	"bufio"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// ServerHandshake performs the server side of the opening handshake per
// RFC 6455, section 4.2. It validates a single upgrade request, negotiates
// a subprotocol and extensions, and answers 101 Switching Protocols or an
// HTTP error.
type ServerHandshake struct {
	// Subprotocols lists the supported protocols in order of preference.
	// Ignored when SelectProtocol is set.
	Subprotocols []string

	// SelectProtocol, if set, picks at most one of the client's offered
	// subprotocols; returning "" selects none.
	SelectProtocol func(offers []string) string

	// Extensions lists extension instances available for negotiation. Each
	// inspects the client's offers and enables itself when one is
	// acceptable.
	Extensions []Extension

	// CheckOrigin returns true if the request Origin header is acceptable.
	// A nil CheckOrigin uses a safe default that rejects cross-origin
	// requests.
	CheckOrigin func(r *http.Request) bool

	// Header optionally carries extra response headers.
	Header http.Header

	// Logger, if set, receives handshake events.
	Logger *zerolog.Logger
}

func (hs *ServerHandshake) log() zerolog.Logger {
	if hs.Logger != nil {
		return *hs.Logger
	}
	return zerolog.Nop()
}

// negotiated holds the outcome of request validation.
type negotiated struct {
	acceptKey     string
	subprotocol   string
	extensions    []string
	versionHeader bool // response must advertise the supported version
}

// Accept reads one upgrade request from the transport and answers it. On
// success it returns a Builder for the connection and the parsed request;
// on failure it writes an HTTP error response before reporting the error.
func (hs *ServerHandshake) Accept(conn io.ReadWriteCloser) (*Builder, *http.Request, error) {
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		writeRejection(conn, http.StatusBadRequest, false, "malformed request")
		return nil, nil, handshakeError("malformed upgrade request: " + err.Error())
	}

	neg, status, err := hs.negotiate(req)
	if err != nil {
		writeRejection(conn, status, neg.versionHeader, err.Error())
		return nil, req, err
	}

	bw := bufio.NewWriter(conn)
	if err := hs.writeAccept(bw, neg); err != nil {
		return nil, req, err
	}

	b := newBuilder(conn, br, true)
	b.subprotocol = neg.subprotocol
	b.extensions = hs.Extensions
	b.logger = hs.log()

	hs.log().Debug().Str("subprotocol", neg.subprotocol).Msg("server handshake complete")
	return b, req, nil
}

// Upgrade hijacks an HTTP server connection and completes the handshake on
// it, for callers hosting the endpoint inside net/http.
func (hs *ServerHandshake) Upgrade(w http.ResponseWriter, r *http.Request) (*Builder, error) {
	neg, status, err := hs.negotiate(r)
	if err != nil {
		if neg.versionHeader {
			w.Header().Set("Sec-WebSocket-Version", websocketVersion)
		}
		http.Error(w, err.Error(), status)
		return nil, err
	}

	h, ok := w.(http.Hijacker)
	if !ok {
		err := handshakeError("response does not implement http.Hijacker")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, err
	}
	netConn, brw, err := h.Hijack()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, err
	}

	if err := hs.writeAccept(brw.Writer, neg); err != nil {
		netConn.Close()
		return nil, err
	}

	// Keep the buffered reader only if the HTTP server read ahead, so
	// pre-handshake bytes are not lost.
	var br *bufio.Reader
	if brw.Reader.Buffered() > 0 {
		br = brw.Reader
	}

	b := newBuilder(netConn, br, true)
	b.subprotocol = neg.subprotocol
	b.extensions = hs.Extensions
	b.logger = hs.log()

	hs.log().Debug().Str("subprotocol", neg.subprotocol).Msg("server handshake complete")
	return b, nil
}

// negotiate validates the upgrade request per RFC 6455, section 4.2.1, and
// computes the response parameters. On failure it reports the HTTP status
// to reject with.
func (hs *ServerHandshake) negotiate(r *http.Request) (negotiated, int, error) {
	var neg negotiated

	if r.Method != http.MethodGet {
		return neg, http.StatusMethodNotAllowed, handshakeError("method must be GET")
	}
	if !r.ProtoAtLeast(1, 1) {
		return neg, http.StatusBadRequest, handshakeError("HTTP version must be at least 1.1")
	}
	if r.Host == "" {
		return neg, http.StatusBadRequest, handshakeError("missing Host header")
	}
	if !IsWebSocketUpgrade(r) {
		return neg, http.StatusBadRequest, handshakeError("missing upgrade tokens")
	}

	// RFC 6455, section 4.2.2, item 4: an unsupported version is answered
	// with 426 and the version the server speaks.
	if !strings.EqualFold(r.Header.Get("Sec-WebSocket-Version"), websocketVersion) {
		neg.versionHeader = true
		return neg, http.StatusUpgradeRequired, handshakeError("unsupported websocket version")
	}

	challengeKey := r.Header.Get("Sec-WebSocket-Key")
	if !isValidChallengeKey(challengeKey) {
		return neg, http.StatusBadRequest, handshakeError("invalid Sec-WebSocket-Key value")
	}

	checkOrigin := hs.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = checkSameOrigin
	}
	if !checkOrigin(r) {
		return neg, http.StatusForbidden, handshakeError("origin not allowed")
	}

	neg.acceptKey = computeAcceptKey(challengeKey)
	neg.subprotocol = hs.selectSubprotocol(r)

	offers, err := parseExtensions(r.Header)
	if err != nil {
		return neg, http.StatusBadRequest, err
	}
	for _, offer := range offers {
		for _, ext := range hs.Extensions {
			if ext.Enabled() || !equalASCIIFold(ext.Name(), offer.name) {
				continue
			}
			response, accepted, err := ext.Negotiate(offer.params)
			if err != nil {
				return neg, http.StatusBadRequest, err
			}
			if accepted {
				neg.extensions = append(neg.extensions, response)
				break
			}
		}
	}

	return neg, 0, nil
}

func (hs *ServerHandshake) selectSubprotocol(r *http.Request) string {
	offers := Subprotocols(r.Header)
	if hs.SelectProtocol != nil {
		picked := hs.SelectProtocol(offers)
		if slices.Contains(offers, picked) {
			return picked
		}
		return ""
	}
	for _, p := range hs.Subprotocols {
		if slices.Contains(offers, p) {
			return p
		}
	}
	return ""
}

// writeAccept sends the 101 response per RFC 6455, section 4.2.2.
func (hs *ServerHandshake) writeAccept(bw *bufio.Writer, neg negotiated) error {
	bw.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	bw.WriteString("Upgrade: websocket\r\n")
	bw.WriteString("Connection: Upgrade\r\n")
	bw.WriteString("Sec-WebSocket-Accept: ")
	bw.WriteString(neg.acceptKey)
	bw.WriteString("\r\n")

	if neg.subprotocol != "" {
		bw.WriteString("Sec-WebSocket-Protocol: ")
		bw.WriteString(neg.subprotocol)
		bw.WriteString("\r\n")
	}
	if len(neg.extensions) > 0 {
		bw.WriteString("Sec-WebSocket-Extensions: ")
		bw.WriteString(strings.Join(neg.extensions, ", "))
		bw.WriteString("\r\n")
	}
	for k, vs := range hs.Header {
		for _, v := range vs {
			bw.WriteString(k)
			bw.WriteString(": ")
			bw.WriteString(v)
			bw.WriteString("\r\n")
		}
	}
	bw.WriteString("\r\n")
	return bw.Flush()
}

// writeRejection answers an invalid upgrade request with a plain HTTP error.
func writeRejection(w io.Writer, status int, versionHeader bool, reason string) {
	var sb strings.Builder
	sb.WriteString("HTTP/1.1 ")
	sb.WriteString(strconv.Itoa(status))
	sb.WriteString(" ")
	sb.WriteString(http.StatusText(status))
	sb.WriteString("\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n")
	if versionHeader {
		sb.WriteString("Sec-WebSocket-Version: " + websocketVersion + "\r\n")
	}
	sb.WriteString("Content-Length: ")
	sb.WriteString(strconv.Itoa(len(reason) + 1))
	sb.WriteString("\r\n\r\n")
	sb.WriteString(reason)
	sb.WriteString("\n")
	io.WriteString(w, sb.String())
}

func checkSameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return equalASCIIFold(origin, "http://"+r.Host) || equalASCIIFold(origin, "https://"+r.Host)
}
