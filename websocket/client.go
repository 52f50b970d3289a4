package websocket

import (
	"bufio"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/rs/zerolog"
)

// ClientHandshake performs the client side of the opening handshake per
// RFC 6455, section 4.1, over a caller-provided transport. The transport is
// an established, reliable byte stream (TCP, TLS, Unix socket, ...); dialing
// it is the caller's business.
type ClientHandshake struct {
	// Host is the value of the Host header, e.g. "example.com:8080".
	Host string

	// Path is the request target; defaults to "/".
	Path string

	// Origin optionally sets the Origin header for browser-style clients.
	Origin string

	// Subprotocols lists the client's offered subprotocols in order of
	// preference.
	Subprotocols []string

	// Extensions lists extension instances to offer. Each enabled itself
	// if the server's response is acceptable.
	Extensions []Extension

	// Header optionally carries extra request headers.
	Header http.Header

	// Logger, if set, receives handshake events.
	Logger *zerolog.Logger
}

func (hs *ClientHandshake) log() zerolog.Logger {
	if hs.Logger != nil {
		return *hs.Logger
	}
	return zerolog.Nop()
}

// Do writes the upgrade request, validates the server's response, and
// returns a Builder for the connection. The returned Builder carries the
// negotiated subprotocol and the offered extensions, enabled or not as
// the server decided.
func (hs *ClientHandshake) Do(conn io.ReadWriteCloser) (*Builder, error) {
	challengeKey, err := generateChallengeKey()
	if err != nil {
		return nil, err
	}

	path := hs.Path
	if path == "" {
		path = "/"
	}

	// Build the handshake request per RFC 6455, section 4.1.
	req := &http.Request{
		Method:     http.MethodGet,
		URL:        &url.URL{Path: path},
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       hs.Host,
	}

	for k, vs := range hs.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", challengeKey)
	req.Header.Set("Sec-WebSocket-Version", websocketVersion)

	if hs.Origin != "" {
		req.Header.Set("Origin", hs.Origin)
	}
	if len(hs.Subprotocols) > 0 {
		req.Header.Set("Sec-WebSocket-Protocol", strings.Join(hs.Subprotocols, ", "))
	}
	if offer := joinExtensionOffers(hs.Extensions); offer != "" {
		req.Header.Set("Sec-WebSocket-Extensions", offer)
	}

	if err := req.Write(conn); err != nil {
		return nil, err
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Validate the server response per RFC 6455, section 4.1.
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return nil, handshakeError("unexpected status " + resp.Status)
	}
	if !headerContainsToken(resp.Header, "Upgrade", "websocket") {
		return nil, handshakeError("missing websocket token in Upgrade header")
	}
	if !headerContainsToken(resp.Header, "Connection", "upgrade") {
		return nil, handshakeError("missing upgrade token in Connection header")
	}

	// Validate Sec-WebSocket-Accept per RFC 6455, section 4.2.2, item 5.4.
	if resp.Header.Get("Sec-WebSocket-Accept") != computeAcceptKey(challengeKey) {
		return nil, handshakeError("mismatched Sec-WebSocket-Accept value")
	}

	// The server may select at most one subprotocol, and only from the
	// client's offers (RFC 6455, section 4.2.2).
	subprotocol := resp.Header.Get("Sec-WebSocket-Protocol")
	if subprotocol != "" && !slices.Contains(hs.Subprotocols, subprotocol) {
		return nil, handshakeError("server selected unrequested subprotocol " + subprotocol)
	}

	if err := hs.acceptExtensions(resp.Header); err != nil {
		return nil, err
	}

	b := newBuilder(conn, br, false)
	b.subprotocol = subprotocol
	b.extensions = hs.Extensions
	b.logger = hs.log()

	hs.log().Debug().Str("subprotocol", subprotocol).Msg("client handshake complete")
	return b, nil
}

// acceptExtensions offers the server's Sec-WebSocket-Extensions response to
// each extension instance; an entry no instance accounts for fails the
// handshake.
func (hs *ClientHandshake) acceptExtensions(header http.Header) error {
	entries, err := parseExtensions(header)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		matched := false
		for _, ext := range hs.Extensions {
			if ext.Enabled() || !equalASCIIFold(ext.Name(), entry.name) {
				continue
			}
			if err := ext.AcceptResponse(entry.params); err != nil {
				return err
			}
			matched = true
			break
		}
		if !matched {
			return handshakeError("server enabled unsupported extension " + entry.name)
		}
	}
	return nil
}

// joinExtensionOffers builds the Sec-WebSocket-Extensions offer from the
// installed extensions, in order.
func joinExtensionOffers(exts []Extension) string {
	var offers []string
	for _, e := range exts {
		if o := e.Offer(); o != "" {
			offers = append(offers, o)
		}
	}
	return strings.Join(offers, ", ")
}
