// Package wsdeflate implements the permessage-deflate WebSocket extension
// defined in RFC 7692, on top of a raw DEFLATE engine.
package wsdeflate

import (
	"fmt"
	"strconv"
	"strings"
)

// ExtensionName is the token used in Sec-WebSocket-Extensions headers.
const ExtensionName = "permessage-deflate"

// Extension parameter names per RFC 7692, section 7.1.
const (
	serverNoContextTakeover = "server_no_context_takeover"
	clientNoContextTakeover = "client_no_context_takeover"
	serverMaxWindowBits     = "server_max_window_bits"
	clientMaxWindowBits     = "client_max_window_bits"
)

// windowBitsPresent marks a client_max_window_bits parameter that carried no
// value: the client supports the parameter and lets the server choose
// (RFC 7692, section 7.1.2.2).
const windowBitsPresent = 1

func isValidBits(x int) bool {
	return 8 <= x && x <= 15
}

func normBits(x int) int {
	if isValidBits(x) {
		return x
	}
	return 15
}

// Parameters holds permessage-deflate negotiation parameters per RFC 7692,
// section 7.1. A window-bits value of zero means the parameter is absent;
// windowBitsPresent means it was present without a value.
type Parameters struct {
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
	ServerMaxWindowBits     int
	ClientMaxWindowBits     int
}

func paramError(reason, key, val string) error {
	return fmt.Errorf("wsdeflate: %s extension parameter %q: %q", reason, key, val)
}

// parseParameters validates one Sec-WebSocket-Extensions entry's parameters.
// server_max_window_bits requires a value in 8..15; client_max_window_bits
// may be valueless; the takeover flags must be valueless.
func parseParameters(params map[string]string) (Parameters, error) {
	var p Parameters
	for key, val := range params {
		switch key {
		case serverNoContextTakeover:
			if val != "" {
				return p, paramError("invalid", key, val)
			}
			p.ServerNoContextTakeover = true
		case clientNoContextTakeover:
			if val != "" {
				return p, paramError("invalid", key, val)
			}
			p.ClientNoContextTakeover = true
		case serverMaxWindowBits:
			n, err := strconv.Atoi(val)
			if err != nil || !isValidBits(n) {
				return p, paramError("invalid", key, val)
			}
			p.ServerMaxWindowBits = n
		case clientMaxWindowBits:
			if val == "" {
				p.ClientMaxWindowBits = windowBitsPresent
				continue
			}
			n, err := strconv.Atoi(val)
			if err != nil || !isValidBits(n) {
				return p, paramError("invalid", key, val)
			}
			p.ClientMaxWindowBits = n
		default:
			return p, paramError("unexpected", key, val)
		}
	}
	return p, nil
}

// format renders the parameters as a Sec-WebSocket-Extensions entry,
// starting with the extension name.
func (p Parameters) format() string {
	var sb strings.Builder
	sb.WriteString(ExtensionName)
	if p.ServerNoContextTakeover {
		sb.WriteString("; " + serverNoContextTakeover)
	}
	if p.ClientNoContextTakeover {
		sb.WriteString("; " + clientNoContextTakeover)
	}
	if p.ServerMaxWindowBits != 0 {
		sb.WriteString("; " + serverMaxWindowBits + "=" + strconv.Itoa(p.ServerMaxWindowBits))
	}
	switch {
	case p.ClientMaxWindowBits == windowBitsPresent:
		sb.WriteString("; " + clientMaxWindowBits)
	case p.ClientMaxWindowBits != 0:
		sb.WriteString("; " + clientMaxWindowBits + "=" + strconv.Itoa(p.ClientMaxWindowBits))
	}
	return sb.String()
}
