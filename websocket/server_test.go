package websocket

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleKey = "dGhlIHNhbXBsZSBub25jZQ=="
const sampleAccept = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="

func upgradeRequest(extraHeaders string) string {
	return "GET /chat HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + sampleKey + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		extraHeaders +
		"\r\n"
}

func TestServerHandshakeAccept(t *testing.T) {
	f := &fakeConn{}
	f.in.WriteString(upgradeRequest("Sec-WebSocket-Protocol: chat, superchat\r\n"))

	hs := &ServerHandshake{Subprotocols: []string{"superchat"}}
	b, req, err := hs.Accept(f)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "/chat", req.URL.Path)
	assert.Equal(t, "superchat", b.Subprotocol())

	response := f.out.String()
	assert.True(t, strings.HasPrefix(response, "HTTP/1.1 101 Switching Protocols\r\n"))
	assert.Contains(t, response, "Upgrade: websocket\r\n")
	assert.Contains(t, response, "Connection: Upgrade\r\n")
	assert.Contains(t, response, "Sec-WebSocket-Accept: "+sampleAccept+"\r\n")
	assert.Contains(t, response, "Sec-WebSocket-Protocol: superchat\r\n")
}

func TestServerHandshakeRejections(t *testing.T) {
	tests := []struct {
		name       string
		request    string
		wantStatus string
	}{
		{
			name: "Non-GET method",
			request: "POST /chat HTTP/1.1\r\nHost: example.com\r\n" +
				"Upgrade: websocket\r\nConnection: Upgrade\r\n" +
				"Sec-WebSocket-Key: " + sampleKey + "\r\nSec-WebSocket-Version: 13\r\n\r\n",
			wantStatus: "HTTP/1.1 405",
		},
		{
			name: "Missing upgrade tokens",
			request: "GET /chat HTTP/1.1\r\nHost: example.com\r\n" +
				"Sec-WebSocket-Key: " + sampleKey + "\r\nSec-WebSocket-Version: 13\r\n\r\n",
			wantStatus: "HTTP/1.1 400",
		},
		{
			name: "Missing challenge key",
			request: "GET /chat HTTP/1.1\r\nHost: example.com\r\n" +
				"Upgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Version: 13\r\n\r\n",
			wantStatus: "HTTP/1.1 400",
		},
		{
			name: "Garbage challenge key",
			request: "GET /chat HTTP/1.1\r\nHost: example.com\r\n" +
				"Upgrade: websocket\r\nConnection: Upgrade\r\n" +
				"Sec-WebSocket-Key: short\r\nSec-WebSocket-Version: 13\r\n\r\n",
			wantStatus: "HTTP/1.1 400",
		},
		{
			name:       "Not HTTP",
			request:    "garbage\r\n\r\n",
			wantStatus: "HTTP/1.1 400",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeConn{}
			f.in.WriteString(tt.request)

			hs := &ServerHandshake{}
			_, _, err := hs.Accept(f)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrBadHandshake)
			assert.True(t, strings.HasPrefix(f.out.String(), tt.wantStatus), "got %q", f.out.String())
		})
	}
}

func TestServerHandshakeVersionRejection(t *testing.T) {
	f := &fakeConn{}
	f.in.WriteString("GET /chat HTTP/1.1\r\nHost: example.com\r\n" +
		"Upgrade: websocket\r\nConnection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + sampleKey + "\r\nSec-WebSocket-Version: 8\r\n\r\n")

	hs := &ServerHandshake{}
	_, _, err := hs.Accept(f)
	require.Error(t, err)

	response := f.out.String()
	assert.True(t, strings.HasPrefix(response, "HTTP/1.1 426"))
	assert.Contains(t, response, "Sec-WebSocket-Version: 13\r\n")
}

func TestServerHandshakeOrigin(t *testing.T) {
	t.Run("Cross-origin rejected by default", func(t *testing.T) {
		f := &fakeConn{}
		f.in.WriteString(upgradeRequest("Origin: https://evil.example\r\n"))

		hs := &ServerHandshake{}
		_, _, err := hs.Accept(f)
		require.Error(t, err)
		assert.True(t, strings.HasPrefix(f.out.String(), "HTTP/1.1 403"))
	})

	t.Run("Same origin allowed", func(t *testing.T) {
		f := &fakeConn{}
		f.in.WriteString(upgradeRequest("Origin: https://example.com\r\n"))

		hs := &ServerHandshake{}
		_, _, err := hs.Accept(f)
		require.NoError(t, err)
	})

	t.Run("Custom check wins", func(t *testing.T) {
		f := &fakeConn{}
		f.in.WriteString(upgradeRequest("Origin: https://evil.example\r\n"))

		hs := &ServerHandshake{CheckOrigin: func(*http.Request) bool { return true }}
		_, _, err := hs.Accept(f)
		require.NoError(t, err)
	})
}

func TestServerHandshakeSelectProtocolCallback(t *testing.T) {
	t.Run("Callback picks one offer", func(t *testing.T) {
		f := &fakeConn{}
		f.in.WriteString(upgradeRequest("Sec-WebSocket-Protocol: a, b, c\r\n"))

		var seen []string
		hs := &ServerHandshake{SelectProtocol: func(offers []string) string {
			seen = offers
			return "b"
		}}
		b, _, err := hs.Accept(f)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, seen)
		assert.Equal(t, "b", b.Subprotocol())
	})

	t.Run("Callback result outside the offers selects none", func(t *testing.T) {
		f := &fakeConn{}
		f.in.WriteString(upgradeRequest("Sec-WebSocket-Protocol: a\r\n"))

		hs := &ServerHandshake{SelectProtocol: func([]string) string { return "z" }}
		b, _, err := hs.Accept(f)
		require.NoError(t, err)
		assert.Empty(t, b.Subprotocol())
		assert.NotContains(t, f.out.String(), "Sec-WebSocket-Protocol")
	})
}

func TestServerHandshakeExtensionNegotiation(t *testing.T) {
	t.Run("Accepted offer lands in the response", func(t *testing.T) {
		f := &fakeConn{}
		f.in.WriteString(upgradeRequest("Sec-WebSocket-Extensions: x-nego; p=1\r\n"))

		ext := &negotiableExt{acceptOffers: true, response: "x-nego; p=1"}
		hs := &ServerHandshake{Extensions: []Extension{ext}}
		_, _, err := hs.Accept(f)
		require.NoError(t, err)
		assert.True(t, ext.Enabled())
		assert.Contains(t, f.out.String(), "Sec-WebSocket-Extensions: x-nego; p=1\r\n")
	})

	t.Run("Declined offer leaves the header out", func(t *testing.T) {
		f := &fakeConn{}
		f.in.WriteString(upgradeRequest("Sec-WebSocket-Extensions: x-nego\r\n"))

		ext := &negotiableExt{acceptOffers: false}
		hs := &ServerHandshake{Extensions: []Extension{ext}}
		_, _, err := hs.Accept(f)
		require.NoError(t, err)
		assert.False(t, ext.Enabled())
		assert.NotContains(t, f.out.String(), "Sec-WebSocket-Extensions")
	})

	t.Run("Unknown offer is ignored", func(t *testing.T) {
		f := &fakeConn{}
		f.in.WriteString(upgradeRequest("Sec-WebSocket-Extensions: x-other\r\n"))

		hs := &ServerHandshake{Extensions: []Extension{&negotiableExt{acceptOffers: true}}}
		_, _, err := hs.Accept(f)
		require.NoError(t, err)
		assert.NotContains(t, f.out.String(), "Sec-WebSocket-Extensions")
	})
}

func TestServerHandshakeExtraResponseHeader(t *testing.T) {
	f := &fakeConn{}
	f.in.WriteString(upgradeRequest(""))

	hs := &ServerHandshake{Header: http.Header{"X-Custom": []string{"yes"}}}
	_, _, err := hs.Accept(f)
	require.NoError(t, err)
	assert.Contains(t, f.out.String(), "X-Custom: yes\r\n")
}

func TestUpgradeThroughNetHTTP(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(done)
		hs := &ServerHandshake{CheckOrigin: func(*http.Request) bool { return true }}
		b, err := hs.Upgrade(w, r)
		if !assert.NoError(t, err) {
			return
		}
		sender, receiver, err := b.Finish()
		if !assert.NoError(t, err) {
			return
		}
		typ, buf, err := receiver.ReceiveData(nil)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, TextMessage, typ)
		assert.NoError(t, sender.SendText(buf))
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	hs := &ClientHandshake{Host: addr, Path: "/"}
	b, err := hs.Do(conn)
	require.NoError(t, err)

	sender, receiver, err := b.Finish()
	require.NoError(t, err)
	require.NoError(t, sender.SendText([]byte("ping me back")))

	typ, buf, err := receiver.ReceiveData(nil)
	require.NoError(t, err)
	assert.Equal(t, TextMessage, typ)
	assert.Equal(t, "ping me back", string(buf))
	<-done
}
