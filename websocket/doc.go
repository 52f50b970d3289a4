// Package websocket implements the WebSocket protocol defined in RFC 6455
// as a per-connection protocol engine over a caller-provided byte stream.
//
// This package provides:
//   - Client- and server-side opening handshakes over any io.ReadWriteCloser
//   - An Upgrade helper for endpoints hosted inside net/http
//   - A message-oriented Sender/Receiver pair with automatic Ping replies
//     and closing-handshake bookkeeping
//   - An extension contract for per-message transforms; permessage-deflate
//     (RFC 7692) lives in the sibling wsdeflate package
//   - Prepared messages for efficient broadcasting and JSON helpers
//
// The caller dials the transport; the library never touches DNS, TLS, or
// reconnection. A typical client:
//
//	conn, _ := net.Dial("tcp", "example.com:80")
//	hs := &websocket.ClientHandshake{Host: "example.com", Path: "/chat"}
//	builder, err := hs.Do(conn)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sender, receiver, err := builder.Finish()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := sender.SendText([]byte("hello")); err != nil {
//	    log.Fatal(err)
//	}
//	in, buf, err := receiver.Receive(nil)
//
// And a server endpoint inside net/http:
//
//	func handler(w http.ResponseWriter, r *http.Request) {
//	    hs := &websocket.ServerHandshake{}
//	    builder, err := hs.Upgrade(w, r)
//	    if err != nil {
//	        return
//	    }
//	    sender, receiver, _ := builder.Finish()
//	    for {
//	        typ, buf, err := receiver.ReceiveData(nil)
//	        if err != nil {
//	            return
//	        }
//	        if typ == websocket.TextMessage {
//	            _ = sender.SendText(buf)
//	        } else {
//	            _ = sender.SendBinary(buf)
//	        }
//	    }
//	}
//
// Concurrency:
//
// A connection supports one concurrent sender goroutine and one concurrent
// receiver goroutine. The Receiver takes the shared write half briefly to
// answer Pings and echo Close frames; a concurrent send simply waits its
// turn. All blocking happens inside the transport's Read and Write calls.
//
// Closing:
//
// Sender.Close starts the closing handshake; a Close from the peer is
// surfaced by the Receiver as a *CloseError after the library echoes it.
// Once a Close has been sent or received, further operations report
// ErrCloseSent or the terminal receive error.
package websocket
