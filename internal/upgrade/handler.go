// Package upgrade dispatches hijacked connection-upgrade requests.
package upgrade

import (
	"fmt"
	"net"
	"net/http"
)

// Handler takes ownership of a hijacked upgrade connection. head holds
// bytes the server already read past the request headers. Handlers must
// not panic and report nothing back to the caller.
type Handler interface {
	ServeUpgrade(r *http.Request, conn net.Conn, head []byte)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(r *http.Request, conn net.Conn, head []byte)

func (f HandlerFunc) ServeUpgrade(r *http.Request, conn net.Conn, head []byte) { f(r, conn, head) }

// Reject answers 404 and closes. It is the server's stock handler when
// nothing else claims the upgrade slot.
var Reject Handler = HandlerFunc(func(_ *http.Request, conn net.Conn, _ []byte) {
	_, _ = fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Length: 0\r\n\r\n",
		http.StatusNotFound, http.StatusText(http.StatusNotFound))
	_ = conn.Close()
})
