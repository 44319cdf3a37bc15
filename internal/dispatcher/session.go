package dispatcher

import "net"

// clientSession is one accepted connection. Owned exclusively by the
// central event loop goroutine in dispatcher.go — the reader goroutine
// spawned for it never touches these fields, only conn, so no lock is
// needed here.
type clientSession struct {
	conn      net.Conn
	id        string
	mac       string
	intervalS int
	nextCheck int64 // seconds since process epoch; clock.Now() units
}

func newClientSession(conn net.Conn) *clientSession {
	return &clientSession{
		conn: conn,
		id:   conn.RemoteAddr().String(),
	}
}
