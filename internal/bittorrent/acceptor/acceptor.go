// Package acceptor listens for incoming peer connections on a TCP
// port and delivers them on a channel, condensed from the teacher's
// internal/acceptor.Acceptor.
package acceptor

import (
	"net"
	"strconv"

	"github.com/fetchd/engine/internal/logger"
)

var log = logger.New("acceptor")

// Acceptor listens on a TCP port and delivers accepted connections.
type Acceptor struct {
	listener net.Listener
	ConnC    chan net.Conn
	closeC   chan struct{}
}

// New starts listening on host:port.
func New(host string, port int) (*Acceptor, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	a := &Acceptor{listener: l, ConnC: make(chan net.Conn), closeC: make(chan struct{})}
	go a.run()
	return a, nil
}

func (a *Acceptor) run() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.closeC:
				return
			default:
				log.Debugf("accept error: %v", err)
				return
			}
		}
		select {
		case a.ConnC <- conn:
		case <-a.closeC:
			conn.Close()
			return
		}
	}
}

// Close stops listening.
func (a *Acceptor) Close() error {
	close(a.closeC)
	return a.listener.Close()
}
