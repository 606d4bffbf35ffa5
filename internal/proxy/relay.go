package proxy

import (
	"net"
	"sync"
)

const relayBufSize = 8 * 1024

// Direction identifies which half of a session a payload travels on.
type Direction int

const (
	ClientToTarget Direction = iota
	TargetToClient
)

// Hook optionally inspects or rewrites payload in flight. The default is
// identity; the relay never parses game protocols itself.
type Hook func(dir Direction, b []byte) []byte

// relay runs the full-duplex copy between client and target. Each direction
// is a single-reader single-writer loop, so byte order is preserved per
// half. When either half closes, the other is unblocked and both ends are
// closed before returning.
func relay(client, target net.Conn, hook Hook) {
	var wg sync.WaitGroup
	wg.Go(func() {
		copyHalf(target, client, ClientToTarget, hook)
	})
	wg.Go(func() {
		copyHalf(client, target, TargetToClient, hook)
	})
	wg.Wait()

	client.Close()
	target.Close()
}

func copyHalf(dst, src net.Conn, dir Direction, hook Hook) {
	buf := make([]byte, relayBufSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			b := buf[:n]
			if hook != nil {
				b = hook(dir, b)
			}
			if _, werr := dst.Write(b); werr != nil {
				break
			}
		}
		if rerr != nil {
			break
		}
	}
	// Half-close so the peer sees EOF while the opposite direction drains.
	if tc, ok := dst.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
}
