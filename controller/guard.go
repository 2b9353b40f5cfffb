package controller

import (
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"tfstun/utils"
)

// senderGuard drops datagrams that do not come from the learned tunnel peer.
// The kernel already filters on a connected socket; the guard catches the
// window before connect and any platform that leaks through. Rejected
// senders are counted, with a TTL cache keeping the warn log to one line
// per sender per window.
type senderGuard struct {
	peer    unix.Sockaddr
	seen    *cache.Cache
	rejects uint64
}

func newSenderGuard(peer unix.Sockaddr) *senderGuard {
	return &senderGuard{
		peer: peer,
		seen: cache.New(30*time.Second, 1*time.Minute),
	}
}

// Allow reports whether the datagram sender matches the peer.
func (g *senderGuard) Allow(from unix.Sockaddr) bool {
	if g.peer == nil || from == nil {
		return true
	}
	if sockaddrEqual(g.peer, from) {
		return true
	}
	g.rejects++
	recvDrops.WithLabelValues("sender").Inc()
	key := sockaddrString(from)
	if _, found := g.seen.Get(key); found {
		g.seen.Increment(key, 1)
	} else {
		g.seen.Set(key, int64(1), cache.DefaultExpiration)
		utils.Logger.Warn("dropping datagram from unexpected sender",
			zap.String("sender", key),
			zap.Uint64("totalRejects", g.rejects))
	}
	return false
}
