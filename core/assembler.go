package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/encodeous/skymesh/state"
	"github.com/jellydator/ttlcache/v3"
)

// sessionKey identifies one inbound reassembly buffer. Two senders may use
// the same session id independently.
type sessionKey struct {
	From    state.NodeId
	Session uint64
}

type messageBuffer struct {
	total uint32
	parts map[uint32][]byte
}

// Assembler buffers inbound fragments per (sender, session) and reconstructs
// the original message once every index has been seen. A buffer that never
// completes is evicted after the configured TTL; the assembler itself never
// decides to abandon anything earlier.
type Assembler struct {
	inProgress *ttlcache.Cache[sessionKey, *messageBuffer]
}

func NewAssembler(ttl time.Duration, log *slog.Logger) *Assembler {
	a := &Assembler{
		inProgress: ttlcache.New[sessionKey, *messageBuffer](
			ttlcache.WithTTL[sessionKey, *messageBuffer](ttl),
		),
	}
	a.inProgress.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[sessionKey, *messageBuffer]) {
		if reason == ttlcache.EvictionReasonExpired {
			key := item.Key()
			log.Warn("abandoning incomplete reassembly buffer",
				"from", key.From, "session", key.Session,
				"have", len(item.Value().parts), "want", item.Value().total)
		}
	})
	go a.inProgress.Start()
	return a
}

func (a *Assembler) Stop() {
	a.inProgress.Stop()
}

// Accept folds one fragment into its session buffer. Duplicates are ignored
// idempotently and fragments may arrive in any order. When the buffer holds
// every index the concatenated message is returned and the buffer cleared.
func (a *Assembler) Accept(from state.NodeId, session uint64, frag *state.Fragment) ([]byte, bool, error) {
	key := sessionKey{From: from, Session: session}
	item := a.inProgress.Get(key)
	var buf *messageBuffer
	if item == nil {
		buf = &messageBuffer{total: frag.Total, parts: make(map[uint32][]byte)}
		a.inProgress.Set(key, buf, ttlcache.DefaultTTL)
	} else {
		buf = item.Value()
	}
	if frag.Total != buf.total {
		return nil, false, fmt.Errorf("fragment %d claims %d total fragments, session %d expects %d",
			frag.Index, frag.Total, session, buf.total)
	}
	if _, dup := buf.parts[frag.Index]; !dup {
		buf.parts[frag.Index] = frag.Data
	}
	if uint32(len(buf.parts)) < buf.total {
		return nil, false, nil
	}
	size := 0
	for _, part := range buf.parts {
		size += len(part)
	}
	msg := make([]byte, 0, size)
	for i := uint32(0); i < buf.total; i++ {
		msg = append(msg, buf.parts[i]...)
	}
	a.inProgress.Delete(key)
	return msg, true, nil
}

// Pending reports how many reassembly buffers are currently open.
func (a *Assembler) Pending() int {
	return a.inProgress.Len()
}

// SplitMessage cuts a message into fragments of at most size bytes. Only the
// last fragment may be short; an empty message still yields one fragment so
// the receiver observes a session.
func SplitMessage(data []byte, size int) []state.Fragment {
	total := (len(data) + size - 1) / size
	if total == 0 {
		total = 1
	}
	frags := make([]state.Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * size
		end := min(start+size, len(data))
		frags = append(frags, state.Fragment{
			Index: uint32(i),
			Total: uint32(total),
			Data:  data[start:end],
		})
	}
	return frags
}
