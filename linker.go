package relay

import (
	"context"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// linkSlot holds either a peer nobody asked for yet, or a caller waiting for
// a peer that has not connected yet. Never both.
type linkSlot struct {
	peer   *Peer
	waiter chan *Peer
}

// Linker pairs identified peers with callers waiting for a given pid.
// It implements Handler, so it can be passed to Server.Serve directly.
type Linker struct {
	slots  *xsync.MapOf[Pid, linkSlot]
	logger Logger
}

// NewLinker creates an empty Linker. A nil logger selects the default slog logger.
func NewLinker(logger Logger) *Linker {
	if logger == nil {
		logger = defaultLogger()
	}
	return &Linker{
		slots:  xsync.NewMapOf[Pid, linkSlot](),
		logger: logger,
	}
}

// Handle hands peer to a caller waiting for its pid, or parks it until Get
// asks for it. A parked peer with the same pid is replaced and closed.
func (l *Linker) Handle(peer *Peer) {
	var replaced *Peer

	l.slots.Compute(peer.PID(), func(old linkSlot, loaded bool) (linkSlot, bool) {
		if loaded && old.waiter != nil {
			old.waiter <- peer // buffered, never blocks
			return linkSlot{}, true
		}
		if loaded {
			replaced = old.peer
		}
		return linkSlot{peer: peer}, false
	})

	if replaced != nil {
		l.logger.Warn("replacing parked peer", "pid", peer.PID(),
			"old", replaced.ID(), "new", peer.ID())
		_ = replaced.Close()
	}
}

// Get returns the peer that announced pid, waiting for it to connect if
// needed. Only one caller may wait for a given pid at a time.
func (l *Linker) Get(ctx context.Context, pid Pid) (*Peer, error) {
	var (
		found  *Peer
		waiter chan *Peer
		busy   bool
	)

	l.slots.Compute(pid, func(old linkSlot, loaded bool) (linkSlot, bool) {
		switch {
		case loaded && old.peer != nil:
			found = old.peer
			return linkSlot{}, true
		case loaded:
			busy = true
			return old, false
		default:
			waiter = make(chan *Peer, 1)
			return linkSlot{waiter: waiter}, false
		}
	})

	if found != nil {
		return found, nil
	}
	if busy {
		return nil, errors.Errorf("pid %d is already awaited", pid)
	}

	select {
	case peer := <-waiter:
		return peer, nil
	case <-ctx.Done():
	}

	l.slots.Compute(pid, func(old linkSlot, loaded bool) (linkSlot, bool) {
		if loaded && old.waiter == waiter {
			return linkSlot{}, true
		}
		return old, !loaded
	})

	// The peer may have arrived between ctx.Done and the withdrawal.
	select {
	case peer := <-waiter:
		return peer, nil
	default:
		return nil, errors.Wrapf(ctx.Err(), "wait for pid %d", pid)
	}
}

// Len returns the number of parked peers plus pending waiters.
func (l *Linker) Len() int {
	return l.slots.Size()
}

// Close closes every parked peer and forgets them.
func (l *Linker) Close() {
	l.slots.Range(func(pid Pid, slot linkSlot) bool {
		if slot.peer == nil {
			return true
		}

		removed := false
		l.slots.Compute(pid, func(old linkSlot, loaded bool) (linkSlot, bool) {
			if loaded && old.peer == slot.peer {
				removed = true
				return linkSlot{}, true
			}
			return old, !loaded
		})
		if removed {
			_ = slot.peer.Close()
		}
		return true
	})
}
