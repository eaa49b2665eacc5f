// Package handlers glues the transport frontends to the game server. The
// transport layer speaks in connections; the game server speaks in the join
// protocol. This package keeps the two from importing each other.
package handlers

import (
	"context"

	"github.com/congregate-gg/backend/internal/auth"
	"github.com/congregate-gg/backend/internal/frontend/ws"
	"github.com/congregate-gg/backend/internal/gameserver"
)

// SessionBridge adapts the websocket acceptor's session callbacks onto the
// join protocol.
type SessionBridge struct {
	protocol *gameserver.Protocol
}

// NewSessionBridge creates a bridge for the given protocol.
//
// Precondition: protocol must be non-nil.
func NewSessionBridge(protocol *gameserver.Protocol) *SessionBridge {
	return &SessionBridge{protocol: protocol}
}

// Connect admits a freshly authenticated connection into the game layer.
func (b *SessionBridge) Connect(ctx context.Context, conn *ws.Conn, identity auth.Identity, gameID string) error {
	return b.protocol.Connect(ctx, conn, identity, gameID)
}

// Disconnect tears the connection's game attachment down.
func (b *SessionBridge) Disconnect(conn *ws.Conn) {
	b.protocol.Disconnect(conn)
}
