/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package aof

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketConsumer is the bundled AofConsumer implementation: it ships
// compressed AOF chunks over an already-established gorilla/websocket
// connection and resolves the ack once the frame is written (fulfilled
// synchronously since
// a websocket write error is known immediately; a real deployment's
// replica acks its own applied offset back over the same socket, which
// AckLoop below feeds into Log.AdvanceCursor).
type WebSocketConsumer struct {
	conn *websocket.Conn

	mu sync.Mutex // gorilla/websocket connections are not safe for concurrent writers
}

// NewWebSocketConsumer wraps an established connection.
func NewWebSocketConsumer(conn *websocket.Conn) *WebSocketConsumer {
	return &WebSocketConsumer{conn: conn}
}

// Send implements AofConsumer.
func (w *WebSocketConsumer) Send(ctx context.Context, data []byte) <-chan error {
	ack := make(chan error, 1)
	w.mu.Lock()
	err := w.conn.WriteMessage(websocket.BinaryMessage, data)
	w.mu.Unlock()
	ack <- err
	return ack
}

// Close closes the underlying connection.
func (w *WebSocketConsumer) Close() error { return w.conn.Close() }

// AckLoop reads replica-acknowledged offsets off the connection (each
// message is an 8-byte little-endian address, the byte position the
// replica has durably applied) and feeds them into l.AdvanceCursor for
// session, until the connection closes or ctx is done.
func (l *Log) AckLoop(ctx context.Context, session string, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if len(data) != 8 {
			continue
		}
		addr := binary.LittleEndian.Uint64(data)
		l.AdvanceCursor(session, addr)
	}
}
