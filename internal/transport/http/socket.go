package http

import (
	"context"
	"errors"
	"io"

	"github.com/coder/websocket"
)

// wsSocket adapts a websocket connection to core.Socket.
type wsSocket struct {
	conn *websocket.Conn
}

func (s wsSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (s wsSocket) Write(ctx context.Context, frame []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, frame)
}

func (s wsSocket) Close(code int, reason string) error {
	return s.conn.Close(websocket.StatusCode(code), reason)
}

func (s wsSocket) CloseNow() error {
	return s.conn.CloseNow()
}
