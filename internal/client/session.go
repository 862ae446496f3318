package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/relaychat-server/internal/proto"
)

// Frame is an outbound server frame with its data left raw for the caller.
type Frame struct {
	Type  string          `json:"type"`
	Event string          `json:"event,omitempty"`
	Ref   string          `json:"ref,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *proto.Error    `json:"error,omitempty"`
}

// Decode unmarshals the frame data into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return errors.New("empty frame data")
	}
	return json.Unmarshal(f.Data, v)
}

// Session is one authenticated websocket connection to the server.
type Session struct {
	conn  *websocket.Conn
	ready proto.ReadyData
	ref   atomic.Uint64
}

// Dial opens a websocket to url, authenticates with token and waits for the
// ready frame.
func Dial(ctx context.Context, url, token string) (*Session, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial %s: %w", url, ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	s := &Session{conn: conn}
	var first Frame
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		conn.Close(websocket.StatusProtocolError, "no ready frame")
		return nil, fmt.Errorf("read ready: %w", err)
	}
	if first.Type != proto.OutboundTypeReady {
		conn.Close(websocket.StatusProtocolError, "unexpected first frame")
		return nil, fmt.Errorf("expected ready frame, got %q", first.Type)
	}
	if err := first.Decode(&s.ready); err != nil {
		conn.Close(websocket.StatusProtocolError, "bad ready frame")
		return nil, fmt.Errorf("decode ready: %w", err)
	}
	return s, nil
}

// Ready returns what the server reported on connect.
func (s *Session) Ready() proto.ReadyData { return s.ready }

// Send writes an inbound command and returns the ref the server will echo.
func (s *Session) Send(ctx context.Context, typ string, data any) (string, error) {
	in := proto.Inbound{Type: typ, Ref: strconv.FormatUint(s.ref.Add(1), 10)}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("marshal %s: %w", typ, err)
		}
		in.Data = raw
	}
	if err := wsjson.Write(ctx, s.conn, in); err != nil {
		return "", fmt.Errorf("write %s: %w", typ, err)
	}
	return in.Ref, nil
}

// Subscribe asks for events of the given conversations.
func (s *Session) Subscribe(ctx context.Context, conversationIDs []int64) (string, error) {
	return s.Send(ctx, proto.InboundTypeSubscribe, proto.SubscribeData{ConversationIDs: conversationIDs})
}

// SendMessage posts a text message.
func (s *Session) SendMessage(ctx context.Context, conversationID int64, content string) (string, error) {
	return s.Send(ctx, proto.InboundTypeSend, proto.SendData{ConversationID: conversationID, Content: content})
}

// Read blocks for the next frame.
func (s *Session) Read(ctx context.Context) (Frame, error) {
	var f Frame
	if err := wsjson.Read(ctx, s.conn, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Close closes the connection normally.
func (s *Session) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "bye")
}

// IsNormalClose reports whether err is an expected shutdown of the connection.
func IsNormalClose(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
