package http

import (
	"encoding/json"
	"errors"
	stdhttp "net/http"

	"github.com/vovakirdan/relaychat-server/internal/core"
	"github.com/vovakirdan/relaychat-server/internal/proto"
	"github.com/vovakirdan/relaychat-server/internal/store"
)

const (
	errCodeRateLimited = "rate_limited"
	errCodeConflict    = "conflict"
)

func invalid(msg string) *proto.Error {
	return &proto.Error{Code: core.ErrCodeValidationFailed, Msg: msg}
}

func decodeData(raw json.RawMessage, v any) *proto.Error {
	if len(raw) == 0 {
		return invalid("data is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalid("malformed data")
	}
	return nil
}

func inboundToCommand(inbound proto.Inbound) (*core.Command, *proto.Error) {
	switch inbound.Type {
	case proto.InboundTypeSubscribe:
		var data proto.SubscribeData
		if perr := decodeData(inbound.Data, &data); perr != nil {
			return nil, perr
		}
		if len(data.ConversationIDs) == 0 {
			return nil, invalid("conversation_ids is required")
		}
		return &core.Command{Kind: core.CommandSubscribe, ConversationIDs: data.ConversationIDs}, nil
	case proto.InboundTypeSend:
		var data proto.SendData
		if perr := decodeData(inbound.Data, &data); perr != nil {
			return nil, perr
		}
		return &core.Command{Kind: core.CommandSend, Send: sendRequest(data)}, nil
	case proto.InboundTypeTypingStart, proto.InboundTypeTypingStop:
		var data proto.TypingData
		if perr := decodeData(inbound.Data, &data); perr != nil {
			return nil, perr
		}
		if data.ConversationID <= 0 {
			return nil, invalid("conversation_id is required")
		}
		kind := core.CommandTypingStart
		if inbound.Type == proto.InboundTypeTypingStop {
			kind = core.CommandTypingStop
		}
		return &core.Command{Kind: kind, ConversationID: data.ConversationID}, nil
	case proto.InboundTypeMarkRead:
		var data proto.MarkReadData
		if perr := decodeData(inbound.Data, &data); perr != nil {
			return nil, perr
		}
		switch {
		case data.MessageID > 0 && data.ConversationID > 0:
			return nil, invalid("set either message_id or conversation_id")
		case data.MessageID > 0:
			return &core.Command{Kind: core.CommandMarkRead, MessageID: data.MessageID}, nil
		case data.ConversationID > 0:
			return &core.Command{Kind: core.CommandMarkConversationRead, ConversationID: data.ConversationID}, nil
		default:
			return nil, invalid("message_id or conversation_id is required")
		}
	case proto.InboundTypeEdit:
		var data proto.EditData
		if perr := decodeData(inbound.Data, &data); perr != nil {
			return nil, perr
		}
		if data.MessageID <= 0 {
			return nil, invalid("message_id is required")
		}
		return &core.Command{Kind: core.CommandEdit, MessageID: data.MessageID, Content: data.Content}, nil
	case proto.InboundTypeDelete:
		var data proto.DeleteData
		if perr := decodeData(inbound.Data, &data); perr != nil {
			return nil, perr
		}
		if data.MessageID <= 0 {
			return nil, invalid("message_id is required")
		}
		return &core.Command{Kind: core.CommandDelete, MessageID: data.MessageID}, nil
	default:
		return nil, invalid("unknown message type")
	}
}

func sendRequest(data proto.SendData) core.SendRequest {
	req := core.SendRequest{
		ConversationID: data.ConversationID,
		Content:        data.Content,
		Type:           store.MessageType(data.Type),
		ReplyToID:      data.ReplyToID,
		Priority:       core.Priority(data.Priority),
	}
	if data.Attachment != nil {
		req.Attachment = &core.Attachment{
			URL:  data.Attachment.URL,
			Name: data.Attachment.Name,
			Size: data.Attachment.Size,
		}
	}
	return req
}

func messageToProto(m *store.Message) *proto.Message {
	if m == nil {
		return nil
	}
	out := &proto.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Type:           string(m.Type),
		ReplyToID:      m.ReplyToID,
		IsEdited:       m.IsEdited,
		IsDeleted:      m.IsDeleted,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
	if m.FileURL != "" {
		out.Attachment = &proto.AttachmentData{URL: m.FileURL, Name: m.FileName, Size: m.FileSize}
	}
	return out
}

func outboundFromEvent(event core.Event) proto.Outbound {
	out := proto.Outbound{Type: proto.OutboundTypeEvent, Event: event.Kind().String()}
	switch ev := event.(type) {
	case core.NewMessage:
		out.Data = messageToProto(&ev.Message)
	case core.MessageUpdated:
		out.Data = messageToProto(&ev.Message)
	case core.Typing:
		out.Data = proto.EventTyping{
			ConversationID: ev.ConversationID,
			UserID:         ev.UserID,
			Username:       ev.Username,
		}
	case core.PresenceChanged:
		out.Data = proto.EventPresence{
			UserID:   ev.UserID,
			Online:   ev.Online,
			LastSeen: ev.LastSeen,
		}
	}
	return out
}

func ackFromResult(ref string, res *core.Result) proto.Outbound {
	out := proto.Outbound{Type: proto.OutboundTypeAck, Ref: ref}
	if res == nil {
		return out
	}
	data := proto.AckData{
		Subscribed: res.Subscribed,
		Message:    messageToProto(res.Message),
		Marked:     res.Marked,
	}
	if data.Subscribed != nil || data.Message != nil || data.Marked != 0 {
		out.Data = data
	}
	return out
}

// protoError converts an engine error into its wire form. Internal details of
// storage failures are not exposed.
func protoError(err error) *proto.Error {
	var ce *core.CoreError
	if errors.As(err, &ce) {
		return &proto.Error{Code: ce.Code, Msg: ce.Message}
	}
	return &proto.Error{Code: core.ErrCodeInternal, Msg: "internal error"}
}

func errorFrame(ref string, perr *proto.Error) proto.Outbound {
	return proto.Outbound{Type: proto.OutboundTypeError, Ref: ref, Error: perr}
}

func statusFromCode(code string) int {
	switch code {
	case core.ErrCodePermissionDenied:
		return stdhttp.StatusForbidden
	case core.ErrCodeValidationFailed:
		return stdhttp.StatusBadRequest
	case core.ErrCodeNotFound:
		return stdhttp.StatusNotFound
	case core.ErrCodePersistenceFailed:
		return stdhttp.StatusServiceUnavailable
	case core.ErrCodeTransportClosed:
		return stdhttp.StatusGone
	case core.ErrCodeUnauthorized:
		return stdhttp.StatusUnauthorized
	case errCodeRateLimited:
		return stdhttp.StatusTooManyRequests
	case errCodeConflict:
		return stdhttp.StatusConflict
	default:
		return stdhttp.StatusInternalServerError
	}
}
