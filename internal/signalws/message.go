package signalws

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gwillem/signal-state/internal/pbwire"
)

// MessageType discriminates WebSocketMessage payloads.
type MessageType int32

const (
	TypeUnknown MessageType = iota
	TypeRequest
	TypeResponse
)

// Request is a WebSocketRequestMessage.
type Request struct {
	Verb    string
	Path    string
	Body    []byte
	ID      uint64
	Headers []string
}

// Response is a WebSocketResponseMessage.
type Response struct {
	ID      uint64
	Status  uint32
	Message string
	Body    []byte
	Headers []string
}

// Message is a WebSocketMessage frame.
type Message struct {
	Type     MessageType
	Request  *Request
	Response *Response
}

const (
	fieldMessageType     protowire.Number = 1
	fieldMessageRequest  protowire.Number = 2
	fieldMessageResponse protowire.Number = 3

	fieldRequestVerb    protowire.Number = 1
	fieldRequestPath    protowire.Number = 2
	fieldRequestBody    protowire.Number = 3
	fieldRequestID      protowire.Number = 4
	fieldRequestHeaders protowire.Number = 5

	fieldResponseID      protowire.Number = 1
	fieldResponseStatus  protowire.Number = 2
	fieldResponseMessage protowire.Number = 3
	fieldResponseBody    protowire.Number = 4
	fieldResponseHeaders protowire.Number = 5
)

// Marshal encodes m.
func (m *Message) Marshal() []byte {
	b := pbwire.AppendVarint(nil, fieldMessageType, uint64(m.Type))
	if r := m.Request; r != nil {
		rb := pbwire.AppendString(nil, fieldRequestVerb, r.Verb)
		rb = pbwire.AppendString(rb, fieldRequestPath, r.Path)
		rb = pbwire.AppendBytes(rb, fieldRequestBody, r.Body)
		rb = pbwire.AppendVarintAlways(rb, fieldRequestID, r.ID)
		for _, h := range r.Headers {
			rb = pbwire.AppendString(rb, fieldRequestHeaders, h)
		}
		b = pbwire.AppendMessage(b, fieldMessageRequest, rb)
	}
	if r := m.Response; r != nil {
		rb := pbwire.AppendVarintAlways(nil, fieldResponseID, r.ID)
		rb = pbwire.AppendVarintAlways(rb, fieldResponseStatus, uint64(r.Status))
		rb = pbwire.AppendString(rb, fieldResponseMessage, r.Message)
		rb = pbwire.AppendBytes(rb, fieldResponseBody, r.Body)
		for _, h := range r.Headers {
			rb = pbwire.AppendString(rb, fieldResponseHeaders, h)
		}
		b = pbwire.AppendMessage(b, fieldMessageResponse, rb)
	}
	return b
}

// UnmarshalMessage decodes a WebSocketMessage.
func UnmarshalMessage(b []byte) (*Message, error) {
	fields, err := pbwire.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("signalws: unmarshal: %w", err)
	}
	m := &Message{}
	for _, f := range fields {
		switch f.Num {
		case fieldMessageType:
			m.Type = MessageType(f.Varint)
		case fieldMessageRequest:
			if m.Request, err = unmarshalRequest(f.Bytes); err != nil {
				return nil, err
			}
		case fieldMessageResponse:
			if m.Response, err = unmarshalResponse(f.Bytes); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func unmarshalRequest(b []byte) (*Request, error) {
	fields, err := pbwire.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("signalws: unmarshal request: %w", err)
	}
	r := &Request{}
	for _, f := range fields {
		switch f.Num {
		case fieldRequestVerb:
			r.Verb = string(f.Bytes)
		case fieldRequestPath:
			r.Path = string(f.Bytes)
		case fieldRequestBody:
			r.Body = append([]byte(nil), f.Bytes...)
		case fieldRequestID:
			r.ID = f.Varint
		case fieldRequestHeaders:
			r.Headers = append(r.Headers, string(f.Bytes))
		}
	}
	return r, nil
}

func unmarshalResponse(b []byte) (*Response, error) {
	fields, err := pbwire.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("signalws: unmarshal response: %w", err)
	}
	r := &Response{}
	for _, f := range fields {
		switch f.Num {
		case fieldResponseID:
			r.ID = f.Varint
		case fieldResponseStatus:
			r.Status = uint32(f.Varint)
		case fieldResponseMessage:
			r.Message = string(f.Bytes)
		case fieldResponseBody:
			r.Body = append([]byte(nil), f.Bytes...)
		case fieldResponseHeaders:
			r.Headers = append(r.Headers, string(f.Bytes))
		}
	}
	return r, nil
}
