package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Subprotocol names negotiated on the signaling WebSocket.
const (
	SubprotocolJSON    = "aero-room-signal.v1.json"
	SubprotocolMsgPack = "aero-room-signal.v1.msgpack"
	SubprotocolCBOR    = "aero-room-signal.v1.cbor"
)

var errTrailingData = errors.New("unexpected trailing data")

// Codec turns messages into frames and back. Binary codecs carry opaque
// payloads as native maps and arrays; they are converted to and from their
// JSON form at the edge so the relay never depends on the sender's codec.
type Codec interface {
	Subprotocol() string
	Binary() bool
	Encode(m *Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

var (
	JSON    Codec = jsonCodec{}
	MsgPack Codec = msgpackCodec{}
	CBOR    Codec = newCBORCodec()
)

// Subprotocols lists the supported subprotocols in server preference order.
func Subprotocols() []string {
	return []string{SubprotocolJSON, SubprotocolMsgPack, SubprotocolCBOR}
}

// ForSubprotocol returns the codec for a negotiated subprotocol. An empty
// name selects JSON.
func ForSubprotocol(name string) (Codec, bool) {
	switch name {
	case "", SubprotocolJSON:
		return JSON, true
	case SubprotocolMsgPack:
		return MsgPack, true
	case SubprotocolCBOR:
		return CBOR, true
	default:
		return nil, false
	}
}

// Parse decodes and validates an inbound frame. Any failure is reported as a
// bad_message error.
func Parse(c Codec, data []byte) (Message, *Error) {
	msg, err := c.Decode(data)
	if err != nil {
		return Message{}, Errorf(CodeBadMessage, "invalid message: %v", err)
	}
	if perr := msg.Validate(); perr != nil {
		return Message{}, perr
	}
	return msg, nil
}

type jsonCodec struct{}

func (jsonCodec) Subprotocol() string { return SubprotocolJSON }
func (jsonCodec) Binary() bool        { return false }

func (jsonCodec) Encode(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (jsonCodec) Decode(data []byte) (Message, error) {
	if err := checkFieldNames(data); err != nil {
		return Message{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, errTrailingData
	}
	// Payloads must survive conversion for binary recipients unchanged.
	for name, raw := range map[string]json.RawMessage{"offer": msg.Offer, "answer": msg.Answer, "candidate": msg.Candidate} {
		if _, err := nativeFromJSON(raw); err != nil {
			return Message{}, fmt.Errorf("%s: %w", name, err)
		}
	}
	return msg, nil
}

// messageFields maps the lower-cased JSON name of every Message field to its
// exact name.
var messageFields = func() map[string]string {
	out := make(map[string]string)
	t := reflect.TypeOf(Message{})
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		out[strings.ToLower(name)] = name
	}
	return out
}()

// checkFieldNames rejects keys that differ from a Message field only by case.
// encoding/json would otherwise accept {"TYPE":...} as a type field. Unknown
// keys are left to the decoder, which ignores them.
func checkFieldNames(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		// Reported by the real decode with a better message.
		return nil
	}
	for key := range obj {
		if exact, ok := messageFields[strings.ToLower(key)]; ok && exact != key {
			return fmt.Errorf("field %q must be spelled %q", key, exact)
		}
	}
	return nil
}

// binaryMessage mirrors Message with payloads held as native values.
type binaryMessage struct {
	Type string `msgpack:"type" cbor:"type"`

	RoomID   string `msgpack:"roomId,omitempty" cbor:"roomId,omitempty"`
	UserID   string `msgpack:"userId,omitempty" cbor:"userId,omitempty"`
	ToUserID string `msgpack:"toUserId,omitempty" cbor:"toUserId,omitempty"`
	Role     string `msgpack:"role,omitempty" cbor:"role,omitempty"`

	Offer     any `msgpack:"offer,omitempty" cbor:"offer,omitempty"`
	Answer    any `msgpack:"answer,omitempty" cbor:"answer,omitempty"`
	Candidate any `msgpack:"candidate,omitempty" cbor:"candidate,omitempty"`

	APIKey string `msgpack:"apiKey,omitempty" cbor:"apiKey,omitempty"`
	Token  string `msgpack:"token,omitempty" cbor:"token,omitempty"`

	Code    string `msgpack:"code,omitempty" cbor:"code,omitempty"`
	Message string `msgpack:"message,omitempty" cbor:"message,omitempty"`
}

func toBinary(m *Message) (binaryMessage, error) {
	out := binaryMessage{
		Type:     string(m.Type),
		RoomID:   m.RoomID,
		UserID:   m.UserID,
		ToUserID: m.ToUserID,
		Role:     m.Role,
		APIKey:   m.APIKey,
		Token:    m.Token,
		Code:     m.Code,
		Message:  m.Message,
	}
	var err error
	if out.Offer, err = nativeFromJSON(m.Offer); err != nil {
		return binaryMessage{}, fmt.Errorf("offer: %w", err)
	}
	if out.Answer, err = nativeFromJSON(m.Answer); err != nil {
		return binaryMessage{}, fmt.Errorf("answer: %w", err)
	}
	if out.Candidate, err = nativeFromJSON(m.Candidate); err != nil {
		return binaryMessage{}, fmt.Errorf("candidate: %w", err)
	}
	return out, nil
}

func fromBinary(b binaryMessage) (Message, error) {
	out := Message{
		Type:     Type(b.Type),
		RoomID:   b.RoomID,
		UserID:   b.UserID,
		ToUserID: b.ToUserID,
		Role:     b.Role,
		APIKey:   b.APIKey,
		Token:    b.Token,
		Code:     b.Code,
		Message:  b.Message,
	}
	var err error
	if out.Offer, err = jsonFromNative(b.Offer); err != nil {
		return Message{}, fmt.Errorf("offer: %w", err)
	}
	if out.Answer, err = jsonFromNative(b.Answer); err != nil {
		return Message{}, fmt.Errorf("answer: %w", err)
	}
	if out.Candidate, err = jsonFromNative(b.Candidate); err != nil {
		return Message{}, fmt.Errorf("candidate: %w", err)
	}
	return out, nil
}

// nativeFromJSON decodes a JSON payload into plain Go values. Integral
// numbers stay integers so binary peers see sdpMLineIndex as an int. Numbers
// that no binary codec can carry exactly are an error rather than being
// rounded.
func nativeFromJSON(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeNumbers(v)
}

func normalizeNumbers(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		return nativeNumber(t)
	case map[string]any:
		for k, e := range t {
			n, err := normalizeNumbers(e)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case []any:
		for i, e := range t {
			n, err := normalizeNumbers(e)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	default:
		return v, nil
	}
}

func nativeNumber(n json.Number) (any, error) {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return u, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("number %s out of range", s)
	}
	// The value re-encodes as its shortest form, which must denote the
	// same decimal number.
	if !sameDecimal(s, strconv.FormatFloat(f, 'g', -1, 64)) {
		return nil, fmt.Errorf("number %s cannot be represented exactly", s)
	}
	return f, nil
}

// sameDecimal reports whether two JSON number literals denote the same
// decimal value, e.g. "1.0" and "1", or "1e2" and "100".
func sameDecimal(a, b string) bool {
	an, ad, ae, ok := canonicalDecimal(a)
	if !ok {
		return false
	}
	bn, bd, be, ok := canonicalDecimal(b)
	if !ok {
		return false
	}
	if ad == "" && bd == "" {
		return true // zero, whatever its sign
	}
	return an == bn && ad == bd && ae == be
}

// canonicalDecimal splits a number literal into sign, significant digits
// without leading or trailing zeros, and a base-10 exponent.
func canonicalDecimal(s string) (neg bool, digits string, exp int, ok bool) {
	if strings.HasPrefix(s, "-") {
		neg, s = true, s[1:]
	}
	mant, expStr, hasExp := strings.Cut(strings.ToLower(s), "e")
	if hasExp {
		e, err := strconv.Atoi(expStr)
		if err != nil {
			return false, "", 0, false
		}
		exp = e
	}
	intPart, frac, _ := strings.Cut(mant, ".")
	digits = strings.TrimLeft(intPart+frac, "0")
	exp -= len(frac)
	trimmed := strings.TrimRight(digits, "0")
	exp += len(digits) - len(trimmed)
	return neg, trimmed, exp, true
}

func jsonFromNative(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

type msgpackCodec struct{}

func (msgpackCodec) Subprotocol() string { return SubprotocolMsgPack }
func (msgpackCodec) Binary() bool        { return true }

func (msgpackCodec) Encode(m *Message) ([]byte, error) {
	b, err := toBinary(m)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(&b)
}

func (msgpackCodec) Decode(data []byte) (Message, error) {
	r := bytes.NewReader(data)
	var b binaryMessage
	if err := msgpack.NewDecoder(r).Decode(&b); err != nil {
		return Message{}, err
	}
	if r.Len() > 0 {
		return Message{}, errTrailingData
	}
	return fromBinary(b)
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Subprotocol() string { return SubprotocolCBOR }
func (cborCodec) Binary() bool        { return true }

func (c cborCodec) Encode(m *Message) ([]byte, error) {
	b, err := toBinary(m)
	if err != nil {
		return nil, err
	}
	return c.enc.Marshal(&b)
}

func (c cborCodec) Decode(data []byte) (Message, error) {
	var b binaryMessage
	if err := c.dec.Unmarshal(data, &b); err != nil {
		return Message{}, err
	}
	return fromBinary(b)
}
