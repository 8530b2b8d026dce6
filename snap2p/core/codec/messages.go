package codec

import "fmt"

// Tag identifies a control message's type. Values match spec §4.2's
// catalogue exactly; they are the wire-level discriminant stored under
// the "t" key of every encoded map.
type Tag uint64

const (
	TagHello         Tag = 0x01
	TagAuth          Tag = 0x02
	TagAuthOK        Tag = 0x03
	TagAuthFail      Tag = 0x04
	TagOpenStream    Tag = 0x10
	TagCloseStream   Tag = 0x11
	TagStreamData    Tag = 0x12
	TagPing          Tag = 0x20
	TagPong          Tag = 0x21
	TagKnock         Tag = 0x30
	TagKnockResponse Tag = 0x31
	TagError         Tag = 0xFF
)

// Visibility is a closed enum controlling how a listener's peer announces
// and gates itself.
type Visibility uint64

const (
	VisibilityPublic Visibility = iota
	VisibilityPrivate
	VisibilityStealth
)

// ErrUnsupportedVersion is raised for any tag outside the catalogue above,
// per spec §4.2's round-trip contract.
var ErrUnsupportedVersion = fmt.Errorf("codec: unsupported message version/tag")

// Message is the decoded form of any control-plane frame payload.
// Exactly one of the typed fields below is populated, selected by Tag.
type Message struct {
	Tag Tag

	Hello         *Hello
	Auth          *Auth
	AuthOK        *AuthOK
	AuthFail      *AuthFail
	OpenStream    *OpenStream
	CloseStream   *CloseStream
	StreamData    *StreamData
	Ping          *PingPong
	Pong          *PingPong
	Knock         *Knock
	KnockResponse *KnockResponse
	Error         *ErrorMsg
}

type Hello struct {
	Version        uint32
	NodePublicKey  []byte // 32 bytes, Ed25519
	Nonce          []byte // 32 bytes
	Timestamp      int64
	Visibility     Visibility
	Capabilities   []string
}

type Auth struct {
	Attestation    []byte
	HandshakeData  []byte // reserved, currently always empty
}

type AuthOK struct {
	Principal string
	SessionID []byte // 32 bytes
}

type AuthFail struct {
	ErrorCode uint64
	Reason    string
}

type OpenStream struct {
	StreamID uint64
	Label    string
}

type CloseStream struct {
	StreamID  uint64
	ErrorCode uint64
	HasError  bool
}

type StreamData struct {
	StreamID uint64
	Data     []byte
	Fin      bool
}

type PingPong struct {
	Sequence  uint64
	Timestamp int64
}

type Knock struct {
	InviteToken []byte
}

type KnockResponse struct {
	Allowed bool
}

type ErrorMsg struct {
	ErrorCode uint64
	Reason    string
}

// Encode renders m to its canonical wire bytes.
func Encode(m *Message) ([]byte, error) {
	f := &Fields{}
	f.PutUint("t", uint64(m.Tag))

	switch m.Tag {
	case TagHello:
		h := m.Hello
		f.PutUint("v", uint64(h.Version))
		f.PutBytes("pk", h.NodePublicKey)
		f.PutBytes("n", h.Nonce)
		f.PutInt("ts", h.Timestamp)
		f.PutUint("vis", uint64(h.Visibility))
		f.PutStringList("cap", h.Capabilities)
	case TagAuth:
		a := m.Auth
		f.PutBytes("att", a.Attestation)
		f.PutBytes("hd", a.HandshakeData)
	case TagAuthOK:
		a := m.AuthOK
		f.PutString("p", a.Principal)
		f.PutBytes("sid", a.SessionID)
	case TagAuthFail:
		a := m.AuthFail
		f.PutUint("ec", a.ErrorCode)
		if a.Reason != "" {
			f.PutString("r", a.Reason)
		}
	case TagOpenStream:
		o := m.OpenStream
		f.PutUint("sid", o.StreamID)
		if o.Label != "" {
			f.PutString("l", o.Label)
		}
	case TagCloseStream:
		c := m.CloseStream
		f.PutUint("sid", c.StreamID)
		if c.HasError {
			f.PutUint("ec", c.ErrorCode)
		}
	case TagStreamData:
		d := m.StreamData
		f.PutUint("sid", d.StreamID)
		f.PutBytes("d", d.Data)
		if d.Fin {
			f.PutBool("f", true)
		}
	case TagPing:
		p := m.Ping
		f.PutUint("seq", p.Sequence)
		f.PutInt("ts", p.Timestamp)
	case TagPong:
		p := m.Pong
		f.PutUint("seq", p.Sequence)
		f.PutInt("ts", p.Timestamp)
	case TagKnock:
		f.PutBytes("it", m.Knock.InviteToken)
	case TagKnockResponse:
		f.PutBool("a", m.KnockResponse.Allowed)
	case TagError:
		e := m.Error
		f.PutUint("ec", e.ErrorCode)
		if e.Reason != "" {
			f.PutString("r", e.Reason)
		}
	default:
		return nil, ErrUnsupportedVersion
	}

	return f.Encode(), nil
}

// Decode parses canonical wire bytes into a Message, dispatching on the
// "t" tag. Unknown fields present in the map are silently ignored; an
// unknown tag is the one decode error the spec requires to surface as
// ErrUnsupportedVersion rather than a generic truncation error.
func Decode(buf []byte) (*Message, error) {
	m, trailing, err := DecodeMap(buf)
	if err != nil {
		return nil, err
	}
	if len(trailing) != 0 {
		return nil, ErrTruncated
	}
	return m, nil
}

// DecodeMap is like Decode but returns any bytes left over after the map,
// for callers that frame multiple values back to back (none currently do,
// but it keeps the canonical-map decoder independent of framing).
func DecodeMap(buf []byte) (*Message, []byte, error) {
	raw, trailing, err := decodeFields(buf)
	if err != nil {
		return nil, nil, err
	}

	tagVal, ok, err := raw.GetUint("t")
	if err != nil || !ok {
		return nil, nil, ErrMissingField
	}
	tag := Tag(tagVal)

	m := &Message{Tag: tag}
	switch tag {
	case TagHello:
		h := &Hello{}
		var v uint64
		if v, ok, err = raw.GetUint("v"); err != nil {
			return nil, nil, err
		}
		h.Version = uint32(v)
		if h.NodePublicKey, _, err = raw.GetBytes("pk"); err != nil {
			return nil, nil, err
		}
		if h.Nonce, _, err = raw.GetBytes("n"); err != nil {
			return nil, nil, err
		}
		if h.Timestamp, _, err = raw.GetInt("ts"); err != nil {
			return nil, nil, err
		}
		if v, _, err = raw.GetUint("vis"); err != nil {
			return nil, nil, err
		}
		h.Visibility = Visibility(v)
		if h.Capabilities, _, err = raw.GetStringList("cap"); err != nil {
			return nil, nil, err
		}
		m.Hello = h
	case TagAuth:
		a := &Auth{}
		if a.Attestation, _, err = raw.GetBytes("att"); err != nil {
			return nil, nil, err
		}
		if a.HandshakeData, _, err = raw.GetBytes("hd"); err != nil {
			return nil, nil, err
		}
		m.Auth = a
	case TagAuthOK:
		a := &AuthOK{}
		if a.Principal, _, err = raw.GetString("p"); err != nil {
			return nil, nil, err
		}
		if a.SessionID, _, err = raw.GetBytes("sid"); err != nil {
			return nil, nil, err
		}
		m.AuthOK = a
	case TagAuthFail:
		a := &AuthFail{}
		if a.ErrorCode, _, err = raw.GetUint("ec"); err != nil {
			return nil, nil, err
		}
		if a.Reason, _, err = raw.GetString("r"); err != nil {
			return nil, nil, err
		}
		m.AuthFail = a
	case TagOpenStream:
		o := &OpenStream{}
		if o.StreamID, _, err = raw.GetUint("sid"); err != nil {
			return nil, nil, err
		}
		if o.Label, _, err = raw.GetString("l"); err != nil {
			return nil, nil, err
		}
		m.OpenStream = o
	case TagCloseStream:
		c := &CloseStream{}
		if c.StreamID, _, err = raw.GetUint("sid"); err != nil {
			return nil, nil, err
		}
		if c.ErrorCode, c.HasError, err = raw.GetUint("ec"); err != nil {
			return nil, nil, err
		}
		m.CloseStream = c
	case TagStreamData:
		d := &StreamData{}
		if d.StreamID, _, err = raw.GetUint("sid"); err != nil {
			return nil, nil, err
		}
		if d.Data, _, err = raw.GetBytes("d"); err != nil {
			return nil, nil, err
		}
		if d.Fin, _, err = raw.GetBool("f"); err != nil {
			return nil, nil, err
		}
		m.StreamData = d
	case TagPing, TagPong:
		p := &PingPong{}
		if p.Sequence, _, err = raw.GetUint("seq"); err != nil {
			return nil, nil, err
		}
		if p.Timestamp, _, err = raw.GetInt("ts"); err != nil {
			return nil, nil, err
		}
		if tag == TagPing {
			m.Ping = p
		} else {
			m.Pong = p
		}
	case TagKnock:
		k := &Knock{}
		if k.InviteToken, _, err = raw.GetBytes("it"); err != nil {
			return nil, nil, err
		}
		m.Knock = k
	case TagKnockResponse:
		k := &KnockResponse{}
		if k.Allowed, _, err = raw.GetBool("a"); err != nil {
			return nil, nil, err
		}
		m.KnockResponse = k
	case TagError:
		e := &ErrorMsg{}
		if e.ErrorCode, _, err = raw.GetUint("ec"); err != nil {
			return nil, nil, err
		}
		if e.Reason, _, err = raw.GetString("r"); err != nil {
			return nil, nil, err
		}
		m.Error = e
	default:
		return nil, nil, ErrUnsupportedVersion
	}

	return m, trailing, nil
}

func decodeFields(buf []byte) (*Map, []byte, error) {
	return DecodeFields(buf)
}
