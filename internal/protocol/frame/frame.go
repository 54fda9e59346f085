package frame

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	HeaderLen = 25

	MagicCompressed byte = 0xDD
	MagicRaw        byte = ^MagicCompressed

	StationLen = 8
	StationPad = '~'

	Broadcast = "CQCQCQ"
	Sentinel  = "!"
)

var (
	Start = []byte("[SOB]")
	End   = []byte("[EOB]")
)

var (
	ErrNoDelimiters    = errors.New("frame: missing [SOB]/[EOB] delimiters")
	ErrShortHeader     = errors.New("frame: short fixed header")
	ErrBadMagic        = errors.New("frame: unknown magic byte")
	ErrChecksum        = errors.New("frame: checksum mismatch")
	ErrLengthMismatch  = errors.New("frame: declared length does not match payload")
	ErrTruncatedEscape = errors.New("frame: truncated escape sequence")
	ErrDecompress      = errors.New("frame: decompress failed")
)

// Limits constrains decode memory use.
type Limits struct {
	// MaxPayloadBytes caps a payload after decompression.
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 64 * 1024,
	}
}

func (l Limits) withDefaults() Limits {
	if l.MaxPayloadBytes <= 0 {
		l.MaxPayloadBytes = DefaultLimits().MaxPayloadBytes
	}
	return l
}

// Header is the fixed 25 byte wire header.
type Header struct {
	Magic    byte
	Seq      uint16
	Session  uint8
	Type     uint8
	Checksum uint16
	Length   uint16
	Source   string
	Dest     string
}

// Frame is one DDT2 block. Fields are owned by the sender until the frame
// is handed to a transport; after that only the attached Signals change.
type Frame struct {
	Seq      uint16
	Session  uint8
	Type     uint8
	Source   string
	Dest     string
	Payload  []byte
	Compress bool

	sig *Signals
}

// Signals returns the completion signals shared by every copy of f made
// with a plain struct copy. Call it before handing the frame off.
func (f *Frame) Signals() *Signals {
	if f.sig == nil {
		f.sig = NewSignals()
	}
	return f.sig
}

// Copy returns a deep copy of f with its own, fresh signals.
func (f *Frame) Copy() *Frame {
	out := *f
	out.Payload = append([]byte(nil), f.Payload...)
	out.sig = NewSignals()
	return &out
}

func (f *Frame) String() string {
	c := "-"
	if f.Compress {
		c = "+"
	}
	data := FilterASCII(f.Payload)
	if len(data) > 20 {
		data = data[:20]
	}
	return fmt.Sprintf("DDT2%s: %d:%d:%d %s->%s (%s...[%d])",
		c, f.Seq, f.Session, f.Type, f.Source, f.Dest, data, len(f.Payload))
}

// EncodeRaw builds header+payload without byte stuffing or delimiters.
func EncodeRaw(f *Frame) ([]byte, error) {
	data := f.Payload
	magic := MagicRaw
	if f.Compress {
		var buf bytes.Buffer
		zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(f.Payload); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		data = buf.Bytes()
		magic = MagicCompressed
	}
	if len(data) > 0xFFFF {
		return nil, fmt.Errorf("frame: payload too large: %d bytes", len(data))
	}

	h := Header{
		Magic:   magic,
		Seq:     f.Seq,
		Session: f.Session,
		Type:    f.Type,
		Length:  uint16(len(data)),
		Source:  f.Source,
		Dest:    f.Dest,
	}
	out := make([]byte, 0, HeaderLen+len(data))
	out = append(out, EncodeHeader(h)...)
	out = append(out, data...)
	binary.BigEndian.PutUint16(out[5:7], Checksum(out))
	return out, nil
}

// Encode returns the stuffed, delimited wire form of f.
func Encode(f *Frame) ([]byte, error) {
	raw, err := EncodeRaw(f)
	if err != nil {
		return nil, err
	}
	stuffed := Stuff(raw, DefaultBanned)
	out := make([]byte, 0, len(Start)+len(stuffed)+len(End))
	out = append(out, Start...)
	out = append(out, stuffed...)
	out = append(out, End...)
	return out, nil
}

// Decode parses the first delimited block found in b.
func Decode(b []byte, limits Limits) (*Frame, error) {
	s := bytes.Index(b, Start)
	e := bytes.LastIndex(b, End)
	if s < 0 || e < 0 || e < s+len(Start) {
		return nil, ErrNoDelimiters
	}
	raw, err := Unstuff(b[s+len(Start) : e])
	if err != nil {
		return nil, err
	}
	return DecodeRaw(raw, limits)
}

// DecodeRaw parses an unstuffed header+payload buffer.
func DecodeRaw(raw []byte, limits Limits) (*Frame, error) {
	limits = limits.withDefaults()
	if len(raw) < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(raw))
	}
	h, err := DecodeHeader(raw[:HeaderLen])
	if err != nil {
		return nil, err
	}
	data := raw[HeaderLen:]

	var compressed bool
	switch h.Magic {
	case MagicCompressed:
		compressed = true
	case MagicRaw:
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadMagic, h.Magic)
	}

	check := make([]byte, len(raw))
	copy(check, raw)
	check[5], check[6] = 0, 0
	if sum := Checksum(check); sum != h.Checksum {
		return nil, fmt.Errorf("%w: got 0x%04x want 0x%04x", ErrChecksum, sum, h.Checksum)
	}
	if int(h.Length) != len(data) {
		return nil, fmt.Errorf("%w: header=%d payload=%d", ErrLengthMismatch, h.Length, len(data))
	}

	payload := append([]byte(nil), data...)
	if compressed {
		payload, err = Inflate(data, limits.MaxPayloadBytes)
		if err != nil {
			return nil, err
		}
	}

	return &Frame{
		Seq:      h.Seq,
		Session:  h.Session,
		Type:     h.Type,
		Source:   h.Source,
		Dest:     h.Dest,
		Payload:  payload,
		Compress: compressed,
		sig:      NewSignals(),
	}, nil
}

// Inflate decompresses a zlib stream of at most limit output bytes.
func Inflate(data []byte, limit int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	if len(out) > limit {
		return nil, fmt.Errorf("%w: inflates past %d bytes", ErrDecompress, limit)
	}
	return out, nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = h.Magic
	binary.BigEndian.PutUint16(buf[1:3], h.Seq)
	buf[3] = h.Session
	buf[4] = h.Type
	binary.BigEndian.PutUint16(buf[5:7], h.Checksum)
	binary.BigEndian.PutUint16(buf[7:9], h.Length)
	copy(buf[9:17], padStation(h.Source))
	copy(buf[17:25], padStation(h.Dest))
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:    b[0],
		Seq:      binary.BigEndian.Uint16(b[1:3]),
		Session:  b[3],
		Type:     b[4],
		Checksum: binary.BigEndian.Uint16(b[5:7]),
		Length:   binary.BigEndian.Uint16(b[7:9]),
		Source:   strings.ReplaceAll(string(b[9:17]), string(StationPad), ""),
		Dest:     strings.ReplaceAll(string(b[17:25]), string(StationPad), ""),
	}, nil
}

func padStation(s string) []byte {
	if len(s) > StationLen {
		s = s[:StationLen]
	}
	return []byte(s + strings.Repeat(string(StationPad), StationLen-len(s)))
}

// FilterASCII keeps printable ASCII, CR and LF.
func FilterASCII(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		if (c >= 32 && c <= 126) || c == '\n' || c == '\r' {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
