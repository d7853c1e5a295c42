package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	MaxFrameSize = 1 << 20
	// SmallFrameSize is the largest frame read without looking at its kind.
	SmallFrameSize = 16 << 10
	// KindSniffBytes bounds how much of a large frame is read before its
	// kind must be known.
	KindSniffBytes = 256
)

var (
	ErrFrameSize   = errors.New("invalid frame size")
	ErrFrameKind   = errors.New("frame kind not found in header")
	ErrFrameTooBig = errors.New("frame too large for its kind")
)

// KindCap returns the largest frame accepted for each message kind. State
// sync carries whole CRDT blobs; everything else is small.
func KindCap(k Kind) int {
	switch k {
	case KindStateSync:
		return MaxFrameSize
	case KindSlide:
		return 256 << 10
	case KindPost:
		return 64 << 10
	default:
		return SmallFrameSize
	}
}

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 || len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameSize, len(payload))
	}
	out := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	return append(out, payload...), nil
}

func readFrameLen(r io.Reader) (int, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > MaxFrameSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrFrameSize, n)
	}
	return int(n), nil
}

func ReadFrame(r io.Reader) ([]byte, error) {
	n, err := readFrameLen(r)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadFrameWithKindCap reads one frame, holding frames above SmallFrameSize
// to the cap of the kind named in their header. The sniffed kind is returned
// for large frames and is empty otherwise; callers should confirm it against
// the decoded message.
func ReadFrameWithKindCap(r io.Reader) ([]byte, Kind, error) {
	n, err := readFrameLen(r)
	if err != nil {
		return nil, "", err
	}
	payload := make([]byte, n)
	if n <= SmallFrameSize {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, "", err
		}
		return payload, "", nil
	}
	head := payload[:min(n, KindSniffBytes)]
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, "", err
	}
	kind, ok := SniffKind(head)
	if !ok {
		return nil, "", ErrFrameKind
	}
	if n > KindCap(kind) {
		return nil, kind, fmt.Errorf("%w: %s frame of %d bytes", ErrFrameTooBig, kind, n)
	}
	if _, err := io.ReadFull(r, payload[len(head):]); err != nil {
		return nil, kind, err
	}
	return payload, kind, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	for len(frame) > 0 {
		n, err := w.Write(frame)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		frame = frame[n:]
	}
	return nil
}

// SniffKind finds message.type in the leading bytes of an encoded
// SignedEnvelope. It walks JSON tokens so that a "type" key nested anywhere
// else is ignored.
func SniffKind(prefix []byte) (Kind, bool) {
	dec := json.NewDecoder(bytes.NewReader(prefix))
	if !expectDelim(dec, '{') {
		return "", false
	}
	for dec.More() {
		key, ok := stringToken(dec)
		if !ok {
			return "", false
		}
		if key != "message" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return "", false
			}
			continue
		}
		if !expectDelim(dec, '{') {
			return "", false
		}
		for dec.More() {
			inner, ok := stringToken(dec)
			if !ok {
				return "", false
			}
			if inner == "type" {
				v, ok := stringToken(dec)
				return Kind(v), ok && v != ""
			}
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return "", false
			}
		}
		return "", false
	}
	return "", false
}

func expectDelim(dec *json.Decoder, d json.Delim) bool {
	tok, err := dec.Token()
	if err != nil {
		return false
	}
	got, ok := tok.(json.Delim)
	return ok && got == d
}

func stringToken(dec *json.Decoder) (string, bool) {
	tok, err := dec.Token()
	if err != nil {
		return "", false
	}
	s, ok := tok.(string)
	return s, ok
}
