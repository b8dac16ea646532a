package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Encode serializes a Message into the exact ASCII datagram bytes defined by
// the protocol table. It panics on an unregistered Message implementation —
// every concrete type in this package is exhaustively handled, so that can
// only happen if a caller defines its own Message, which the protocol does
// not support.
func Encode(m Message) []byte {
	switch v := m.(type) {
	case Heartbeat:
		return []byte(fmt.Sprintf("HEARTBEAT %s %d", v.Name, v.Port))
	case Talk:
		return []byte(fmt.Sprintf("TALK %s %s", v.UID, v.Text))
	case Ack:
		return []byte(fmt.Sprintf("ACK %s", v.ID))
	case Nack:
		return []byte(fmt.Sprintf("NACK %s %s", v.UID, v.Detail))
	case File:
		return []byte(fmt.Sprintf("FILE %s %s %d", v.UID, v.Name, v.Size))
	case Chunk:
		return []byte(fmt.Sprintf("CHUNK %s_%d %d %s", v.UID, v.Seq, v.Seq, v.PayloadB64))
	case End:
		return []byte(fmt.Sprintf("END %s_end %s", v.UID, v.Hash))
	default:
		panic(fmt.Sprintf("wire: unencodable message type %T", m))
	}
}

// Decode parses a single UDP datagram into its tagged Message variant. It
// validates only the verb and minimum positional fields; semantic checks
// (base64 well-formedness, non-negative sizes) are left to the consumer, per
// the codec's role as a dumb text parser. A malformed datagram yields an
// error that the caller should log and drop, never propagate as fatal.
func Decode(data []byte) (Message, error) {
	s := strings.TrimRight(string(data), "\r\n")
	if s == "" {
		return nil, fmt.Errorf("wire: empty datagram")
	}

	verb, rest, _ := strings.Cut(s, " ")

	switch Verb(verb) {
	case VerbHeartbeat:
		fields := strings.Fields(rest)
		if len(fields) < 2 {
			return nil, fmt.Errorf("wire: HEARTBEAT: want name and port, got %q", rest)
		}
		port, err := strconv.ParseUint(fields[1], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("wire: HEARTBEAT: bad port: %w", err)
		}
		return Heartbeat{Name: fields[0], Port: uint16(port)}, nil

	case VerbTalk:
		uid, text, ok := strings.Cut(rest, " ")
		if !ok {
			return nil, fmt.Errorf("wire: TALK: missing text field")
		}
		return Talk{UID: uid, Text: text}, nil

	case VerbAck:
		if rest == "" {
			return nil, fmt.Errorf("wire: ACK: missing id")
		}
		return Ack{ID: rest}, nil

	case VerbNack:
		uid, detail, ok := strings.Cut(rest, " ")
		if !ok {
			return nil, fmt.Errorf("wire: NACK: missing detail field")
		}
		return Nack{UID: uid, Detail: detail}, nil

	case VerbFile:
		fields := strings.Fields(rest)
		if len(fields) < 3 {
			return nil, fmt.Errorf("wire: FILE: want uid, name and size, got %q", rest)
		}
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("wire: FILE: bad size: %w", err)
		}
		return File{UID: fields[0], Name: fields[1], Size: size}, nil

	case VerbChunk:
		parts := strings.SplitN(rest, " ", 3)
		if len(parts) < 3 {
			return nil, fmt.Errorf("wire: CHUNK: want composite id, seq and payload, got %q", rest)
		}
		uid, _, ok := strings.Cut(parts[0], "_")
		if !ok {
			return nil, fmt.Errorf("wire: CHUNK: malformed composite id %q", parts[0])
		}
		seq, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("wire: CHUNK: bad seq: %w", err)
		}
		return Chunk{UID: uid, Seq: uint32(seq), PayloadB64: parts[2]}, nil

	case VerbEnd:
		uidEnd, hash, ok := strings.Cut(rest, " ")
		if !ok {
			return nil, fmt.Errorf("wire: END: missing hash field")
		}
		uid, _, ok := strings.Cut(uidEnd, "_")
		if !ok {
			return nil, fmt.Errorf("wire: END: malformed composite id %q", uidEnd)
		}
		return End{UID: uid, Hash: hash}, nil

	default:
		return nil, fmt.Errorf("wire: unknown verb %q", verb)
	}
}

// FormatMissing renders missing chunk sequence numbers as the space-separated
// list carried in a NACK's detail field.
func FormatMissing(missing []uint32) string {
	parts := make([]string, len(missing))
	for i, seq := range missing {
		parts[i] = strconv.FormatUint(uint64(seq), 10)
	}
	return strings.Join(parts, " ")
}

// ParseMissing parses a NACK detail field back into chunk sequence numbers.
// Returns an error if detail is the hash-mismatch sentinel or otherwise not a
// sequence-number list.
func ParseMissing(detail string) ([]uint32, error) {
	if detail == "hash mismatch" {
		return nil, fmt.Errorf("wire: detail is a hash-mismatch sentinel, not a sequence list")
	}
	fields := strings.Fields(detail)
	seqs := make([]uint32, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("wire: bad sequence number %q: %w", f, err)
		}
		seqs = append(seqs, uint32(n))
	}
	return seqs, nil
}
