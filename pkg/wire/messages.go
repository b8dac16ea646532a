package wire

import "fmt"

// Verb names the seven message kinds carried on the wire.
type Verb string

const (
	VerbHeartbeat Verb = "HEARTBEAT"
	VerbTalk      Verb = "TALK"
	VerbAck       Verb = "ACK"
	VerbNack      Verb = "NACK"
	VerbFile      Verb = "FILE"
	VerbChunk     Verb = "CHUNK"
	VerbEnd       Verb = "END"
)

// Message is implemented by every decoded wire variant. Internal code
// switches on the concrete type rather than re-parsing strings.
type Message interface {
	Verb() Verb
	// Identifier is the value consulted against the dedup set, and for
	// CHUNK is the composite "<uid>_<seq>" form so per-chunk identity drives
	// dedup while UID still drives transfer state.
	Identifier() string
}

// Heartbeat announces a node's presence: "HEARTBEAT <name> <port>".
type Heartbeat struct {
	Name string
	Port uint16
}

func (Heartbeat) Verb() Verb { return VerbHeartbeat }
func (h Heartbeat) Identifier() string { return h.Name }

// Talk carries a short unicast text message: "TALK <uid> <text...>".
type Talk struct {
	UID  string
	Text string
}

func (Talk) Verb() Verb { return VerbTalk }
func (t Talk) Identifier() string { return t.UID }

// Ack acknowledges any prior identifier: "ACK <id>".
type Ack struct {
	ID string
}

func (Ack) Verb() Verb { return VerbAck }
func (a Ack) Identifier() string { return a.ID }

// Nack carries either a hash-mismatch signal or missing-sequence list:
// "NACK <uid> <reason-or-missing-seqs>".
type Nack struct {
	UID    string
	Detail string
}

func (Nack) Verb() Verb { return VerbNack }
func (n Nack) Identifier() string { return n.UID }

// IsHashMismatch reports whether this NACK signals a terminal integrity
// failure rather than a list of missing chunk sequence numbers.
func (n Nack) IsHashMismatch() bool { return n.Detail == "hash mismatch" }

// File announces an incoming transfer: "FILE <uid> <basename> <size>".
type File struct {
	UID  string
	Name string
	Size int64
}

func (File) Verb() Verb { return VerbFile }
func (f File) Identifier() string { return f.UID }

// Chunk carries one base64-encoded slice of file content:
// "CHUNK <uid>_<seq> <seq> <base64>".
type Chunk struct {
	UID        string
	Seq        uint32
	PayloadB64 string
}

func (Chunk) Verb() Verb { return VerbChunk }
func (c Chunk) Identifier() string {
	return fmt.Sprintf("%s_%d", c.UID, c.Seq)
}

// End carries the sender's integrity hash: "END <uid>_end <sha256-hex>".
type End struct {
	UID  string
	Hash string
}

func (End) Verb() Verb { return VerbEnd }
func (e End) Identifier() string { return e.UID + "_end" }
