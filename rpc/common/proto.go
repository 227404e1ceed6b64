package common

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Protocol Constants
// --------------------------------------------------------------------------

const (
	// SchemaVersion is the version of the wire schema this build speaks.
	// A message carrying any other version is rejected with
	// CodeProtocolMismatch before its payload is interpreted.
	SchemaVersion uint8 = 1

	// MaxMessageSize bounds the encoded size of a single message.
	MaxMessageSize = 4 << 20 // 4 MB

	// MaxKeySize bounds a single key.
	MaxKeySize = 16 << 10 // 16 KB
)

// --------------------------------------------------------------------------
// Wire Records
// --------------------------------------------------------------------------

// Operation is the kind of mutation carried by a log entry.
type Operation uint8

const (
	OpNoOp Operation = iota
	OpPut
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpNoOp:
		return "noop"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ReadMode selects the consistency of a ClientRead.
type ReadMode uint8

const (
	// ReadLinearizable is served only by the partition leader after a
	// successful lease check.
	ReadLinearizable ReadMode = iota
	// ReadBoundedStale may be served by any replica from its applied state.
	ReadBoundedStale
)

func (m ReadMode) String() string {
	if m == ReadBoundedStale {
		return "bounded_stale"
	}
	return "linearizable"
}

// LogEntry is a single replicated operation. Entries are immutable once
// appended; Index is strictly increasing per partition.
type LogEntry struct {
	Partition uint32    `json:"partition"`
	Term      uint64    `json:"term"`
	Index     uint64    `json:"index"`
	Op        Operation `json:"op"`
	Key       string    `json:"key,omitempty"`
	Value     []byte    `json:"value,omitempty"`
	Timestamp int64     `json:"ts,omitempty"` // unix nanoseconds, leader clock
}

// MemberStatus is the gossip liveness state of a node.
type MemberStatus uint8

const (
	MemberAlive MemberStatus = iota
	MemberSuspect
	MemberDead
)

func (s MemberStatus) String() string {
	switch s {
	case MemberAlive:
		return "alive"
	case MemberSuspect:
		return "suspect"
	case MemberDead:
		return "dead"
	default:
		return "unknown"
	}
}

// MemberState is the wire form of one membership record, exchanged
// inside gossip heartbeats as first- or second-hand knowledge.
type MemberState struct {
	ID          string       `json:"id"`
	Addr        string       `json:"addr"`
	Incarnation uint64       `json:"incarnation"`
	Status      MemberStatus `json:"status"`
	Clock       uint64       `json:"clock"`
}

// --------------------------------------------------------------------------
// Message Envelope
// --------------------------------------------------------------------------

// Message is the single envelope used for every request and response, both
// node-to-node and client-to-node. Which fields are meaningful depends on
// MsgType; Validate enforces the per-type requirements.
type Message struct {
	Version uint8       `json:"v"`
	MsgType MessageType `json:"msg_type"`
	From    string      `json:"from,omitempty"` // sender node id

	// Routing
	Partition  uint32 `json:"partition,omitempty"`
	Generation uint64 `json:"generation,omitempty"` // partition map generation

	// Consensus
	Term         uint64     `json:"term,omitempty"`
	CandidateID  string     `json:"candidate_id,omitempty"`
	LastLogIndex uint64     `json:"last_log_index,omitempty"`
	LastLogTerm  uint64     `json:"last_log_term,omitempty"`
	PrevLogIndex uint64     `json:"prev_log_index,omitempty"`
	PrevLogTerm  uint64     `json:"prev_log_term,omitempty"`
	LeaderCommit uint64     `json:"leader_commit,omitempty"`
	Entries      []LogEntry `json:"entries,omitempty"`
	MatchIndex   uint64     `json:"match_index,omitempty"`
	Granted      bool       `json:"granted,omitempty"`
	Success      bool       `json:"success,omitempty"`

	// Client operations
	Key      string    `json:"key,omitempty"`
	Value    []byte    `json:"value,omitempty"`
	Op       Operation `json:"op,omitempty"`
	ReadMode ReadMode  `json:"read_mode,omitempty"`

	// Responses
	Ok         bool   `json:"ok,omitempty"`
	Found      bool   `json:"found,omitempty"`
	ErrCode    uint8  `json:"err_code,omitempty"`
	Err        string `json:"err,omitempty"`
	LeaderHint string `json:"leader_hint,omitempty"`

	// Gossip payload
	Members []MemberState `json:"members,omitempty"`
}

// Validate performs structural validation only: schema version, required
// fields and size bounds. Business rules live in the consuming component.
func (m *Message) Validate() error {
	if m.Version != SchemaVersion {
		return NewErrorf(CodeProtocolMismatch, "schema version %d, want %d", m.Version, SchemaVersion)
	}
	if len(m.Key) > MaxKeySize {
		return NewErrorf(CodeProtocolMismatch, "key exceeds %d bytes", MaxKeySize)
	}
	switch m.MsgType {
	case MsgTHeartbeat:
		if m.From == "" {
			return NewError(CodeProtocolMismatch, "heartbeat without sender id")
		}
	case MsgTVoteRequest:
		if m.CandidateID == "" || m.Term == 0 {
			return NewError(CodeProtocolMismatch, "vote request missing candidate or term")
		}
	case MsgTVoteResponse, MsgTAppendResponse:
		if m.Term == 0 {
			return NewError(CodeProtocolMismatch, "response missing term")
		}
	case MsgTAppendEntries:
		if m.From == "" || m.Term == 0 {
			return NewError(CodeProtocolMismatch, "append entries missing leader or term")
		}
	case MsgTClientWrite:
		if m.Key == "" {
			return NewError(CodeProtocolMismatch, "write without key")
		}
		if m.Op != OpPut && m.Op != OpDelete {
			return NewErrorf(CodeProtocolMismatch, "invalid write operation %d", m.Op)
		}
	case MsgTClientRead:
		if m.Key == "" {
			return NewError(CodeProtocolMismatch, "read without key")
		}
	case MsgTRedirect, MsgTSuccess, MsgTError:
		// purely a response envelope, nothing required beyond the version
	default:
		return NewErrorf(CodeProtocolMismatch, "unknown message type %d", uint8(m.MsgType))
	}
	return nil
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewHeartbeat creates a gossip heartbeat carrying the sender's current
// membership knowledge.
func NewHeartbeat(from string, members []MemberState) *Message {
	return &Message{
		Version: SchemaVersion,
		MsgType: MsgTHeartbeat,
		From:    from,
		Members: members,
	}
}

// NewVoteRequest creates an election vote request for one partition.
func NewVoteRequest(from string, partition uint32, term, lastLogIndex, lastLogTerm uint64) *Message {
	return &Message{
		Version:      SchemaVersion,
		MsgType:      MsgTVoteRequest,
		From:         from,
		Partition:    partition,
		Term:         term,
		CandidateID:  from,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}
}

// NewVoteResponse creates the answer to a vote request.
func NewVoteResponse(from string, partition uint32, term uint64, granted bool) *Message {
	return &Message{
		Version:   SchemaVersion,
		MsgType:   MsgTVoteResponse,
		From:      from,
		Partition: partition,
		Term:      term,
		Granted:   granted,
	}
}

// NewAppendEntries creates a replication request. With no entries it doubles
// as the leader's liveness heartbeat for the partition.
func NewAppendEntries(from string, partition uint32, term, prevIndex, prevTerm, commit uint64, entries []LogEntry) *Message {
	return &Message{
		Version:      SchemaVersion,
		MsgType:      MsgTAppendEntries,
		From:         from,
		Partition:    partition,
		Term:         term,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		LeaderCommit: commit,
		Entries:      entries,
	}
}

// NewAppendResponse creates the answer to an AppendEntries request.
// matchIndex is the highest index known to be replicated on the follower
// and is only meaningful when success is true.
func NewAppendResponse(from string, partition uint32, term uint64, success bool, matchIndex uint64) *Message {
	return &Message{
		Version:    SchemaVersion,
		MsgType:    MsgTAppendResponse,
		From:       from,
		Partition:  partition,
		Term:       term,
		Success:    success,
		MatchIndex: matchIndex,
	}
}

// NewClientWrite creates a client write request.
func NewClientWrite(key string, value []byte, op Operation, generation uint64) *Message {
	return &Message{
		Version:    SchemaVersion,
		MsgType:    MsgTClientWrite,
		Key:        key,
		Value:      value,
		Op:         op,
		Generation: generation,
	}
}

// NewClientRead creates a client read request.
func NewClientRead(key string, mode ReadMode, generation uint64) *Message {
	return &Message{
		Version:    SchemaVersion,
		MsgType:    MsgTClientRead,
		Key:        key,
		ReadMode:   mode,
		Generation: generation,
	}
}

// NewRedirect tells a client which node currently leads the partition.
func NewRedirect(leaderHint string, generation uint64) *Message {
	return &Message{
		Version:    SchemaVersion,
		MsgType:    MsgTRedirect,
		LeaderHint: leaderHint,
		Generation: generation,
		ErrCode:    uint8(CodeNotLeader),
	}
}

// NewSuccessResponse creates a generic success envelope.
func NewSuccessResponse() *Message {
	return &Message{Version: SchemaVersion, MsgType: MsgTSuccess, Ok: true}
}

// NewReadResponse creates the answer to a client read.
func NewReadResponse(value []byte, found bool) *Message {
	return &Message{
		Version: SchemaVersion,
		MsgType: MsgTSuccess,
		Ok:      true,
		Found:   found,
		Value:   value,
	}
}

// NewErrorResponse converts an error into a response envelope, preserving
// the typed code plus any routing hints so the caller can act on them.
func NewErrorResponse(err error) *Message {
	msg := &Message{
		Version: SchemaVersion,
		MsgType: MsgTError,
		ErrCode: uint8(CodeOf(err)),
		Err:     err.Error(),
	}
	if hint := LeaderHintOf(err); hint != "" {
		msg.LeaderHint = hint
	}
	if gen, ok := GenerationOf(err); ok {
		msg.Generation = gen
	}
	return msg
}

// ResponseError reconstructs the typed error carried by an error or
// redirect response, or nil for success envelopes.
func (m *Message) ResponseError() error {
	switch m.MsgType {
	case MsgTError:
		return &Error{
			Code:       Code(m.ErrCode),
			Msg:        m.Err,
			LeaderHint: m.LeaderHint,
			Generation: m.Generation,
		}
	case MsgTRedirect:
		return NewNotLeader(m.LeaderHint)
	default:
		return nil
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the closed set of wire message variants.
type MessageType uint8

const (
	MsgTUnknown MessageType = iota
	MsgTSuccess             // generic success response envelope
	MsgTError               // generic error response envelope

	// Membership gossip

	MsgTHeartbeat // gossip heartbeat with piggybacked membership

	// Consensus

	MsgTVoteRequest
	MsgTVoteResponse
	MsgTAppendEntries
	MsgTAppendResponse

	// Client API

	MsgTClientRead
	MsgTClientWrite
	MsgTRedirect
)

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTSuccess:
		return "success"
	case MsgTError:
		return "error"
	case MsgTHeartbeat:
		return "heartbeat"
	case MsgTVoteRequest:
		return "vote_request"
	case MsgTVoteResponse:
		return "vote_response"
	case MsgTAppendEntries:
		return "append_entries"
	case MsgTAppendResponse:
		return "append_response"
	case MsgTClientRead:
		return "client_read"
	case MsgTClientWrite:
		return "client_write"
	case MsgTRedirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// MarshalJSON serializes a MessageType as its string name.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON deserializes a MessageType from its string name.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "success":
		*t = MsgTSuccess
	case "error":
		*t = MsgTError
	case "heartbeat":
		*t = MsgTHeartbeat
	case "vote_request":
		*t = MsgTVoteRequest
	case "vote_response":
		*t = MsgTVoteResponse
	case "append_entries":
		*t = MsgTAppendEntries
	case "append_response":
		*t = MsgTAppendResponse
	case "client_read":
		*t = MsgTClientRead
	case "client_write":
		*t = MsgTClientWrite
	case "redirect":
		*t = MsgTRedirect
	default:
		return fmt.Errorf("unknown message type: %s", s)
	}
	return nil
}
