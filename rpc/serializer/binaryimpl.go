package serializer

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/keva-db/keva/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency. Only fields present in the message are
// written, each prefixed by a one-byte field tag.
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Field tags. The encoded form is: version byte, msg type byte, then a
// sequence of (tag, value) records until the end of the buffer.
const (
	tagFrom byte = iota + 1
	tagPartition
	tagGeneration
	tagTerm
	tagCandidateID
	tagLastLogIndex
	tagLastLogTerm
	tagPrevLogIndex
	tagPrevLogTerm
	tagLeaderCommit
	tagEntries
	tagMatchIndex
	tagGranted
	tagSuccess
	tagKey
	tagValue
	tagOp
	tagReadMode
	tagOk
	tagFound
	tagErrCode
	tagErr
	tagLeaderHint
	tagMembers
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (s binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(msg.Version)
	buf.WriteByte(byte(msg.MsgType))

	if msg.From != "" {
		writeString(&buf, tagFrom, msg.From)
	}
	if msg.Partition != 0 {
		buf.WriteByte(tagPartition)
		writeUint32(&buf, msg.Partition)
	}
	if msg.Generation != 0 {
		writeUint64(&buf, tagGeneration, msg.Generation)
	}
	if msg.Term != 0 {
		writeUint64(&buf, tagTerm, msg.Term)
	}
	if msg.CandidateID != "" {
		writeString(&buf, tagCandidateID, msg.CandidateID)
	}
	if msg.LastLogIndex != 0 {
		writeUint64(&buf, tagLastLogIndex, msg.LastLogIndex)
	}
	if msg.LastLogTerm != 0 {
		writeUint64(&buf, tagLastLogTerm, msg.LastLogTerm)
	}
	if msg.PrevLogIndex != 0 {
		writeUint64(&buf, tagPrevLogIndex, msg.PrevLogIndex)
	}
	if msg.PrevLogTerm != 0 {
		writeUint64(&buf, tagPrevLogTerm, msg.PrevLogTerm)
	}
	if msg.LeaderCommit != 0 {
		writeUint64(&buf, tagLeaderCommit, msg.LeaderCommit)
	}
	if len(msg.Entries) > 0 {
		buf.WriteByte(tagEntries)
		writeUint32(&buf, uint32(len(msg.Entries)))
		for i := range msg.Entries {
			writeEntry(&buf, &msg.Entries[i])
		}
	}
	if msg.MatchIndex != 0 {
		writeUint64(&buf, tagMatchIndex, msg.MatchIndex)
	}
	if msg.Granted {
		buf.WriteByte(tagGranted)
	}
	if msg.Success {
		buf.WriteByte(tagSuccess)
	}
	if msg.Key != "" {
		writeString(&buf, tagKey, msg.Key)
	}
	if msg.Value != nil {
		buf.WriteByte(tagValue)
		writeUint32(&buf, uint32(len(msg.Value)))
		buf.Write(msg.Value)
	}
	if msg.Op != common.OpNoOp {
		buf.WriteByte(tagOp)
		buf.WriteByte(byte(msg.Op))
	}
	if msg.ReadMode != common.ReadLinearizable {
		buf.WriteByte(tagReadMode)
		buf.WriteByte(byte(msg.ReadMode))
	}
	if msg.Ok {
		buf.WriteByte(tagOk)
	}
	if msg.Found {
		buf.WriteByte(tagFound)
	}
	if msg.ErrCode != 0 {
		buf.WriteByte(tagErrCode)
		buf.WriteByte(msg.ErrCode)
	}
	if msg.Err != "" {
		writeString(&buf, tagErr, msg.Err)
	}
	if msg.LeaderHint != "" {
		writeString(&buf, tagLeaderHint, msg.LeaderHint)
	}
	if len(msg.Members) > 0 {
		buf.WriteByte(tagMembers)
		writeUint32(&buf, uint32(len(msg.Members)))
		for i := range msg.Members {
			writeMember(&buf, &msg.Members[i])
		}
	}

	if buf.Len() > common.MaxMessageSize {
		return nil, common.NewErrorf(common.CodeProtocolMismatch, "message exceeds %d bytes", common.MaxMessageSize)
	}
	return buf.Bytes(), nil
}

func (s binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	if len(data) > common.MaxMessageSize {
		return common.NewErrorf(common.CodeProtocolMismatch, "message exceeds %d bytes", common.MaxMessageSize)
	}
	if len(data) < 2 {
		return fmt.Errorf("data too short for message header")
	}

	*msg = common.Message{
		Version: data[0],
		MsgType: common.MessageType(data[1]),
	}
	if msg.Version != common.SchemaVersion {
		return common.NewErrorf(common.CodeProtocolMismatch, "schema version %d, want %d", msg.Version, common.SchemaVersion)
	}

	r := &reader{data: data, pos: 2}
	for r.pos < len(r.data) {
		tag, err := r.byte()
		if err != nil {
			return err
		}
		switch tag {
		case tagFrom:
			msg.From, err = r.string()
		case tagPartition:
			msg.Partition, err = r.uint32()
		case tagGeneration:
			msg.Generation, err = r.uint64()
		case tagTerm:
			msg.Term, err = r.uint64()
		case tagCandidateID:
			msg.CandidateID, err = r.string()
		case tagLastLogIndex:
			msg.LastLogIndex, err = r.uint64()
		case tagLastLogTerm:
			msg.LastLogTerm, err = r.uint64()
		case tagPrevLogIndex:
			msg.PrevLogIndex, err = r.uint64()
		case tagPrevLogTerm:
			msg.PrevLogTerm, err = r.uint64()
		case tagLeaderCommit:
			msg.LeaderCommit, err = r.uint64()
		case tagEntries:
			msg.Entries, err = r.entries()
		case tagMatchIndex:
			msg.MatchIndex, err = r.uint64()
		case tagGranted:
			msg.Granted = true
		case tagSuccess:
			msg.Success = true
		case tagKey:
			msg.Key, err = r.string()
		case tagValue:
			msg.Value, err = r.bytes()
		case tagOp:
			var b byte
			b, err = r.byte()
			msg.Op = common.Operation(b)
		case tagReadMode:
			var b byte
			b, err = r.byte()
			msg.ReadMode = common.ReadMode(b)
		case tagOk:
			msg.Ok = true
		case tagFound:
			msg.Found = true
		case tagErrCode:
			msg.ErrCode, err = r.byte()
		case tagErr:
			msg.Err, err = r.string()
		case tagLeaderHint:
			msg.LeaderHint, err = r.string()
		case tagMembers:
			msg.Members, err = r.members()
		default:
			return fmt.Errorf("unknown field tag %d at offset %d", tag, r.pos-1)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Encoding Helpers
// --------------------------------------------------------------------------

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, tag byte, v uint64) {
	var b [8]byte
	buf.WriteByte(tag)
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, tag byte, s string) {
	buf.WriteByte(tag)
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func writeEntry(buf *bytes.Buffer, e *common.LogEntry) {
	writeUint32(buf, e.Partition)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], e.Term)
	buf.Write(b[:])
	binary.BigEndian.PutUint64(b[:], e.Index)
	buf.Write(b[:])
	buf.WriteByte(byte(e.Op))
	writeUint32(buf, uint32(len(e.Key)))
	buf.WriteString(e.Key)
	writeUint32(buf, uint32(len(e.Value)))
	buf.Write(e.Value)
	binary.BigEndian.PutUint64(b[:], uint64(e.Timestamp))
	buf.Write(b[:])
}

func writeMember(buf *bytes.Buffer, m *common.MemberState) {
	writeUint32(buf, uint32(len(m.ID)))
	buf.WriteString(m.ID)
	writeUint32(buf, uint32(len(m.Addr)))
	buf.WriteString(m.Addr)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], m.Incarnation)
	buf.Write(b[:])
	buf.WriteByte(byte(m.Status))
	binary.BigEndian.PutUint64(b[:], m.Clock)
	buf.Write(b[:])
}

// --------------------------------------------------------------------------
// Decoding Helpers
// --------------------------------------------------------------------------

// reader is a bounds-checked cursor over the encoded message.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) need(n int) error {
	if r.pos+n > len(r.data) {
		return fmt.Errorf("data too short: need %d bytes at offset %d", n, r.pos)
	}
	return nil
}

func (r *reader) byte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.data[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.data[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

func (r *reader) string() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Minimum encoded size of one element, fixed fields plus the length
// prefixes of the variable ones. Bounds slice preallocation so a hostile
// count in a short frame cannot drive a huge reservation.
const (
	minEntrySize  = 4 + 8 + 8 + 1 + 4 + 4 + 8
	minMemberSize = 4 + 4 + 8 + 1 + 8
)

// count reads an element count and rejects counts that cannot fit in the
// remaining payload.
func (r *reader) count(minElemSize int) (int, error) {
	n, err := r.uint32()
	if err != nil {
		return 0, err
	}
	remaining := len(r.data) - r.pos
	if uint64(n)*uint64(minElemSize) > uint64(remaining) {
		return 0, fmt.Errorf("element count %d exceeds remaining %d bytes", n, remaining)
	}
	return int(n), nil
}

func (r *reader) entries() ([]common.LogEntry, error) {
	count, err := r.count(minEntrySize)
	if err != nil {
		return nil, err
	}
	out := make([]common.LogEntry, 0, count)
	for i := 0; i < count; i++ {
		var e common.LogEntry
		if e.Partition, err = r.uint32(); err != nil {
			return nil, err
		}
		if e.Term, err = r.uint64(); err != nil {
			return nil, err
		}
		if e.Index, err = r.uint64(); err != nil {
			return nil, err
		}
		op, err := r.byte()
		if err != nil {
			return nil, err
		}
		e.Op = common.Operation(op)
		if e.Key, err = r.string(); err != nil {
			return nil, err
		}
		if e.Value, err = r.bytes(); err != nil {
			return nil, err
		}
		ts, err := r.uint64()
		if err != nil {
			return nil, err
		}
		e.Timestamp = int64(ts)
		if len(e.Value) == 0 {
			e.Value = nil
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *reader) members() ([]common.MemberState, error) {
	count, err := r.count(minMemberSize)
	if err != nil {
		return nil, err
	}
	out := make([]common.MemberState, 0, count)
	for i := 0; i < count; i++ {
		var m common.MemberState
		if m.ID, err = r.string(); err != nil {
			return nil, err
		}
		if m.Addr, err = r.string(); err != nil {
			return nil, err
		}
		if m.Incarnation, err = r.uint64(); err != nil {
			return nil, err
		}
		status, err := r.byte()
		if err != nil {
			return nil, err
		}
		m.Status = common.MemberStatus(status)
		if m.Clock, err = r.uint64(); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
