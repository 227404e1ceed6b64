package raft

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/keva-db/keva/rpc/common"
)

// --------------------------------------------------------------------------
// Durable State
// --------------------------------------------------------------------------

const (
	stateMagic   = "KEVAHST\x00" // hard state file identifier
	logMagic     = "KEVALOG\x00" // log file identifier
	storeVersion = 1

	stateFileName    = "state.bin"
	logFileName      = "log.bin"
	snapshotFileName = "checkpoint.bin"
)

// HardState is the consensus state that must survive a crash: the current
// term, who we voted for in it, and the applied checkpoint. Losing the vote
// record could elect two leaders in one term; losing the term could grant a
// stale vote.
type HardState struct {
	Term     uint64
	VotedFor string
	Applied  uint64
}

// Store persists one partition's consensus state under its own directory.
// All methods are called from the partition's event loop only.
type Store struct {
	dir string

	state   HardState
	logFile *os.File
}

// OpenStore opens (or creates) the durable state of one partition.
func OpenStore(dataDir string, partition uint32) (*Store, error) {
	dir := filepath.Join(dataDir, "raft", fmt.Sprintf("partition-%05d", partition))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create partition directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Recover loads the hard state and replays the log file. Returns the
// recovered log; a missing file means a fresh partition.
func (s *Store) Recover() (*raftLog, error) {
	if err := s.loadHardState(); err != nil {
		return nil, err
	}

	log := newLog()
	path := filepath.Join(s.dir, logFileName)

	f, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		return log, s.createLogFile(0, 0)
	case err != nil:
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	br := bufio.NewReaderSize(f, 1<<20)
	snapIndex, snapTerm, entries, err := readLog(br)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("corrupt log file %s: %w", path, err)
	}

	log.snapIndex = snapIndex
	log.snapTerm = snapTerm
	log.append(entries...)

	s.logFile, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to reopen log file: %w", err)
	}
	return log, nil
}

// Close releases the log file handle.
func (s *Store) Close() error {
	if s.logFile != nil {
		return s.logFile.Close()
	}
	return nil
}

// --------------------------------------------------------------------------
// Hard State
// --------------------------------------------------------------------------

// HardState returns the recovered hard state.
func (s *Store) HardState() HardState {
	return s.state
}

// SaveHardState persists term and vote. Must complete before the vote or
// the new term is acted upon.
func (s *Store) SaveHardState(term uint64, votedFor string) error {
	s.state.Term = term
	s.state.VotedFor = votedFor
	return s.writeHardState()
}

// SaveApplied checkpoints the applied index. Called periodically, not on
// every apply; replay from an older checkpoint is safe because applies are
// idempotent.
func (s *Store) SaveApplied(idx uint64) error {
	s.state.Applied = idx
	return s.writeHardState()
}

func (s *Store) writeHardState() error {
	path := filepath.Join(s.dir, stateFileName)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create state file: %w", err)
	}

	bw := bufio.NewWriter(f)
	bw.WriteString(stateMagic)
	binary.Write(bw, binary.LittleEndian, uint8(storeVersion))
	binary.Write(bw, binary.LittleEndian, s.state.Term)
	binary.Write(bw, binary.LittleEndian, s.state.Applied)
	binary.Write(bw, binary.LittleEndian, uint32(len(s.state.VotedFor)))
	bw.WriteString(s.state.VotedFor)

	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) loadHardState() error {
	path := filepath.Join(s.dir, stateFileName)

	f, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		s.state = HardState{}
		return nil
	case err != nil:
		return fmt.Errorf("failed to open state file: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)

	magic := make([]byte, len(stateMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return fmt.Errorf("corrupt state file: %w", err)
	}
	if string(magic) != stateMagic {
		return fmt.Errorf("invalid state file format")
	}

	var version uint8
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return err
	}
	if version != storeVersion {
		return fmt.Errorf("unsupported state file version %d", version)
	}

	var st HardState
	if err := binary.Read(br, binary.LittleEndian, &st.Term); err != nil {
		return err
	}
	if err := binary.Read(br, binary.LittleEndian, &st.Applied); err != nil {
		return err
	}
	var votedLen uint32
	if err := binary.Read(br, binary.LittleEndian, &votedLen); err != nil {
		return err
	}
	voted := make([]byte, votedLen)
	if _, err := io.ReadFull(br, voted); err != nil {
		return err
	}
	st.VotedFor = string(voted)

	s.state = st
	return nil
}

// --------------------------------------------------------------------------
// Log Persistence
// --------------------------------------------------------------------------

// AppendEntries durably appends entries to the log file. Must complete
// before the entries are acknowledged to the leader (or, on the leader,
// replicated).
func (s *Store) AppendEntries(entries []common.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if s.logFile == nil {
		return fmt.Errorf("log file not open")
	}

	bw := bufio.NewWriter(s.logFile)
	for i := range entries {
		writeEntry(bw, &entries[i])
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return s.logFile.Sync()
}

// RewriteLog replaces the log file with the given contents. Used for
// conflict truncation and for compaction; both change the prefix or suffix,
// which an append-only file cannot express.
func (s *Store) RewriteLog(snapIndex, snapTerm uint64, entries []common.LogEntry) error {
	if s.logFile != nil {
		s.logFile.Close()
		s.logFile = nil
	}

	path := filepath.Join(s.dir, logFileName)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	bw := bufio.NewWriterSize(f, 1<<20)
	writeLogHeader(bw, snapIndex, snapTerm)
	for i := range entries {
		writeEntry(bw, &entries[i])
	}

	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	s.logFile, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	return err
}

func (s *Store) createLogFile(snapIndex, snapTerm uint64) error {
	return s.RewriteLog(snapIndex, snapTerm, nil)
}

// --------------------------------------------------------------------------
// State Checkpoints
// --------------------------------------------------------------------------

// SaveCheckpoint writes a state machine checkpoint via fn. The checkpoint
// must be durable before the log prefix it covers is compacted, otherwise
// a crash loses committed writes.
func (s *Store) SaveCheckpoint(fn func(io.Writer) error) error {
	path := filepath.Join(s.dir, snapshotFileName)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadCheckpoint feeds the latest checkpoint to fn. Returns false if no
// checkpoint exists yet.
func (s *Store) LoadCheckpoint(fn func(io.Reader) error) (bool, error) {
	path := filepath.Join(s.dir, snapshotFileName)

	f, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer f.Close()

	if err := fn(f); err != nil {
		return false, err
	}
	return true, nil
}

// --------------------------------------------------------------------------
// Log File Format
// --------------------------------------------------------------------------

func writeLogHeader(w *bufio.Writer, snapIndex, snapTerm uint64) {
	w.WriteString(logMagic)
	binary.Write(w, binary.LittleEndian, uint8(storeVersion))
	binary.Write(w, binary.LittleEndian, snapIndex)
	binary.Write(w, binary.LittleEndian, snapTerm)
}

func writeEntry(w *bufio.Writer, e *common.LogEntry) {
	binary.Write(w, binary.LittleEndian, e.Partition)
	binary.Write(w, binary.LittleEndian, e.Term)
	binary.Write(w, binary.LittleEndian, e.Index)
	binary.Write(w, binary.LittleEndian, uint8(e.Op))
	binary.Write(w, binary.LittleEndian, e.Timestamp)
	binary.Write(w, binary.LittleEndian, uint32(len(e.Key)))
	w.WriteString(e.Key)
	binary.Write(w, binary.LittleEndian, uint32(len(e.Value)))
	w.Write(e.Value)
}

func readLog(br *bufio.Reader) (snapIndex, snapTerm uint64, entries []common.LogEntry, err error) {
	magic := make([]byte, len(logMagic))
	if _, err = io.ReadFull(br, magic); err != nil {
		return 0, 0, nil, err
	}
	if string(magic) != logMagic {
		return 0, 0, nil, fmt.Errorf("invalid log file format")
	}

	var version uint8
	if err = binary.Read(br, binary.LittleEndian, &version); err != nil {
		return 0, 0, nil, err
	}
	if version != storeVersion {
		return 0, 0, nil, fmt.Errorf("unsupported log file version %d", version)
	}

	if err = binary.Read(br, binary.LittleEndian, &snapIndex); err != nil {
		return 0, 0, nil, err
	}
	if err = binary.Read(br, binary.LittleEndian, &snapTerm); err != nil {
		return 0, 0, nil, err
	}

	for {
		var e common.LogEntry
		if err = binary.Read(br, binary.LittleEndian, &e.Partition); err != nil {
			if err == io.EOF {
				return snapIndex, snapTerm, entries, nil
			}
			return 0, 0, nil, err
		}
		if err = binary.Read(br, binary.LittleEndian, &e.Term); err != nil {
			return 0, 0, nil, err
		}
		if err = binary.Read(br, binary.LittleEndian, &e.Index); err != nil {
			return 0, 0, nil, err
		}
		var op uint8
		if err = binary.Read(br, binary.LittleEndian, &op); err != nil {
			return 0, 0, nil, err
		}
		e.Op = common.Operation(op)
		if err = binary.Read(br, binary.LittleEndian, &e.Timestamp); err != nil {
			return 0, 0, nil, err
		}

		var keyLen uint32
		if err = binary.Read(br, binary.LittleEndian, &keyLen); err != nil {
			return 0, 0, nil, err
		}
		if keyLen > common.MaxKeySize {
			return 0, 0, nil, fmt.Errorf("entry key length %d out of bounds", keyLen)
		}
		key := make([]byte, keyLen)
		if _, err = io.ReadFull(br, key); err != nil {
			return 0, 0, nil, err
		}
		e.Key = string(key)

		var valueLen uint32
		if err = binary.Read(br, binary.LittleEndian, &valueLen); err != nil {
			return 0, 0, nil, err
		}
		if valueLen > common.MaxMessageSize {
			return 0, 0, nil, fmt.Errorf("entry value length %d out of bounds", valueLen)
		}
		e.Value = make([]byte, valueLen)
		if _, err = io.ReadFull(br, e.Value); err != nil {
			return 0, 0, nil, err
		}

		entries = append(entries, e)
	}
}
