package merge

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("merge: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("merge: CBOR decoder initialization failed: " + err.Error())
	}
}

// OpID is a globally unique identifier for an operation, combining the id of
// the client that created it and that client's logical clock.
type OpID struct {
	Client string
	Seq    uint64
}

// Op is a single operation in the log. Data is application-defined and opaque
// to the engine.
type Op struct {
	_      struct{} `cbor:",toarray"`
	Client string
	Seq    uint64
	Data   []byte
}

// ID returns the identifier of the operation.
func (o Op) ID() OpID {
	return OpID{Client: o.Client, Seq: o.Seq}
}

// NewUpdate encodes ops as an update payload.
func NewUpdate(ops ...Op) ([]byte, error) {
	if ops == nil {
		ops = []Op{}
	}
	return encMode.Marshal(ops)
}

// DecodeUpdate parses an update payload produced by NewUpdate or Diff.
func DecodeUpdate(update []byte) ([]Op, error) {
	var ops []Op
	if err := decMode.Unmarshal(update, &ops); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	for _, op := range ops {
		if op.Client == "" || op.Seq == 0 {
			return nil, fmt.Errorf("%w: operation without client or sequence", ErrInvalidUpdate)
		}
	}
	return ops, nil
}

// DecodeVector parses a version vector produced by Doc.Vector.
func DecodeVector(vector []byte) (map[string]uint64, error) {
	v := map[string]uint64{}
	if len(vector) == 0 {
		return v, nil
	}
	if err := decMode.Unmarshal(vector, &v); err != nil {
		return nil, fmt.Errorf("%w: bad vector: %v", ErrInvalidUpdate, err)
	}
	return v, nil
}

// OpLog is an Engine whose documents are grow-only sets of operations.
//
// Merging is set union keyed by OpID. Two operations claiming the same OpID
// with different data resolve to the one whose data hashes lower, so every
// replica picks the same winner regardless of arrival order.
type OpLog struct{}

// New returns an empty document.
func (OpLog) New() Doc {
	return NewLog()
}

// Log is the document type produced by OpLog.
type Log struct {
	ops map[string]map[uint64][]byte
	// contig is the highest sequence per client below which no gaps exist.
	contig map[string]uint64
}

// NewLog returns an empty op-log document.
func NewLog() *Log {
	return &Log{
		ops:    map[string]map[uint64][]byte{},
		contig: map[string]uint64{},
	}
}

// Apply implements Doc.
func (l *Log) Apply(update []byte) (bool, error) {
	added, err := l.ApplyOps(update)
	return len(added) > 0, err
}

// ApplyOps merges update and returns the operations that changed the log.
func (l *Log) ApplyOps(update []byte) ([]Op, error) {
	ops, err := DecodeUpdate(update)
	if err != nil {
		return nil, err
	}
	var added []Op
	for _, op := range ops {
		if l.insert(op) {
			added = append(added, op)
		}
	}
	return added, nil
}

func (l *Log) insert(op Op) bool {
	seqs, ok := l.ops[op.Client]
	if !ok {
		seqs = map[uint64][]byte{}
		l.ops[op.Client] = seqs
	}
	if current, ok := seqs[op.Seq]; ok {
		if bytes.Equal(current, op.Data) || !lowerHash(op.Data, current) {
			return false
		}
		seqs[op.Seq] = clone(op.Data)
		return true
	}
	seqs[op.Seq] = clone(op.Data)
	next := l.contig[op.Client]
	for {
		if _, ok := seqs[next+1]; !ok {
			break
		}
		next++
	}
	l.contig[op.Client] = next
	return true
}

// Diff implements Doc.
func (l *Log) Diff(vector []byte) ([]byte, error) {
	since, err := DecodeVector(vector)
	if err != nil {
		return nil, err
	}
	ops := []Op{}
	for _, client := range sortedKeys(l.ops) {
		seqs := l.ops[client]
		if c := l.contig[client]; c > 0 {
			if _, ok := seqs[c]; !ok {
				return nil, fmt.Errorf("%w: client %s missing seq %d", ErrCorruptState, client, c)
			}
		}
		order := make([]uint64, 0, len(seqs))
		for seq := range seqs {
			if seq > since[client] {
				order = append(order, seq)
			}
		}
		sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
		for _, seq := range order {
			ops = append(ops, Op{Client: client, Seq: seq, Data: seqs[seq]})
		}
	}
	return encMode.Marshal(ops)
}

// Vector implements Doc.
func (l *Log) Vector() []byte {
	b, err := encMode.Marshal(l.contig)
	if err != nil {
		// map[string]uint64 always encodes
		panic(err)
	}
	return b
}

// Digest implements Doc.
func (l *Log) Digest() [32]byte {
	full, err := l.Diff(nil)
	if err != nil {
		return [32]byte{}
	}
	return blake3.Sum256(full)
}

// Len returns the number of operations in the log.
func (l *Log) Len() int {
	n := 0
	for _, seqs := range l.ops {
		n += len(seqs)
	}
	return n
}

// Next returns the next unused sequence number for client.
func (l *Log) Next(client string) uint64 {
	var max uint64
	for seq := range l.ops[client] {
		if seq > max {
			max = seq
		}
	}
	return max + 1
}

func lowerHash(a, b []byte) bool {
	ha := blake3.Sum256(a)
	hb := blake3.Sum256(b)
	return bytes.Compare(ha[:], hb[:]) < 0
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

func sortedKeys(m map[string]map[uint64][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
