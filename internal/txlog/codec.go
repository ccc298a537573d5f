package txlog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/rxlog/internal/ir"
)

// Stamp is the record format version written in front of every record.
type Stamp struct {
	Major    int32
	Minor    int32
	Build    int32
	Revision int32
}

var (
	// CurrentStamp is written by Encode.
	CurrentStamp = Stamp{Major: 1}

	// MinimumStamp is the oldest format Decode understands.
	MinimumStamp = Stamp{Major: 1}
)

// Compare returns -1, 0 or +1 ordering s against o component-wise.
func (s Stamp) Compare(o Stamp) int {
	a := [4]int32{s.Major, s.Minor, s.Build, s.Revision}
	b := [4]int32{o.Major, o.Minor, o.Build, o.Revision}
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

func (s Stamp) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", s.Major, s.Minor, s.Build, s.Revision)
}

// SerializationPolicy writes and reads the expression and state payloads
// of a record. Implementations must consume exactly what they wrote.
type SerializationPolicy interface {
	Serialize(w io.Writer, v ir.Value) error
	Deserialize(r io.Reader) (ir.Value, error)
}

// maxPayloadSize bounds a single JSONPolicy payload.
const maxPayloadSize = 64 << 20

// JSONPolicy frames each value as a uvarint length followed by its JSON.
type JSONPolicy struct{}

// Serialize implements SerializationPolicy.
func (JSONPolicy) Serialize(w io.Writer, v ir.Value) error {
	data, err := ir.MarshalValue(v)
	if err != nil {
		return fmt.Errorf("serialize value: %w", err)
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(data)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return fmt.Errorf("serialize value: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("serialize value: %w", err)
	}
	return nil
}

// Deserialize implements SerializationPolicy.
func (JSONPolicy) Deserialize(r io.Reader) (ir.Value, error) {
	size, err := binary.ReadUvarint(asByteReader(r))
	if err != nil {
		return nil, fmt.Errorf("read payload length: %w", noEOF(err))
	}
	if size > maxPayloadSize {
		return nil, fmt.Errorf("payload length %d exceeds %d", size, maxPayloadSize)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", noEOF(err))
	}
	v, err := ir.ParseValue(data)
	if err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return v, nil
}

// Codec encodes Operations into the stored record frame:
//
//	stamp: 4 x int32 big-endian (major, minor, build, revision)
//	kind:  int32 big-endian
//	expression, state: via Policy, Create and DeleteCreate only
type Codec struct {
	Policy SerializationPolicy
}

// NewCodec returns a codec using policy, or JSONPolicy when policy is nil.
func NewCodec(policy SerializationPolicy) *Codec {
	if policy == nil {
		policy = JSONPolicy{}
	}
	return &Codec{Policy: policy}
}

// DefaultCodec uses JSONPolicy.
var DefaultCodec = NewCodec(JSONPolicy{})

// Encode serializes op.
func (c *Codec) Encode(op Operation) ([]byte, error) {
	if op == nil {
		return nil, errors.New("encode: nil operation")
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, CurrentStamp); err != nil {
		return nil, fmt.Errorf("encode stamp: %w", err)
	}
	if err := binary.Write(&buf, binary.BigEndian, int32(op.Kind())); err != nil {
		return nil, fmt.Errorf("encode kind: %w", err)
	}
	if def, ok := DefinitionOf(op); ok {
		if err := c.Policy.Serialize(&buf, def.Expression); err != nil {
			return nil, fmt.Errorf("encode expression: %w", err)
		}
		if err := c.Policy.Serialize(&buf, def.State); err != nil {
			return nil, fmt.Errorf("encode state: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// Decode parses a record produced by Encode. Every failure wraps
// ErrUnsupportedRecord.
func (c *Codec) Decode(data []byte) (Operation, error) {
	r := bytes.NewReader(data)

	var stamp Stamp
	if err := binary.Read(r, binary.BigEndian, &stamp); err != nil {
		return nil, fmt.Errorf("%w: read stamp: %v", ErrUnsupportedRecord, noEOF(err))
	}
	if stamp.Compare(MinimumStamp) < 0 {
		return nil, fmt.Errorf("%w: stamp %s is older than %s", ErrUnsupportedRecord, stamp, MinimumStamp)
	}
	if stamp.Major > CurrentStamp.Major {
		return nil, fmt.Errorf("%w: stamp %s is newer than %s", ErrUnsupportedRecord, stamp, CurrentStamp)
	}

	var raw int32
	if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
		return nil, fmt.Errorf("%w: read kind: %v", ErrUnsupportedRecord, noEOF(err))
	}
	kind := Kind(raw)
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrUnsupportedRecord, raw)
	}

	var expr, state ir.Value
	if kind != KindDelete {
		var err error
		if expr, err = c.Policy.Deserialize(r); err != nil {
			return nil, fmt.Errorf("%w: expression: %v", ErrUnsupportedRecord, err)
		}
		if state, err = c.Policy.Deserialize(r); err != nil {
			return nil, fmt.Errorf("%w: state: %v", ErrUnsupportedRecord, err)
		}
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrUnsupportedRecord, r.Len())
	}

	return New(kind, expr, state)
}

// asByteReader returns r as an io.ByteReader without buffering ahead.
func asByteReader(r io.Reader) io.ByteReader {
	if br, ok := r.(io.ByteReader); ok {
		return br
	}
	return &singleByteReader{r: r}
}

type singleByteReader struct {
	r   io.Reader
	buf [1]byte
}

func (s *singleByteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(s.r, s.buf[:]); err != nil {
		return 0, err
	}
	return s.buf[0], nil
}

// noEOF reports a clean EOF inside a frame as truncation.
func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
