package models

import (
	"encoding/hex"
	"io"

	"github.com/mohaanymo/sealdash/internal/decryptor"
	"github.com/pkg/errors"
)

// Key is a resolved AES-128 content key. It is a value type so it can be
// shared by every decryption without synchronization.
type Key [16]byte

// Bytes returns a copy of the key material.
func (k Key) Bytes() []byte {
	b := make([]byte, len(k))
	copy(b, k[:])
	return b
}

// String never prints key material.
func (k Key) String() string {
	return "Key(redacted)"
}

// KeyFromBytes builds a Key from exactly 16 bytes.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != len(k) {
		return k, errors.Errorf("invalid key length: expected %d bytes, got %d", len(k), len(b))
	}
	copy(k[:], b)
	return k, nil
}

// IVMode selects how the per-segment IV is derived.
type IVMode int

const (
	// IVFixed uses one IV for every segment.
	IVFixed IVMode = iota
	// IVSequence uses the big-endian sequence number of each segment.
	IVSequence
)

func (m IVMode) String() string {
	switch m {
	case IVFixed:
		return "fixed"
	case IVSequence:
		return "sequence"
	default:
		return "unknown"
	}
}

// IVScheme derives the IV of each segment.
type IVScheme struct {
	Mode IVMode
	// Fixed is used when Mode is IVFixed.
	Fixed []byte
	// BaseSequence is the sequence number of segment index 0.
	BaseSequence uint64
}

// For returns the IV of the segment at a zero-based index.
func (s IVScheme) For(index int) []byte {
	if s.Mode == IVFixed {
		iv := make([]byte, len(s.Fixed))
		copy(iv, s.Fixed)
		return iv
	}
	return decryptor.SegmentIV(s.BaseSequence + uint64(index))
}

// ForInit returns the IV of the initialization segment. With sequence
// derivation the init segment shares the IV of the first media segment.
func (s IVScheme) ForInit() []byte {
	return s.For(0)
}

// Validate checks that the scheme can produce 16-byte IVs.
func (s IVScheme) Validate() error {
	switch s.Mode {
	case IVFixed:
		if len(s.Fixed) != 16 {
			return errors.Errorf("fixed IV must be 16 bytes, got %d", len(s.Fixed))
		}
	case IVSequence:
	default:
		return errors.Errorf("unknown IV mode %d", s.Mode)
	}
	return nil
}

func (s IVScheme) String() string {
	if s.Mode == IVFixed {
		return "fixed:0x" + hex.EncodeToString(s.Fixed)
	}
	return "sequence"
}

// TaskState is the lifecycle state of one segment in the pipeline.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskFetching
	TaskFetched
	TaskDecrypting
	TaskDecrypted
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskFetching:
		return "fetching"
	case TaskFetched:
		return "fetched"
	case TaskDecrypting:
		return "decrypting"
	case TaskDecrypted:
		return "decrypted"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SegmentTask is the per-index record owned by the fetch/decrypt pipeline.
type SegmentTask struct {
	Index    int
	URL      string
	State    TaskState
	Attempts int
	LastErr  error
}

// DecryptedSegment is one plaintext segment handed to the assembler.
type DecryptedSegment struct {
	Index int
	Data  []byte
}

// AssembledStream is the ordered, gap-free plaintext of a whole stream.
type AssembledStream struct {
	Init           []byte
	Data           []byte
	SegmentCount   int
	SegmentLengths []int
}

// Len returns the number of bytes WriteTo produces.
func (s *AssembledStream) Len() int {
	return len(s.Init) + len(s.Data)
}

// WriteTo writes the init segment followed by the media data.
func (s *AssembledStream) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, part := range [][]byte{s.Init, s.Data} {
		if len(part) == 0 {
			continue
		}
		n, err := w.Write(part)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
