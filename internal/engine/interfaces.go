package engine

import "github.com/mohaanymo/sealdash/internal/models"

// ProgressUpdate reports a state change of one segment. Index is -1 for
// the initialization segment.
type ProgressUpdate struct {
	Index   int
	Bytes   int64
	Attempt int
	State   models.TaskState
	Err     error
}

// Done reports whether the segment reached a final state.
func (u ProgressUpdate) Done() bool {
	return u.State == models.TaskDecrypted || u.State == models.TaskFailed
}

// Decryptor decrypts one segment with an already bound key.
// *decryptor.AES128 satisfies it.
type Decryptor interface {
	Decrypt(data, iv []byte) ([]byte, error)
}
