package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ErrManifestNotFound is returned when the session ended before any
// exchange matched the manifest pattern. Callers may retry the browsing
// step; the engine never does.
var ErrManifestNotFound = errors.New("manifest not found in captured traffic")

// ParseError reports a structurally invalid or unsupported manifest.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse manifest: %s: %v", e.Reason, e.Err)
	}
	return "parse manifest: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// KeyError reports a failure to obtain a usable content key.
type KeyError struct {
	Ref KeyReference
	Err error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("resolve key (%s): %v", e.Ref, e.Err)
}

func (e *KeyError) Unwrap() error { return e.Err }

// FetchError reports a segment whose fetch failed terminally.
// Index is -1 for the initialization segment.
type FetchError struct {
	Index    int
	URL      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v (after %d attempts)", segmentName(e.Index), e.Err, e.Attempts)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DecryptError reports ciphertext that could not be decrypted. It almost
// always means a wrong key or IV derivation rather than a transport fault.
// Index is -1 for the initialization segment.
type DecryptError struct {
	Index int
	Err   error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("decrypt %s: %v", segmentName(e.Index), e.Err)
}

func (e *DecryptError) Unwrap() error { return e.Err }

// GapError reports missing, duplicated or out-of-range indices at assembly.
type GapError struct {
	Expected   int
	Missing    []int
	Duplicate  []int
	OutOfRange []int
}

func (e *GapError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+formatIndices(e.Missing))
	}
	if len(e.Duplicate) > 0 {
		parts = append(parts, "duplicate "+formatIndices(e.Duplicate))
	}
	if len(e.OutOfRange) > 0 {
		parts = append(parts, "out of range "+formatIndices(e.OutOfRange))
	}
	return fmt.Sprintf("assemble %d segments: %s", e.Expected, strings.Join(parts, "; "))
}

func segmentName(index int) string {
	if index < 0 {
		return "init segment"
	}
	return fmt.Sprintf("segment %d", index)
}

func formatIndices(idx []int) string {
	sorted := append([]int(nil), idx...)
	sort.Ints(sorted)

	const limit = 10
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range sorted {
		if i == limit {
			fmt.Fprintf(&b, " ...+%d", len(sorted)-limit)
			break
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d", v)
	}
	b.WriteByte(']')
	return b.String()
}
