package snapshot

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/xxh3"

	"lab.nexedi.com/kirr/dotman/internal/hash"
)

// CommitId is 32 lowercase hex digits, except for the NullCommitId sentinel
// which is 40 zeros -- deliberately longer, so it can never collide with a
// real id and is always recognizable on sight.
type CommitId string

const NullCommitId CommitId = "0000000000000000000000000000000000000000"

// IsNull reports whether id is the sentinel "no commit yet" value.
func (id CommitId) IsNull() bool { return id == NullCommitId }

func (id CommitId) String() string { return string(id) }

// Commit is the immutable metadata record identifying one point in history.
// Its Id is a deterministic digest of everything else in the struct, so two
// commits with identical parents/tree/message/author/timestamp collapse to
// the same id.
type Commit struct {
	Id        CommitId
	Parents   []CommitId
	Message   string
	Author    string
	Timestamp int64
	TreeHash  hash.ContentHash
}

// ComputeCommitId derives a CommitId from (parents, tree hash, message,
// author, timestamp). Field boundaries are marked with NUL bytes so that
// e.g. message="a" + author="bc" cannot collide with message="ab" + author="c".
func ComputeCommitId(parents []CommitId, treeHash hash.ContentHash, message, author string, timestamp int64) CommitId {
	var b strings.Builder
	for _, p := range parents {
		b.WriteString(string(p))
		b.WriteByte(0)
	}
	b.WriteString(string(treeHash))
	b.WriteByte(0)
	b.WriteString(message)
	b.WriteByte(0)
	b.WriteString(author)
	b.WriteByte(0)
	fmt.Fprintf(&b, "%d", timestamp)

	sum := xxh3.Hash128([]byte(b.String()))
	raw := sum.Bytes()
	return CommitId(hex.EncodeToString(raw[:]))
}

// FileRecord is a snapshot's per-path entry: the file's own content hash,
// its sanitized mode, and the key it is stored under in the object store
// (normally identical to Hash).
type FileRecord struct {
	Hash        hash.ContentHash
	Mode        uint32
	ContentHash hash.ContentHash
}

// ComputeTreeHash hashes a path->FileRecord manifest deterministically by
// sorting paths first, mirroring how a commit's id must not depend on map
// iteration order.
func ComputeTreeHash(files map[string]FileRecord) hash.ContentHash {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, p := range paths {
		f := files[p]
		b.WriteString(p)
		b.WriteByte(0)
		b.WriteString(string(f.Hash))
		b.WriteByte(0)
		fmt.Fprintf(&b, "%d", f.Mode)
		b.WriteByte(0)
		b.WriteString(string(f.ContentHash))
		b.WriteByte(0)
	}
	return hash.Sum([]byte(b.String()))
}
