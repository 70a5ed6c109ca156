// Package content holds the opaque keyed payload attached to admins, users,
// orders and responses. Keys are sha256 hashes of field names; values are
// tagged cells. Only a handful of well-known keys are ever interpreted.
package content

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Well-known field names.
const (
	FieldCategory       = "category"
	FieldLanguage       = "language"
	FieldIsUser         = "is_user"
	FieldIsFreelancer   = "is_freelancer"
	FieldCanApproveUser = "can_approve_user"
	FieldCanRevokeUser  = "can_revoke_user"
)

const (
	tagString byte = 1
	tagBool   byte = 2
	tagUint   byte = 3
)

// Key is the hash of a field name.
type Key [sha256.Size]byte

// KeyOf hashes a field name.
func KeyOf(name string) Key {
	return Key(sha256.Sum256([]byte(name)))
}

func (k Key) String() string { return hex.EncodeToString(k[:]) }

func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(text []byte) error {
	if len(text) != hex.EncodedLen(len(k)) {
		return fmt.Errorf("content: key length %d", len(text))
	}
	_, err := hex.Decode(k[:], text)
	return err
}

// Blob maps field keys to encoded cells.
type Blob map[Key][]byte

// Clone returns a deep copy; a nil blob clones to an empty one.
func (b Blob) Clone() Blob {
	out := make(Blob, len(b))
	for k, v := range b {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// Merge overlays updates on a copy of b. Fields named in keep are never
// overwritten or removed.
func (b Blob) Merge(updates Blob, keep ...string) Blob {
	out := b.Clone()
	locked := make(map[Key]struct{}, len(keep))
	for _, name := range keep {
		locked[KeyOf(name)] = struct{}{}
	}
	for k, v := range updates {
		if _, ok := locked[k]; ok {
			continue
		}
		out[k] = append([]byte(nil), v...)
	}
	return out
}

func (b Blob) String(name string) (string, bool) {
	cell, ok := b[KeyOf(name)]
	if !ok || len(cell) == 0 || cell[0] != tagString {
		return "", false
	}
	return string(cell[1:]), true
}

func (b Blob) Bool(name string) bool {
	cell, ok := b[KeyOf(name)]
	return ok && len(cell) == 2 && cell[0] == tagBool && cell[1] == 1
}

func (b Blob) Uint(name string) (uint64, bool) {
	cell, ok := b[KeyOf(name)]
	if !ok || len(cell) != 9 || cell[0] != tagUint {
		return 0, false
	}
	return binary.BigEndian.Uint64(cell[1:]), true
}

// Category returns the routing category, empty when absent.
func (b Blob) Category() string {
	s, _ := b.String(FieldCategory)
	return s
}

// Language returns the declared language, empty when absent.
func (b Blob) Language() string {
	s, _ := b.String(FieldLanguage)
	return s
}

// Builder assembles a Blob field by field.
type Builder struct {
	blob Blob
}

func New() *Builder {
	return &Builder{blob: make(Blob)}
}

func (b *Builder) Str(name, v string) *Builder {
	b.blob[KeyOf(name)] = append([]byte{tagString}, v...)
	return b
}

func (b *Builder) Bool(name string, v bool) *Builder {
	cell := []byte{tagBool, 0}
	if v {
		cell[1] = 1
	}
	b.blob[KeyOf(name)] = cell
	return b
}

func (b *Builder) Uint(name string, v uint64) *Builder {
	cell := make([]byte, 9)
	cell[0] = tagUint
	binary.BigEndian.PutUint64(cell[1:], v)
	b.blob[KeyOf(name)] = cell
	return b
}

func (b *Builder) Build() Blob {
	return b.blob.Clone()
}
