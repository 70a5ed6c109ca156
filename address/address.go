package address

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// Size is the byte length of an address.
const Size = sha256.Size

// ErrInvalid signals a malformed textual address.
var ErrInvalid = errors.New("address: invalid")

// Address identifies an actor or an external wallet on the network.
type Address [Size]byte

// Zero is the unset address.
var Zero Address

// Derive computes the address of an actor instance from its template and init data.
// The same triple always yields the same address, so the coordinator can address
// an actor before it exists.
func Derive(template string, master Address, index uint64) Address {
	h := sha256.New()
	h.Write([]byte("gigflow/actor\x00"))
	h.Write(TemplateHash(template).Bytes())
	h.Write(master[:])
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	h.Write(idx[:])
	return fromHash(h.Sum(nil))
}

// External returns the wallet address for an arbitrary seed.
func External(seed string) Address {
	sum := sha256.Sum256([]byte("gigflow/wallet\x00" + seed))
	return Address(sum)
}

// TemplateHash is the identity hash of a template's code.
func TemplateHash(template string) Address {
	sum := sha256.Sum256([]byte("gigflow/template\x00" + template))
	return Address(sum)
}

// Parse decodes the hex form produced by String.
func Parse(s string) (Address, error) {
	var a Address
	if len(s) != hex.EncodedLen(Size) {
		return a, fmt.Errorf("%w: length %d", ErrInvalid, len(s))
	}
	if _, err := hex.Decode(a[:], []byte(s)); err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return a, nil
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Short is a log-friendly prefix of the address.
func (a Address) Short() string {
	return hex.EncodeToString(a[:4])
}

func (a Address) Bytes() []byte {
	return a[:]
}

func (a Address) IsZero() bool {
	return a == Zero
}

func (a Address) MarshalText() ([]byte, error) {
	out := make([]byte, hex.EncodedLen(Size))
	hex.Encode(out, a[:])
	return out, nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func fromHash(b []byte) Address {
	var a Address
	copy(a[:], b)
	return a
}
