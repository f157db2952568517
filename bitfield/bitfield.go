// Package bitfield implements the piece availability vector exchanged with peers.
//
// Bits are stored least-significant first: within each byte, bit value 1<<k maps to global index
// byte*8+k. This is the opposite of the most-significant-first order used by the BitTorrent wire
// bitfield message, and is kept because the peer link that feeds Populate produces it.
package bitfield

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/anacrolix/missinggo/v2/panicif"
)

const (
	// Size of the big-endian message length that prefixes a populate payload.
	prefixLen = 4
	// Peer wire message id of a bitfield message.
	MessageID byte = 5
)

var (
	// Returned by Populate when the declared length or the payload size can't describe this
	// BitField.
	ErrSize = errors.New("bitfield size mismatch")
	// Returned by Populate when the payload isn't a bitfield message.
	ErrMessageID = errors.New("not a bitfield message")
	// Returned by the random pickers when there is nothing to pick from.
	ErrNoMatchingBit = errors.New("no matching bit")
)

// Rand is the source of randomness for the random index pickers. *math/rand.Rand satisfies it.
type Rand interface {
	Intn(n int) int
}

// BitField is a fixed-length bit vector. It is not safe for concurrent mutation; it is owned by
// whoever announces the availability it describes.
type BitField struct {
	length int
	bits   []byte
}

func New(length int) *BitField {
	panicif.True(length < 0)
	return &BitField{
		length: length,
		bits:   make([]byte, numBytes(length)),
	}
}

func numBytes(length int) int {
	return (length + 7) / 8
}

// Len returns the number of bits in the field.
func (bf *BitField) Len() int {
	return bf.length
}

// Populate replaces the field contents with a bitfield message as framed by the peer link: a
// 4-byte big-endian length, the message id, then length-1 packed bytes. The declared length must
// fit the field's capacity and the payload must carry exactly that many bytes.
func (bf *BitField) Populate(b []byte) error {
	if len(b) < prefixLen+1 {
		return fmt.Errorf("%w: payload is only %d bytes", ErrSize, len(b))
	}
	declared := uint64(binary.BigEndian.Uint32(b))
	if declared == 0 || declared-1 > uint64(len(bf.bits)) {
		return fmt.Errorf("%w: declared %d bytes, capacity is %d", ErrSize, declared, len(bf.bits)+1)
	}
	if got := uint64(len(b) - prefixLen); got != declared {
		return fmt.Errorf("%w: declared %d bytes, got %d", ErrSize, declared, got)
	}
	if id := b[prefixLen]; id != MessageID {
		return fmt.Errorf("%w: message id %d", ErrMessageID, id)
	}
	clear(bf.bits)
	copy(bf.bits, b[prefixLen+1:])
	return nil
}

// Marshal produces the payload Populate consumes, carrying the whole backing storage.
func (bf *BitField) Marshal() []byte {
	ret := make([]byte, prefixLen, prefixLen+1+len(bf.bits))
	binary.BigEndian.PutUint32(ret, uint32(1+len(bf.bits)))
	ret = append(ret, MessageID)
	return append(ret, bf.bits...)
}

// Bytes returns a copy of the backing storage.
func (bf *BitField) Bytes() []byte {
	return append([]byte(nil), bf.bits...)
}

func (bf *BitField) checkIndex(i int) {
	panicif.True(i < 0)
	panicif.True(i >= bf.length)
}

func (bf *BitField) IsSet(i int) bool {
	bf.checkIndex(i)
	return bf.isSet(i)
}

func (bf *BitField) isSet(i int) bool {
	return bf.bits[i/8]&(1<<(i%8)) != 0
}

func (bf *BitField) Set(i int) {
	bf.checkIndex(i)
	bf.bits[i/8] |= 1 << (i % 8)
}

func (bf *BitField) Unset(i int) {
	bf.checkIndex(i)
	bf.bits[i/8] &^= 1 << (i % 8)
}

// Count returns the number of set bits within the field length.
func (bf *BitField) Count() (n int) {
	full := bf.length / 8
	for _, b := range bf.bits[:full] {
		n += bits.OnesCount8(b)
	}
	if rem := bf.length % 8; rem != 0 {
		n += bits.OnesCount8(bf.bits[full] & (1<<rem - 1))
	}
	return
}

func (bf *BitField) AnySet() bool {
	return bf.Count() != 0
}

// AllSet reports whether every bit within the field length is set.
func (bf *BitField) AllSet() bool {
	return bf.Count() == bf.length
}

// SetIndexes returns the set bit indexes in ascending order. It's recomputed on each call.
func (bf *BitField) SetIndexes() []int {
	return bf.indexes(true)
}

func (bf *BitField) indexes(set bool) (ret []int) {
	for i := range bf.length {
		if bf.isSet(i) == set {
			ret = append(ret, i)
		}
	}
	return
}

func pick(r Rand, from []int) (int, error) {
	if len(from) == 0 {
		return 0, ErrNoMatchingBit
	}
	return from[r.Intn(len(from))], nil
}

// RandomSetIndex picks uniformly among the set bits.
func (bf *BitField) RandomSetIndex(r Rand) (int, error) {
	return pick(r, bf.indexes(true))
}

// RandomUnsetIndex picks uniformly among the unset bits.
func (bf *BitField) RandomUnsetIndex(r Rand) (int, error) {
	return pick(r, bf.indexes(false))
}

func (bf *BitField) String() string {
	return fmt.Sprintf("bitfield(%d/%d)", bf.Count(), bf.length)
}
