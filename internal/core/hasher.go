package core

import (
	"FCashLedger/internal/store"
	"crypto/sha256"
	"encoding/binary"
	"hash"
)

const GenesisHashSeed = "FCashLedger:genesis:v1"

// HashChain links every applied command to the previous one:
//
//	tip[N] = SHA-256(tip[N-1] || sequence (8 bytes LE) || digest(writes[N]))
//
// Rejected commands leave the tip unchanged.
type HashChain struct {
	tip [32]byte
}

func NewHashChain() *HashChain {
	return &HashChain{tip: sha256.Sum256([]byte(GenesisHashSeed))}
}

// Link appends the committed writes of sequence to the chain and returns the
// new tip. Writes must already be in key order.
func (h *HashChain) Link(sequence int64, writes []store.Op) [32]byte {
	d := sha256.New()
	d.Write(h.tip[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	d.Write(seqBuf[:])

	writeDigest(d, writes)

	d.Sum(h.tip[:0])
	return h.tip
}

// Reset moves the tip, used when restoring from a snapshot.
func (h *HashChain) Reset(tip [32]byte) {
	h.tip = tip
}

func (h *HashChain) Tip() [32]byte {
	return h.tip
}

// writeDigest feeds each write as tag, uvarint key length, key, uvarint
// value length, value. Deletes are tagged 0 and carry no value.
func writeDigest(d hash.Hash, writes []store.Op) {
	var lenBuf [binary.MaxVarintLen64]byte
	for _, op := range writes {
		tag := byte(1)
		if op.Value == nil {
			tag = 0
		}
		d.Write([]byte{tag})
		d.Write(lenBuf[:binary.PutUvarint(lenBuf[:], uint64(len(op.Key)))])
		d.Write(op.Key)
		d.Write(lenBuf[:binary.PutUvarint(lenBuf[:], uint64(len(op.Value)))])
		d.Write(op.Value)
	}
}
