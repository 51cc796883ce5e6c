// Package cipher implements the position-addressable stream cipher (C1):
// deterministic, length-preserving AES-CTR transcoding keyed by owner UID
// and file identity, so random-access read/write on a protected file is
// exact at any byte offset without persisting any cipher state.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	keySize   = 32
	blockSize = aes.BlockSize // 16
)

// FID is a file identity as seen by the registry and the interception layer.
type FID uint64

// UID is a user identity; 0 is the superuser.
type UID uint32

// Transform maps plaintext<->ciphertext in place for the byte range
// [offset, offset+len(buf)) of the file identified by fid, as if owned by
// uid. Because AES-CTR is involutive at the stream level, the same call
// serves both directions.
//
// buf is modified in place and also returned for chaining.
func Transform(buf []byte, uid UID, fid FID, offset int64) ([]byte, error) {
	if len(buf) == 0 {
		return buf, nil
	}
	if offset < 0 {
		return nil, fmt.Errorf("cipher: negative offset %d", offset)
	}

	key := deriveKey(uid)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}

	pre := int(offset % blockSize)
	blockIndex := uint64(offset) / blockSize
	iv := deriveIV(fid, blockIndex)

	stream := cipher.NewCTR(block, iv[:])

	// Keystream is generated from the start of the containing block, so a
	// buffer that starts mid-block must be padded on the left with
	// throwaway bytes, transformed, then have the padding sliced back off.
	// The caller's bytes are never actually read from before offset; we
	// only need the keystream to advance past them.
	if pre == 0 {
		stream.XORKeyStream(buf, buf)
		return buf, nil
	}

	padded := make([]byte, pre+len(buf))
	copy(padded[pre:], buf)
	stream.XORKeyStream(padded, padded)
	copy(buf, padded[pre:])
	return buf, nil
}

// deriveKey produces a 32-byte AES key as a deterministic function of uid
// alone: no salt, no persistence, so any owner can re-derive the key for
// any of their files from first principles. See spec §4.1.
func deriveKey(uid UID) [keySize]byte {
	var key [keySize]byte

	var uidBytes [4]byte
	binary.BigEndian.PutUint32(uidBytes[:], uint32(uid))
	putHash32(key[28:32], uidBytes[:])

	for i := 28; i > 0; i -= 4 {
		putHash32(key[i-4:i], key[i:32])
	}
	return key
}

// deriveIV builds a 16-byte CTR IV unique per (fid, blockIndex).
func deriveIV(fid FID, blockIndex uint64) [blockSize]byte {
	var iv [blockSize]byte

	var fidBytes [8]byte
	binary.BigEndian.PutUint64(fidBytes[:], uint64(fid))
	putHash32(iv[4:8], fidBytes[:])
	putHash32(iv[0:4], iv[4:8])

	binary.BigEndian.PutUint64(iv[8:16], blockIndex)
	return iv
}

// putHash32 writes the CRC32 (IEEE) checksum of data, big-endian, into dst.
// dst must be 4 bytes. This stands in for the "crc32-pclmul" primitive named
// in the original kernel module; both are a 32-bit non-cryptographic hash
// used only to stretch a UID/FID into key/IV material, never for integrity.
func putHash32(dst []byte, data []byte) {
	binary.BigEndian.PutUint32(dst, crc32.ChecksumIEEE(data))
}
