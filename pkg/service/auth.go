package service

import (
	"crypto/aes"
	"encoding/binary"
	"math/big"
)

// SignNonce computes the gateway-authentication value echoed to a device
// in the RandomSigned upgrade response header.
//
// The 16-byte plaintext block is [nonce u64 BE | token u32 BE | 0 u32],
// the key is [signKey u32 BE | 12 zero bytes], encrypted as a single
// AES-128 block. The ciphertext, read as a big-endian unsigned integer,
// is rendered in decimal. The device holds the same key and nonce and
// recomputes the value to verify it is talking to a legitimate connector.
func SignNonce(signKey uint32, nonce uint64, token int32) string {
	var key [16]byte
	binary.BigEndian.PutUint32(key[:4], signKey)

	var block [16]byte
	binary.BigEndian.PutUint64(block[:8], nonce)
	binary.BigEndian.PutUint32(block[8:12], uint32(token))

	cipher, err := aes.NewCipher(key[:])
	if err != nil {
		// aes.NewCipher only fails on bad key sizes; 16 is always valid.
		panic(err)
	}

	var out [16]byte
	cipher.Encrypt(out[:], block[:])

	return new(big.Int).SetBytes(out[:]).String()
}
