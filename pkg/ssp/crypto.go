package ssp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
)

// Key negotiation and the encrypted-envelope cipher are vendor primitives
// this package treats as a self-contained stand-in: a real Diffie-Hellman
// exchange keyed off the device's 64-bit preshared key, and a counter-keyed
// stream cipher for the encrypted envelope, good enough to exercise every
// state transition and retry path this package is responsible for.

var (
	dhPrime     = mustPrime("FFFFFFFFFFFFFFC5") // a 64-bit safe-enough prime for the exchange
	dhGenerator = big.NewInt(7)
)

func mustPrime(hex string) *big.Int {
	n, ok := new(big.Int).SetString(hex, 16)
	if !ok {
		panic("ssp: bad prime literal")
	}
	return n
}

// KeyExchange holds one side's state for the one-shot key negotiation.
// Session runs it only when a command is answered KEY_NOT_SET; a
// successful SYNC does not start one, so frames stay unencrypted until the
// device first replies KEY_NOT_SET.
type KeyExchange struct {
	hostRandom *big.Int
	hostPublic *big.Int
}

// NewKeyExchange generates the host's random secret and public value.
func NewKeyExchange() (*KeyExchange, error) {
	secret, err := rand.Int(rand.Reader, dhPrime)
	if err != nil {
		return nil, fmt.Errorf("ssp: generate DH secret: %w", err)
	}
	public := new(big.Int).Exp(dhGenerator, secret, dhPrime)
	return &KeyExchange{hostRandom: secret, hostPublic: public}, nil
}

// HostPublic returns the value sent to the device as SET_GENERATOR/SET_MODULUS
// followed by REQUEST_KEY_EXCHANGE in the real protocol; here it's the single
// value exchanged in one request/response round trip.
func (k *KeyExchange) HostPublic() uint64 {
	return k.hostPublic.Uint64()
}

// DeriveSessionKey computes the shared session key from the device's public
// value and the device's 64-bit preshared key, the way the real negotiation
// mixes the DH shared secret with the preshared key before it is trusted.
func (k *KeyExchange) DeriveSessionKey(devicePublic uint64, presharedKey uint64) uint64 {
	shared := new(big.Int).Exp(big.NewInt(0).SetUint64(devicePublic), k.hostRandom, dhPrime)
	return shared.Uint64() ^ presharedKey
}

// sealEnvelope builds the plaintext block { counter(4), len(2), payload,
// random padding, crc(2) } and encrypts it in place with a counter-keyed
// stream derived from the session key.
func sealEnvelope(sessionKey uint64, counter uint32, payload []byte) ([]byte, error) {
	padLen := (16 - (4+2+len(payload)+2)%16) % 16
	plain := make([]byte, 0, 4+2+len(payload)+padLen+2)

	var counterBuf [4]byte
	binary.LittleEndian.PutUint32(counterBuf[:], counter)
	plain = append(plain, counterBuf[:]...)

	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	plain = append(plain, lenBuf[:]...)

	plain = append(plain, payload...)

	if padLen > 0 {
		pad := make([]byte, padLen)
		if _, err := rand.Read(pad); err != nil {
			return nil, fmt.Errorf("ssp: generate envelope padding: %w", err)
		}
		plain = append(plain, pad...)
	}

	crc := crc16(plain)
	plain = append(plain, byte(crc&0xFF), byte(crc>>8))

	keystream(sessionKey, counter, plain)
	return plain, nil
}

// openEnvelope reverses sealEnvelope and validates the inner CRC.
func openEnvelope(sessionKey uint64, counter uint32, block []byte) ([]byte, error) {
	if len(block) < 8 {
		return nil, fmt.Errorf("ssp: encrypted block too short")
	}
	plain := make([]byte, len(block))
	copy(plain, block)
	keystream(sessionKey, counter, plain)

	body := plain[:len(plain)-2]
	gotCRC := binary.LittleEndian.Uint16(plain[len(plain)-2:])
	calcCRC := crc16(body)
	if gotCRC != calcCRC {
		return nil, fmt.Errorf("ssp: encrypted envelope CRC mismatch")
	}

	payloadLen := binary.LittleEndian.Uint16(plain[4:6])
	if int(payloadLen) > len(plain)-8 {
		return nil, fmt.Errorf("ssp: encrypted envelope length out of range")
	}
	return plain[6 : 6+payloadLen], nil
}

// keystream XORs buf in place with a counter-keyed stream derived from the
// session key; applied symmetrically by sealEnvelope/openEnvelope.
func keystream(sessionKey uint64, counter uint32, buf []byte) {
	var seed [12]byte
	binary.LittleEndian.PutUint64(seed[:8], sessionKey)
	binary.LittleEndian.PutUint32(seed[8:], counter)

	state := fnv1aSeed(seed[:])
	for i := range buf {
		state = state*0x100000001b3 ^ uint64(i)
		buf[i] ^= byte(state >> 56)
	}
}

func fnv1aSeed(data []byte) uint64 {
	var h uint64 = 0xcbf29ce484222325
	for _, b := range data {
		h ^= uint64(b)
		h *= 0x100000001b3
	}
	return h
}
