package bonding

import (
	"crypto/aes"
	"encoding/hex"
	"fmt"
	"strings"
)

// AddrType distinguishes public from random device addresses.
type AddrType uint8

const (
	AddrPublic AddrType = 0
	AddrRandom AddrType = 1
)

// Address is a typed 48-bit device address. Addr[0] is the most significant
// octet, matching the usual colon-separated notation.
type Address struct {
	Type AddrType
	Addr [6]byte
}

// ParseAddress parses "AA:BB:CC:DD:EE:FF".
func ParseAddress(s string, typ AddrType) (Address, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return Address{}, fmt.Errorf("bonding: malformed address %q", s)
	}
	a := Address{Type: typ}
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return Address{}, fmt.Errorf("bonding: malformed address %q", s)
		}
		a.Addr[i] = b[0]
	}
	return a, nil
}

// MustParseAddress is ParseAddress for constants; it panics on error.
func MustParseAddress(s string, typ AddrType) Address {
	a, err := ParseAddress(s, typ)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], a.Addr[4], a.Addr[5])
}

// IsResolvable reports whether a is a resolvable private address: a random
// address whose two most significant bits are 0b01.
func (a Address) IsResolvable() bool {
	return a.Type == AddrRandom && a.Addr[0]&0xC0 == 0x40
}

// addressWords is the persisted size of a typed address.
const addressWords = 4

func (a Address) words() []uint16 {
	return []uint16{
		uint16(a.Type),
		uint16(a.Addr[0])<<8 | uint16(a.Addr[1]),
		uint16(a.Addr[2])<<8 | uint16(a.Addr[3]),
		uint16(a.Addr[4])<<8 | uint16(a.Addr[5]),
	}
}

func addressFromWords(w []uint16) Address {
	var a Address
	a.Type = AddrType(w[0])
	for i := 0; i < 3; i++ {
		a.Addr[2*i] = byte(w[i+1] >> 8)
		a.Addr[2*i+1] = byte(w[i+1])
	}
	return a
}

// IRK is an identity resolving key, most significant octet first.
type IRK [16]byte

const irkWords = 8

func (k IRK) words() []uint16 {
	w := make([]uint16, irkWords)
	for i := range w {
		w[i] = uint16(k[2*i])<<8 | uint16(k[2*i+1])
	}
	return w
}

func irkFromWords(w []uint16) IRK {
	var k IRK
	for i := 0; i < irkWords; i++ {
		k[2*i] = byte(w[i] >> 8)
		k[2*i+1] = byte(w[i])
	}
	return k
}

// Resolve reports whether the resolvable private address a was generated
// from irk: the low 24 bits of AES-128(irk, 0^104 || prand) must equal the
// address hash.
func Resolve(a Address, irk IRK) bool {
	if !a.IsResolvable() {
		return false
	}
	hash := ah(irk, [3]byte{a.Addr[0], a.Addr[1], a.Addr[2]})
	return hash == [3]byte{a.Addr[3], a.Addr[4], a.Addr[5]}
}

// NewResolvableAddress builds the resolvable private address for prand
// under irk. The two most significant bits of prand are forced to 0b01.
func NewResolvableAddress(irk IRK, prand [3]byte) Address {
	prand[0] = prand[0]&0x3F | 0x40
	hash := ah(irk, prand)
	return Address{
		Type: AddrRandom,
		Addr: [6]byte{prand[0], prand[1], prand[2], hash[0], hash[1], hash[2]},
	}
}

func ah(irk IRK, prand [3]byte) [3]byte {
	block, err := aes.NewCipher(irk[:])
	if err != nil {
		// A 16-byte key cannot be rejected.
		panic(err)
	}
	var in, out [aes.BlockSize]byte
	copy(in[13:], prand[:])
	block.Encrypt(out[:], in[:])
	return [3]byte{out[13], out[14], out[15]}
}
