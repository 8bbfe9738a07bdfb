package signer

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Cardano addresses are bech32 with payloads longer than the 90-character
// BIP-173 ceiling, so the generic decoders reject base addresses outright.
// This is a Cardano-tolerant decode of the same scheme.

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var bech32CharsetRev = func() map[byte]int {
	m := make(map[byte]int, len(bech32Charset))
	for i := 0; i < len(bech32Charset); i++ {
		m[bech32Charset[i]] = i
	}
	return m
}()

func bech32Polymod(values []int) int {
	gen := []int{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := 1
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ v
		for i := 0; i < 5; i++ {
			if (top>>uint(i))&1 == 1 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func bech32HRPExpand(hrp string) []int {
	out := make([]int, 0, len(hrp)*2+1)
	for i := 0; i < len(hrp); i++ {
		out = append(out, int(hrp[i])>>5)
	}
	out = append(out, 0)
	for i := 0; i < len(hrp); i++ {
		out = append(out, int(hrp[i])&31)
	}
	return out
}

func convertBits(data []int, fromBits, toBits uint, pad bool) ([]byte, error) {
	acc := 0
	bits := uint(0)
	var out []byte
	maxv := (1 << toBits) - 1
	for _, value := range data {
		if value < 0 || value>>fromBits != 0 {
			return nil, fmt.Errorf("invalid data range %d", value)
		}
		acc = acc<<fromBits | value
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, byte(acc>>bits&maxv))
		}
	}
	if pad {
		if bits > 0 {
			out = append(out, byte(acc<<(toBits-bits)&maxv))
		}
	} else if bits >= fromBits || acc<<(toBits-bits)&maxv != 0 {
		return nil, fmt.Errorf("invalid padding")
	}
	return out, nil
}

// DecodeAddress decodes a bech32 Cardano address into its raw bytes.
func DecodeAddress(address string) ([]byte, error) {
	address = strings.TrimSpace(address)
	lower := strings.ToLower(address)
	if address != lower && address != strings.ToUpper(address) {
		return nil, fmt.Errorf("signer: mixed-case address")
	}
	address = lower
	sep := strings.LastIndex(address, "1")
	if sep < 1 || sep+7 > len(address) {
		return nil, fmt.Errorf("signer: malformed bech32 address")
	}
	hrp := address[:sep]
	data := address[sep+1:]
	values := make([]int, len(data))
	for i := 0; i < len(data); i++ {
		v, ok := bech32CharsetRev[data[i]]
		if !ok {
			return nil, fmt.Errorf("signer: invalid bech32 character %q", data[i])
		}
		values[i] = v
	}
	if bech32Polymod(append(bech32HRPExpand(hrp), values...)) != 1 {
		return nil, fmt.Errorf("signer: bech32 checksum mismatch")
	}
	decoded, err := convertBits(values[:len(values)-6], 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	if len(decoded) < 29 {
		return nil, fmt.Errorf("signer: address payload too short (%d bytes)", len(decoded))
	}
	return decoded, nil
}

// EncodeAddress encodes raw address bytes back to bech32 with the given
// human-readable prefix ("addr" or "addr_test").
func EncodeAddress(hrp string, payload []byte) (string, error) {
	data := make([]int, 0, len(payload)*8/5+1)
	acc := 0
	bits := uint(0)
	for _, b := range payload {
		acc = acc<<8 | int(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			data = append(data, acc>>bits&31)
		}
	}
	if bits > 0 {
		data = append(data, acc<<(5-bits)&31)
	}
	values := append(bech32HRPExpand(hrp), data...)
	values = append(values, []int{0, 0, 0, 0, 0, 0}...)
	polymod := bech32Polymod(values) ^ 1
	var sb strings.Builder
	sb.WriteString(hrp)
	sb.WriteByte('1')
	for _, v := range data {
		sb.WriteByte(bech32Charset[v])
	}
	for i := 0; i < 6; i++ {
		sb.WriteByte(bech32Charset[polymod>>uint(5*(5-i))&31])
	}
	return sb.String(), nil
}

// PaymentKeyHashFromAddress extracts the hex payment credential from a bech32
// address. Byte 0 is the header; the next 28 bytes are the payment key hash.
func PaymentKeyHashFromAddress(address string) (string, error) {
	raw, err := DecodeAddress(address)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[1:29]), nil
}
