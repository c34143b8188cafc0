package protocol

import (
	"encoding/binary"
	"fmt"
)

// Corrected Block TEA, operating in place on 32-bit words. The devices use
// the classic variant: fixed-size input, no padding, no embedded length.
// Ecosystem xxtea packages prepend the plaintext length, which the firmware
// does not understand.

const xxteaDelta = 0x9e3779b9

func xxteaKey(key []byte) ([4]uint32, error) {
	var k [4]uint32
	if len(key) != 16 {
		return k, fmt.Errorf("xxtea: key length %d, want 16", len(key))
	}
	for i := range k {
		k[i] = binary.LittleEndian.Uint32(key[i*4:])
	}
	return k, nil
}

func xxteaWords(data []byte) ([]uint32, error) {
	if len(data) < 8 || len(data)%4 != 0 {
		return nil, fmt.Errorf("xxtea: data length %d, want a multiple of 4 and at least 8", len(data))
	}
	v := make([]uint32, len(data)/4)
	for i := range v {
		v[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return v, nil
}

func xxteaBytes(v []uint32) []byte {
	out := make([]byte, len(v)*4)
	for i, w := range v {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

func xxteaEncrypt(data, key []byte) ([]byte, error) {
	k, err := xxteaKey(key)
	if err != nil {
		return nil, err
	}
	v, err := xxteaWords(data)
	if err != nil {
		return nil, err
	}
	n := uint32(len(v))
	rounds := 6 + 52/n
	var sum uint32
	z := v[n-1]
	for ; rounds > 0; rounds-- {
		sum += xxteaDelta
		e := (sum >> 2) & 3
		var p uint32
		for p = 0; p < n-1; p++ {
			y := v[p+1]
			v[p] += ((z>>5 ^ y<<2) + (y>>3 ^ z<<4)) ^ ((sum ^ y) + (k[(p&3)^e] ^ z))
			z = v[p]
		}
		y := v[0]
		v[n-1] += ((z>>5 ^ y<<2) + (y>>3 ^ z<<4)) ^ ((sum ^ y) + (k[(p&3)^e] ^ z))
		z = v[n-1]
	}
	return xxteaBytes(v), nil
}

func xxteaDecrypt(data, key []byte) ([]byte, error) {
	k, err := xxteaKey(key)
	if err != nil {
		return nil, err
	}
	v, err := xxteaWords(data)
	if err != nil {
		return nil, err
	}
	n := uint32(len(v))
	rounds := 6 + 52/n
	sum := rounds * xxteaDelta
	y := v[0]
	for ; sum != 0; sum -= xxteaDelta {
		e := (sum >> 2) & 3
		for p := n - 1; p > 0; p-- {
			z := v[p-1]
			v[p] -= ((z>>5 ^ y<<2) + (y>>3 ^ z<<4)) ^ ((sum ^ y) + (k[(p&3)^e] ^ z))
			y = v[p]
		}
		z := v[n-1]
		v[0] -= ((z>>5 ^ y<<2) + (y>>3 ^ z<<4)) ^ ((sum ^ y) + (k[0^e] ^ z))
		y = v[0]
	}
	return xxteaBytes(v), nil
}
