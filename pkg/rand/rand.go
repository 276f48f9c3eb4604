package rand

import (
	cr "crypto/rand"
	"encoding/base64"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Code returns a pairing code in the form XXXX-XXXX over A-Z0-9.
// Uniqueness is not checked here; the device_codes primary key is the
// arbiter and callers retry on collision.
func Code() string {
	var b [8]byte
	_, _ = cr.Read(b[:])

	out := make([]byte, 0, 9)
	for i, c := range b {
		if i == 4 {
			out = append(out, '-')
		}
		out = append(out, codeAlphabet[int(c)%len(codeAlphabet)])
	}
	return string(out)
}

// Token returns a 32-byte bearer credential, URL-safe encoded.
func Token() string {
	var b [32]byte
	_, _ = cr.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}
