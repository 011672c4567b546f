package envelope

import (
	"crypto/md5"
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

// KDF selects how the AES key and IV are derived from the shared passphrase.
type KDF int

const (
	// KDFEVP is OpenSSL EVP_BytesToKey with MD5 and one iteration. This is
	// the CryptoJS default for AES with a string passphrase.
	KDFEVP KDF = iota
	// KDFPBKDF2 is PBKDF2-HMAC-SHA256, matching `openssl enc -pbkdf2`.
	KDFPBKDF2
)

const (
	keyLen           = 32 // AES-256
	ivLen            = 16
	saltLen          = 8
	pbkdf2Iterations = 10000
)

// String returns the config spelling of the KDF.
func (k KDF) String() string {
	switch k {
	case KDFEVP:
		return "evp"
	case KDFPBKDF2:
		return "pbkdf2"
	default:
		return "unknown"
	}
}

// ParseKDF maps a config value to a KDF. Empty selects KDFEVP.
func ParseKDF(s string) (KDF, bool) {
	switch s {
	case "", "evp", "md5":
		return KDFEVP, true
	case "pbkdf2":
		return KDFPBKDF2, true
	default:
		return KDFEVP, false
	}
}

func (k KDF) derive(passphrase, salt []byte) (key, iv []byte) {
	if k == KDFPBKDF2 {
		out := pbkdf2.Key(passphrase, salt, pbkdf2Iterations, keyLen+ivLen, sha256.New)
		return out[:keyLen], out[keyLen:]
	}
	return evpBytesToKey(passphrase, salt)
}

// evpBytesToKey: D_i = MD5(D_{i-1} || passphrase || salt) until key+iv bytes exist.
func evpBytesToKey(passphrase, salt []byte) (key, iv []byte) {
	var (
		out  = make([]byte, 0, keyLen+ivLen+md5.Size)
		prev []byte
	)
	for len(out) < keyLen+ivLen {
		h := md5.New()
		h.Write(prev)
		h.Write(passphrase)
		h.Write(salt)
		prev = h.Sum(nil)
		out = append(out, prev...)
	}
	return out[:keyLen], out[keyLen : keyLen+ivLen]
}
