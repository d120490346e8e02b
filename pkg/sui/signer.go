// Package sui implements the on-chain registry client: a minimal JSON-RPC
// client for a Sui fullnode, ed25519 transaction signing, and keypair
// decoding for the formats operators actually paste into secrets.
package sui

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ed25519Flag is the Sui signature-scheme flag byte for ed25519.
const ed25519Flag = 0x00

// ErrInvalidKey is returned when the secret matches none of the supported
// keypair encodings.
var ErrInvalidKey = errors.New("sui: unrecognized signing key encoding")

// Signer holds an ed25519 keypair and derives the Sui address.
type Signer struct {
	priv ed25519.PrivateKey
}

// ParseSigner decodes a signing key secret. Encodings are tried in
// precedence order, first match wins:
//
//  1. Canonical bech32 ("suiprivkey1...")
//  2. JSON byte array (seed, flag+seed, or full 64-byte private key)
//  3. Base64 of the same byte shapes
//  4. Hex (with or without 0x)
func ParseSigner(secret string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrInvalidKey
	}

	if strings.HasPrefix(secret, "suiprivkey1") {
		raw, err := decodeBech32(secret)
		if err != nil {
			return nil, fmt.Errorf("decode suiprivkey: %w", err)
		}
		return signerFromBytes(raw)
	}

	if strings.HasPrefix(secret, "[") {
		var bytesArr []byte
		if err := json.Unmarshal([]byte(secret), &bytesArr); err != nil {
			// json.Unmarshal into []byte expects base64; decode as int array.
			var ints []int
			if err := json.Unmarshal([]byte(secret), &ints); err != nil {
				return nil, fmt.Errorf("decode JSON key array: %w", err)
			}
			bytesArr = make([]byte, len(ints))
			for i, v := range ints {
				if v < 0 || v > 255 {
					return nil, ErrInvalidKey
				}
				bytesArr[i] = byte(v)
			}
		}
		return signerFromBytes(bytesArr)
	}

	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil {
		if s, err := signerFromBytes(raw); err == nil {
			return s, nil
		}
	}

	hexStr := strings.TrimPrefix(secret, "0x")
	if raw, err := hex.DecodeString(hexStr); err == nil {
		return signerFromBytes(raw)
	}

	return nil, ErrInvalidKey
}

// signerFromBytes accepts a 32-byte seed, a flag-prefixed 33-byte seed, or
// a full 64-byte ed25519 private key.
func signerFromBytes(raw []byte) (*Signer, error) {
	switch len(raw) {
	case ed25519.SeedSize:
		return &Signer{priv: ed25519.NewKeyFromSeed(raw)}, nil
	case ed25519.SeedSize + 1:
		if raw[0] != ed25519Flag {
			return nil, fmt.Errorf("sui: unsupported key scheme flag 0x%02x", raw[0])
		}
		return &Signer{priv: ed25519.NewKeyFromSeed(raw[1:])}, nil
	case ed25519.PrivateKeySize:
		return &Signer{priv: ed25519.PrivateKey(raw)}, nil
	default:
		return nil, ErrInvalidKey
	}
}

// PublicKey returns the raw ed25519 public key.
func (s *Signer) PublicKey() []byte {
	return s.priv.Public().(ed25519.PublicKey)
}

// Address derives the Sui address: blake2b-256 over the scheme flag byte
// followed by the public key, hex-encoded with a 0x prefix.
func (s *Signer) Address() string {
	payload := append([]byte{ed25519Flag}, s.PublicKey()...)
	sum := blake2b.Sum256(payload)
	return "0x" + hex.EncodeToString(sum[:])
}

// SignTransaction signs BCS transaction bytes under the TransactionData
// intent and returns the serialized signature (flag || sig || pubkey)
// base64-encoded, which is what executeTransactionBlock expects.
func (s *Signer) SignTransaction(txBytes []byte) string {
	// Intent: scope=TransactionData(0), version=0, app=Sui(0).
	message := append([]byte{0, 0, 0}, txBytes...)
	digest := blake2b.Sum256(message)
	sig := ed25519.Sign(s.priv, digest[:])

	serialized := make([]byte, 0, 1+len(sig)+ed25519.PublicKeySize)
	serialized = append(serialized, ed25519Flag)
	serialized = append(serialized, sig...)
	serialized = append(serialized, s.PublicKey()...)
	return base64.StdEncoding.EncodeToString(serialized)
}

// SignMessage signs an arbitrary message digest for the publisher's
// signed-header scheme and returns the base64 signature.
func (s *Signer) SignMessage(message []byte) string {
	digest := blake2b.Sum256(message)
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, digest[:]))
}

// bech32 decoding, enough for suiprivkey secrets. No encoding side needed.

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

func bech32Polymod(values []byte) uint32 {
	gen := []uint32{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := uint32(1)
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ uint32(v)
		for i := 0; i < 5; i++ {
			if (top>>uint(i))&1 == 1 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func bech32HRPExpand(hrp string) []byte {
	out := make([]byte, 0, len(hrp)*2+1)
	for _, c := range hrp {
		out = append(out, byte(c)>>5)
	}
	out = append(out, 0)
	for _, c := range hrp {
		out = append(out, byte(c)&31)
	}
	return out
}

// decodeBech32 decodes a bech32 string, verifies the checksum, and
// regroups the 5-bit payload into bytes.
func decodeBech32(s string) ([]byte, error) {
	s = strings.ToLower(s)
	sep := strings.LastIndexByte(s, '1')
	if sep < 1 || sep+7 > len(s) {
		return nil, errors.New("malformed bech32 string")
	}
	hrp, data := s[:sep], s[sep+1:]

	values := make([]byte, len(data))
	for i := 0; i < len(data); i++ {
		idx := strings.IndexByte(bech32Charset, data[i])
		if idx < 0 {
			return nil, fmt.Errorf("invalid bech32 character %q", data[i])
		}
		values[i] = byte(idx)
	}

	if bech32Polymod(append(bech32HRPExpand(hrp), values...)) != 1 {
		return nil, errors.New("bech32 checksum mismatch")
	}

	payload := values[:len(values)-6]
	var out []byte
	var acc, bits uint
	for _, v := range payload {
		acc = acc<<5 | uint(v)
		bits += 5
		for bits >= 8 {
			bits -= 8
			out = append(out, byte(acc>>bits&0xff))
		}
	}
	return out, nil
}
