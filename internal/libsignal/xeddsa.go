package libsignal

import (
	"crypto/sha512"
	"crypto/subtle"

	"filippo.io/edwards25519"
	"filippo.io/edwards25519/field"
)

// SignatureSize is the size of an XEdDSA signature.
const SignatureSize = 64

// hash1 prefix from the XEdDSA paper: 0xFE followed by 31 bytes of 0xFF.
var xeddsaHashPrefix = func() []byte {
	p := make([]byte, 32)
	for i := range p {
		p[i] = 0xFF
	}
	p[0] = 0xFE
	return p
}()

// xeddsaSign signs message with a Curve25519 private key. The sign bit of
// the Edwards public key is carried in the top bit of the signature.
func xeddsaSign(priv [curveKeySize]byte, message []byte, random [64]byte) []byte {
	a, err := new(edwards25519.Scalar).SetBytesWithClamping(priv[:])
	if err != nil {
		panic(err)
	}
	edPub := new(edwards25519.Point).ScalarBaseMult(a).Bytes()
	signBit := edPub[31] & 0x80

	h := sha512.New()
	h.Write(xeddsaHashPrefix)
	h.Write(priv[:])
	h.Write(message)
	h.Write(random[:])
	r, err := new(edwards25519.Scalar).SetUniformBytes(h.Sum(nil))
	if err != nil {
		panic(err)
	}
	capR := new(edwards25519.Point).ScalarBaseMult(r).Bytes()

	h.Reset()
	h.Write(capR)
	h.Write(edPub)
	h.Write(message)
	k, err := new(edwards25519.Scalar).SetUniformBytes(h.Sum(nil))
	if err != nil {
		panic(err)
	}
	s := new(edwards25519.Scalar).MultiplyAdd(k, a, r)

	sig := make([]byte, SignatureSize)
	copy(sig, capR)
	copy(sig[32:], s.Bytes())
	sig[63] &= 0x7F
	sig[63] |= signBit
	return sig
}

// xeddsaVerify checks an XEdDSA signature against a Curve25519 public key.
func xeddsaVerify(pub [curveKeySize]byte, message, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}

	// Birational map u -> y = (u-1)/(u+1).
	u, err := new(field.Element).SetBytes(pub[:])
	if err != nil {
		return false
	}
	one := new(field.Element).One()
	den := new(field.Element).Add(u, one)
	if den.Equal(new(field.Element).Zero()) == 1 {
		return false
	}
	num := new(field.Element).Subtract(u, one)
	y := new(field.Element).Multiply(num, new(field.Element).Invert(den))
	edPub := y.Bytes()
	edPub[31] |= sig[63] & 0x80

	capA, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return false
	}

	var sBytes [32]byte
	copy(sBytes[:], sig[32:])
	sBytes[31] &= 0x7F
	if sBytes[31]&0xE0 != 0 {
		return false
	}
	s, err := new(edwards25519.Scalar).SetCanonicalBytes(sBytes[:])
	if err != nil {
		return false
	}

	h := sha512.New()
	h.Write(sig[:32])
	h.Write(edPub)
	h.Write(message)
	k, err := new(edwards25519.Scalar).SetUniformBytes(h.Sum(nil))
	if err != nil {
		return false
	}

	minusA := new(edwards25519.Point).Negate(capA)
	checkR := new(edwards25519.Point).VarTimeDoubleScalarBaseMult(k, minusA, s).Bytes()
	return subtle.ConstantTimeCompare(checkR, sig[:32]) == 1
}
