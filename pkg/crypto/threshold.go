package crypto

import (
	"crypto/sha512"
	"errors"
	"fmt"
	"sort"

	"filippo.io/edwards25519"
)

// Threshold Schnorr over the Ed25519 group with dealer-issued Shamir shares.
// The aggregate (R, z) satisfies zB = R + cA with c = SHA-512(R || A || M)
// reduced mod L, which is exactly the Ed25519 verification equation: the
// group signature verifies under the group public key like any ordinary
// Ed25519 signature.

var (
	// ErrAggregationFailed is returned when combined partials do not verify.
	ErrAggregationFailed = errors.New("aggregation failed")
	// ErrMalformedShare is returned for undecodable shares or partials.
	ErrMalformedShare = errors.New("malformed share")
)

// ThresholdKeygen deals k-of-n Shamir shares of a fresh group secret. Shares
// are indexed 1..n; index 0 is the secret itself and never leaves the dealer.
func (s *Suite) ThresholdKeygen(k, n int) ([]byte, map[uint8][]byte, error) {
	if k < 1 || n < k || n > 255 {
		return nil, nil, fmt.Errorf("invalid threshold %d-of-%d", k, n)
	}

	// Polynomial f of degree k-1 with f(0) = group secret.
	coeffs := make([]*edwards25519.Scalar, k)
	for i := range coeffs {
		sc, err := s.randomScalar()
		if err != nil {
			return nil, nil, err
		}
		coeffs[i] = sc
	}

	groupPub := new(edwards25519.Point).ScalarBaseMult(coeffs[0]).Bytes()

	shares := make(map[uint8][]byte, n)
	for i := 1; i <= n; i++ {
		x := scalarFromUint64(uint64(i))
		// Horner evaluation of f(i).
		acc := edwards25519.NewScalar()
		for j := k - 1; j >= 0; j-- {
			acc.MultiplyAdd(acc, x, coeffs[j])
		}
		shares[uint8(i)] = acc.Bytes()
	}
	return groupPub, shares, nil
}

// NonceCommit draws a one-shot signing nonce r and its commitment R = rB.
func (s *Suite) NonceCommit() ([]byte, []byte, error) {
	r, err := s.randomScalar()
	if err != nil {
		return nil, nil, err
	}
	commitment := new(edwards25519.Point).ScalarBaseMult(r).Bytes()
	return r.Bytes(), commitment, nil
}

// SignShare computes the partial z_i = r_i + c*λ_i*s_i for signer index over
// the exact commitment map. The participant set, and therefore λ_i, is the
// key set of commitments: a commitment the coordinator drops or adds changes
// every partial, so mismatched maps can never aggregate.
func (s *Suite) SignShare(share []byte, index uint8, nonce, groupPub, msg []byte, commitments map[uint8][]byte) ([]byte, error) {
	if _, ok := commitments[index]; !ok {
		return nil, fmt.Errorf("signer %d not in commitment set", index)
	}
	si, err := decodeScalar(share)
	if err != nil {
		return nil, fmt.Errorf("%w: share for signer %d", ErrMalformedShare, index)
	}
	r, err := decodeScalar(nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce for signer %d", ErrMalformedShare, index)
	}

	groupR, err := sumCommitments(commitments)
	if err != nil {
		return nil, err
	}
	c, err := challenge(groupR, groupPub, msg)
	if err != nil {
		return nil, err
	}
	lambda, err := lagrangeCoefficient(index, participantSet(commitments))
	if err != nil {
		return nil, err
	}

	z := edwards25519.NewScalar().Multiply(c, lambda)
	z.Multiply(z, si)
	z.Add(z, r)
	return z.Bytes(), nil
}

// Aggregate sums any k partials with the commitment map into a single
// signature R || z and verifies it against the group key before returning.
func (s *Suite) Aggregate(groupPub, msg []byte, commitments, partials map[uint8][]byte) ([]byte, error) {
	groupR, err := sumCommitments(commitments)
	if err != nil {
		return nil, err
	}

	z := edwards25519.NewScalar()
	for index, partial := range partials {
		zi, err := decodeScalar(partial)
		if err != nil {
			return nil, fmt.Errorf("%w: partial from signer %d", ErrMalformedShare, index)
		}
		z.Add(z, zi)
	}

	sig := make([]byte, 64)
	copy(sig[:32], groupR.Bytes())
	copy(sig[32:], z.Bytes())

	if !s.VerifyAggregate(groupPub, msg, sig) {
		return nil, ErrAggregationFailed
	}
	return sig, nil
}

// VerifyAggregate checks zB == R + cA.
func (s *Suite) VerifyAggregate(groupPub, msg, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	groupR, err := decodePoint(sig[:32])
	if err != nil {
		return false
	}
	z, err := decodeScalar(sig[32:])
	if err != nil {
		return false
	}
	pub, err := decodePoint(groupPub)
	if err != nil {
		return false
	}
	c, err := challenge(groupR, groupPub, msg)
	if err != nil {
		return false
	}

	lhs := new(edwards25519.Point).ScalarBaseMult(z)
	rhs := new(edwards25519.Point).ScalarMult(c, pub)
	rhs.Add(rhs, groupR)
	return lhs.Equal(rhs) == 1
}

func (s *Suite) randomScalar() (*edwards25519.Scalar, error) {
	wide := make([]byte, 64)
	if err := s.rand.Fill(wide); err != nil {
		return nil, fmt.Errorf("drawing scalar: %w", err)
	}
	return edwards25519.NewScalar().SetUniformBytes(wide)
}

func scalarFromUint64(v uint64) *edwards25519.Scalar {
	var buf [32]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	sc, _ := edwards25519.NewScalar().SetCanonicalBytes(buf[:])
	return sc
}

func decodeScalar(b []byte) (*edwards25519.Scalar, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("scalar must be 32 bytes, got %d", len(b))
	}
	return edwards25519.NewScalar().SetCanonicalBytes(b)
}

func decodePoint(b []byte) (*edwards25519.Point, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("point must be 32 bytes, got %d", len(b))
	}
	return new(edwards25519.Point).SetBytes(b)
}

func sumCommitments(commitments map[uint8][]byte) (*edwards25519.Point, error) {
	if len(commitments) == 0 {
		return nil, errors.New("empty commitment set")
	}
	sum := edwards25519.NewIdentityPoint()
	for index, enc := range commitments {
		p, err := decodePoint(enc)
		if err != nil {
			return nil, fmt.Errorf("%w: commitment from signer %d", ErrMalformedShare, index)
		}
		sum.Add(sum, p)
	}
	return sum, nil
}

// challenge is the Ed25519 challenge scalar H(R || A || M) mod L.
func challenge(groupR *edwards25519.Point, groupPub, msg []byte) (*edwards25519.Scalar, error) {
	h := sha512.New()
	h.Write(groupR.Bytes())
	h.Write(groupPub)
	h.Write(msg)
	return edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
}

func participantSet(commitments map[uint8][]byte) []uint8 {
	out := make([]uint8, 0, len(commitments))
	for index := range commitments {
		out = append(out, index)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// lagrangeCoefficient computes λ_i = Π_{j≠i} j / (j - i) over the signing set,
// evaluated at zero.
func lagrangeCoefficient(index uint8, set []uint8) (*edwards25519.Scalar, error) {
	num := scalarFromUint64(1)
	den := scalarFromUint64(1)
	xi := scalarFromUint64(uint64(index))
	for _, j := range set {
		if j == index {
			continue
		}
		xj := scalarFromUint64(uint64(j))
		num.Multiply(num, xj)
		diff := edwards25519.NewScalar().Subtract(xj, xi)
		den.Multiply(den, diff)
	}
	denInv := edwards25519.NewScalar().Invert(den)
	return num.Multiply(num, denInv), nil
}
