package cryptoutils

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
)

const (
	// SignedAttestation proofs carry a secp256k1 signature of a trusted
	// attestation authority over the proof digest.
	SignedAttestation = "authority-signed"

	// DCAPAttestation proofs carry a raw TDX quote whose report data commits
	// to the proof public key and expiry.
	DCAPAttestation = "qemu-tdx"
)

var proofDomain = []byte("enclave-rpc identity proof")

var (
	ErrUnsupportedAttestation = errors.New("unsupported attestation type")
	ErrUntrustedAuthority     = errors.New("proof not signed by a trusted authority")
)

// ProofDigest is the message signed by attestation authorities.
func ProofDigest(proof interfaces.IdentityProof) []byte {
	var expiry [8]byte
	binary.BigEndian.PutUint64(expiry[:], proof.ExpiresAt)
	return crypto.Keccak256(proofDomain, proof.PublicKey, proof.Measurement[:], expiry[:])
}

// SignProof fills in the authority signature of proof.
func SignProof(proof interfaces.IdentityProof, authority *ecdsa.PrivateKey) (interfaces.IdentityProof, error) {
	proof = proof.Copy()
	proof.AttestationType = SignedAttestation
	sig, err := crypto.Sign(ProofDigest(proof), authority)
	if err != nil {
		return interfaces.IdentityProof{}, fmt.Errorf("failed to sign proof: %w", err)
	}
	proof.Signature = sig
	return proof, nil
}

// SignedProofVerifier accepts proofs signed by one of a fixed set of authorities.
type SignedProofVerifier struct {
	authorities map[common.Address]struct{}
}

func NewSignedProofVerifier(authorities ...common.Address) *SignedProofVerifier {
	v := &SignedProofVerifier{authorities: make(map[common.Address]struct{}, len(authorities))}
	for _, a := range authorities {
		v.authorities[a] = struct{}{}
	}
	return v
}

func (v *SignedProofVerifier) VerifyProof(proof interfaces.IdentityProof) error {
	if proof.AttestationType != SignedAttestation {
		return fmt.Errorf("%w: %q", ErrUnsupportedAttestation, proof.AttestationType)
	}
	if len(proof.Signature) != crypto.SignatureLength {
		return fmt.Errorf("invalid signature length %d", len(proof.Signature))
	}

	pub, err := crypto.SigToPub(ProofDigest(proof), proof.Signature)
	if err != nil {
		return fmt.Errorf("could not recover signer: %w", err)
	}
	signer := crypto.PubkeyToAddress(*pub)
	if _, ok := v.authorities[signer]; !ok {
		return fmt.Errorf("%w: %s", ErrUntrustedAuthority, signer.Hex())
	}
	return nil
}

// DCAPReportData is the report data a TDX quote must carry for proof.
func DCAPReportData(proof interfaces.IdentityProof) [64]byte {
	var expiry [8]byte
	binary.BigEndian.PutUint64(expiry[:], proof.ExpiresAt)

	var reportData [64]byte
	h := sha256.New()
	h.Write(proof.PublicKey)
	h.Write(expiry[:])
	copy(reportData[:], h.Sum(nil))
	return reportData
}

// DCAPMeasurement condenses the TD measurement registers into the proof measurement.
func DCAPMeasurement(body *tdx_pb.TDQuoteBody) interfaces.Measurement {
	parts := [][]byte{body.MrTd}
	parts = append(parts, body.Rtmrs...)
	return interfaces.Measurement(crypto.Keccak256Hash(parts...))
}

// DCAPProofVerifier verifies TDX quotes carried in the proof signature field.
type DCAPProofVerifier struct {
	// Options defaults to verify.DefaultOptions().
	Options *verify.Options
}

func (v *DCAPProofVerifier) VerifyProof(proof interfaces.IdentityProof) error {
	if proof.AttestationType != DCAPAttestation {
		return fmt.Errorf("%w: %q", ErrUnsupportedAttestation, proof.AttestationType)
	}

	protoQuote, err := tdx_abi.QuoteToProto(proof.Signature)
	if err != nil {
		return fmt.Errorf("could not parse quote: %w", err)
	}

	quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return fmt.Errorf("unsupported quote type: %T", protoQuote)
	}

	options := v.Options
	if options == nil {
		options = verify.DefaultOptions()
	}
	if err := verify.TdxQuote(protoQuote, options); err != nil {
		return fmt.Errorf("quote verification failed: %w", err)
	}

	expected := DCAPReportData(proof)
	if !bytes.Equal(quote.TdQuoteBody.ReportData, expected[:]) {
		return fmt.Errorf("invalid report data %x, expected %x", quote.TdQuoteBody.ReportData, expected[:])
	}

	if measurement := DCAPMeasurement(quote.TdQuoteBody); measurement != proof.Measurement {
		return fmt.Errorf("quote measurement %s does not match proof measurement %s", measurement, proof.Measurement)
	}
	return nil
}

// VerifierSet dispatches on the proof attestation type.
type VerifierSet map[string]interfaces.ProofVerifier

func (s VerifierSet) VerifyProof(proof interfaces.IdentityProof) error {
	v, ok := s[proof.AttestationType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedAttestation, proof.AttestationType)
	}
	return v.VerifyProof(proof)
}

// VerifyPeerProof applies the full handshake policy to a peer proof: shape,
// expiry, measurement whitelist and signature. Every failure is a handshake error.
func VerifyPeerProof(verifier interfaces.ProofVerifier, proof interfaces.IdentityProof, whitelist []interfaces.Measurement, now time.Time) error {
	if err := proof.Validate(); err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrHandshake, err)
	}
	if proof.Expired(now) {
		expiry, _ := proof.Expiry()
		return fmt.Errorf("%w: peer proof expired at %s", interfaces.ErrHandshake, expiry.UTC().Format(time.RFC3339))
	}
	if !(interfaces.Target{Whitelist: whitelist}).Allows(proof.Measurement) {
		return fmt.Errorf("%w: measurement %s not whitelisted", interfaces.ErrHandshake, proof.Measurement)
	}
	if err := verifier.VerifyProof(proof); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrHandshake, err)
	}
	return nil
}
