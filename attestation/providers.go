package attestation

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

// Provider produces attestation evidence for the environment it runs
// in. Each variant is explicitly selected by configuration; there is no
// silent fallback between variants, so test and production setups are
// never confusable.
type Provider interface {
	TEEKind() interfaces.TEEKind

	// Attest produces evidence bound to the given report data.
	Attest(reportData [64]byte) (interfaces.AttestationEvidence, error)
}

// SessionReportData computes the report data binding evidence to one
// session: the session id in the leading bytes, followed by a hash of
// the id and the backend kind. Evidence quoted for one session fails
// verification on any other.
func SessionReportData(sessionID uuid.UUID, kind interfaces.BackendKind) [64]byte {
	var reportData [64]byte
	binding := sha256.Sum256(append([]byte(kind), sessionID[:]...))
	copy(reportData[:16], sessionID[:])
	copy(reportData[16:], binding[:])
	return reportData
}

// mockProofDigest is the message a mock proof signs: every evidence
// field plus the report data, so tampering with any of them invalidates
// the signature.
func mockProofDigest(evidence interfaces.AttestationEvidence, reportData [64]byte) []byte {
	var tcb [4]byte
	binary.BigEndian.PutUint32(tcb[:], evidence.TCBVersion)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(evidence.Timestamp))
	return crypto.Keccak256(
		[]byte(evidence.TEEKind),
		evidence.Measurement[:],
		tcb[:],
		ts[:],
		reportData[:],
	)
}

// MockProvider produces development evidence signed with a secp256k1
// key derived from a seed. It must be selected explicitly in
// configuration together with a MockChecker trusting its signer.
type MockProvider struct {
	key         *ecdsa.PrivateKey
	measurement interfaces.Measurement
	tcbVersion  uint32

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewMockProvider derives the signing key from the seed via HKDF and
// fixes the measurement and TCB version this provider claims.
func NewMockProvider(seed []byte, measurement interfaces.Measurement, tcbVersion uint32) (*MockProvider, error) {
	if len(seed) < 16 {
		return nil, fmt.Errorf("mock provider seed must be at least 16 bytes")
	}

	keyMaterial := make([]byte, 32)
	kdf := hkdf.New(sha256.New, seed, nil, []byte("mock-attestation-signing-key"))
	if _, err := io.ReadFull(kdf, keyMaterial); err != nil {
		return nil, fmt.Errorf("could not derive signing key: %w", err)
	}

	key, err := crypto.ToECDSA(keyMaterial)
	if err != nil {
		return nil, fmt.Errorf("derived key material is not a valid key: %w", err)
	}

	return &MockProvider{
		key:         key,
		measurement: measurement,
		tcbVersion:  tcbVersion,
		Now:         time.Now,
	}, nil
}

func (p *MockProvider) TEEKind() interfaces.TEEKind { return interfaces.TEEKindMock }

// SignerAddress returns the address a MockChecker must trust to accept
// this provider's evidence.
func (p *MockProvider) SignerAddress() ethcommon.Address {
	return crypto.PubkeyToAddress(p.key.PublicKey)
}

func (p *MockProvider) Attest(reportData [64]byte) (interfaces.AttestationEvidence, error) {
	evidence := interfaces.AttestationEvidence{
		TEEKind:     interfaces.TEEKindMock,
		Measurement: p.measurement,
		TCBVersion:  p.tcbVersion,
		Timestamp:   p.Now().Unix(),
	}

	sig, err := crypto.Sign(mockProofDigest(evidence, reportData), p.key)
	if err != nil {
		return interfaces.AttestationEvidence{}, fmt.Errorf("could not sign mock evidence: %w", err)
	}
	evidence.VendorProof = sig
	return evidence, nil
}

// MockChecker validates mock proofs by recovering the signer and
// comparing against the configured set of trusted signer addresses.
type MockChecker struct {
	TrustedSigners []ethcommon.Address
}

func (c *MockChecker) TEEKind() interfaces.TEEKind { return interfaces.TEEKindMock }

func (c *MockChecker) CheckProof(evidence interfaces.AttestationEvidence, reportData [64]byte) error {
	if len(evidence.VendorProof) != crypto.SignatureLength {
		return fmt.Errorf("malformed mock proof: %d bytes", len(evidence.VendorProof))
	}

	pubkey, err := crypto.SigToPub(mockProofDigest(evidence, reportData), evidence.VendorProof)
	if err != nil {
		return fmt.Errorf("could not recover signer: %w", err)
	}

	signer := crypto.PubkeyToAddress(*pubkey)
	for _, trusted := range c.TrustedSigners {
		if bytes.Equal(signer[:], trusted[:]) {
			return nil
		}
	}
	return fmt.Errorf("signer %s is not a trusted root", signer)
}

// RemoteQuoteProvider fetches quotes from a quote-provider endpoint,
// for deployments where the quoting device lives outside this process.
type RemoteQuoteProvider struct {
	Address string
	Kind    interfaces.TEEKind
	Client  *http.Client
}

func (p *RemoteQuoteProvider) TEEKind() interfaces.TEEKind { return p.Kind }

func (p *RemoteQuoteProvider) Attest(reportData [64]byte) (interfaces.AttestationEvidence, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	url := fmt.Sprintf("%s/attest/%x", p.Address, reportData)
	resp, err := client.Get(url)
	if err != nil {
		return interfaces.AttestationEvidence{}, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return interfaces.AttestationEvidence{}, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return interfaces.AttestationEvidence{}, fmt.Errorf("reading quote from response: %w", err)
	}

	return EvidenceFromRawQuote(rawQuote)
}
