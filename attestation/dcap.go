package attestation

import (
	"bytes"
	"fmt"
	"time"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"

	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

// DCAPProvider produces Intel TDX DCAP quotes through the configfs TSM
// interface, falling back to the legacy /dev/tdx_guest device.
type DCAPProvider struct{}

func (DCAPProvider) TEEKind() interfaces.TEEKind { return interfaces.TEEKindTDX }

func (DCAPProvider) Attest(reportData [64]byte) (interfaces.AttestationEvidence, error) {
	rawQuote, err := rawTDXQuote(reportData)
	if err != nil {
		return interfaces.AttestationEvidence{}, err
	}
	return EvidenceFromRawQuote(rawQuote)
}

func rawTDXQuote(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// EvidenceFromRawQuote parses a raw TDX quote into the canonical
// evidence record. The quote itself becomes the opaque vendor proof;
// MRTD becomes the measurement and the leading TEE TCB SVN byte the TCB
// version. The timestamp is the parse time: quotes carry no issuance
// time of their own, so freshness is enforced from the moment the
// evidence entered this process.
func EvidenceFromRawQuote(rawQuote []byte) (interfaces.AttestationEvidence, error) {
	body, err := tdxQuoteBody(rawQuote)
	if err != nil {
		return interfaces.AttestationEvidence{}, err
	}

	measurement, err := interfaces.NewMeasurementFromHex(fmt.Sprintf("%x", body.MrTd))
	if err != nil {
		return interfaces.AttestationEvidence{}, fmt.Errorf("quote MRTD malformed: %w", err)
	}

	var tcbVersion uint32
	if len(body.TeeTcbSvn) > 0 {
		tcbVersion = uint32(body.TeeTcbSvn[0])
	}

	return interfaces.AttestationEvidence{
		TEEKind:     interfaces.TEEKindTDX,
		Measurement: measurement,
		VendorProof: rawQuote,
		TCBVersion:  tcbVersion,
		Timestamp:   time.Now().Unix(),
	}, nil
}

func tdxQuoteBody(rawQuote []byte) (*tdx_pb.TDQuoteBody, error) {
	protoQuote, err := tdx_abi.QuoteToProto(rawQuote)
	if err != nil {
		return nil, fmt.Errorf("could not parse quote: %w", err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("unsupported quote type: %T", protoQuote)
	}
	return v4Quote.TdQuoteBody, nil
}

// DCAPChecker validates TDX quotes against Intel's collateral chain and
// checks the quote's binding to the expected report data and to the
// canonical evidence fields.
type DCAPChecker struct {
	// Options overrides the verification options; nil uses the
	// defaults (full collateral chain validation).
	Options *verify.Options
}

func (c *DCAPChecker) TEEKind() interfaces.TEEKind { return interfaces.TEEKindTDX }

func (c *DCAPChecker) CheckProof(evidence interfaces.AttestationEvidence, reportData [64]byte) error {
	protoQuote, err := tdx_abi.QuoteToProto(evidence.VendorProof)
	if err != nil {
		return fmt.Errorf("could not parse quote: %w", err)
	}

	options := c.Options
	if options == nil {
		options = verify.DefaultOptions()
	}
	if err := verify.TdxQuote(protoQuote, options); err != nil {
		return fmt.Errorf("quote verification failed: %w", err)
	}

	body, err := tdxQuoteBody(evidence.VendorProof)
	if err != nil {
		return err
	}

	if !bytes.Equal(body.ReportData, reportData[:]) {
		return fmt.Errorf("quote bound to report data %x, expected %x", body.ReportData, reportData[:])
	}

	// The canonical record must not claim anything the quote does not.
	if !bytes.Equal(body.MrTd, evidence.Measurement[:]) {
		return fmt.Errorf("quote MRTD %x does not match claimed measurement %s", body.MrTd, evidence.Measurement)
	}
	if len(body.TeeTcbSvn) > 0 && uint32(body.TeeTcbSvn[0]) != evidence.TCBVersion {
		return fmt.Errorf("quote TCB SVN %d does not match claimed version %d", body.TeeTcbSvn[0], evidence.TCBVersion)
	}

	return nil
}
