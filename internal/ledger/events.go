package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeResult holds the events accepted from a receipt and a count of the
// logs that were skipped.
type DecodeResult struct {
	Certificates []IssuedCertificate
	Skipped      int
}

// DecodeCertificateIssued extracts CertificateIssued events emitted by
// contract from receipt. Logs from other addresses, other event names or with
// an unparsable payload are skipped rather than treated as errors.
func DecodeCertificateIssued(receipt *Receipt, contract string) DecodeResult {
	var result DecodeResult
	if receipt == nil {
		return result
	}
	for _, log := range receipt.Logs {
		event, err := decodeLog(log, contract)
		if err != nil {
			result.Skipped++
			continue
		}
		result.Certificates = append(result.Certificates, IssuedCertificate{
			CertificateIssued: *event,
			TxHash:            receipt.TxHash,
			BlockNumber:       receipt.BlockNumber,
			LogIndex:          log.LogIndex,
		})
	}
	return result
}

func decodeLog(log Log, contract string) (*CertificateIssued, error) {
	if !SameAddress(log.Address, contract) {
		return nil, fmt.Errorf("log from foreign address %s", log.Address)
	}
	if log.Event != EventCertificateIssued {
		return nil, fmt.Errorf("unexpected event %q", log.Event)
	}
	var event CertificateIssued
	if err := json.Unmarshal(log.Data, &event); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", log.Event, err)
	}
	if event.TokenID == "" || event.UniqueHash == "" || event.ProjectID == "" {
		return nil, fmt.Errorf("incomplete %s payload", log.Event)
	}
	return &event, nil
}

// SameAddress compares ledger addresses ignoring case and surrounding space.
func SameAddress(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}
