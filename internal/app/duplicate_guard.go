package app

import (
	"sort"
	"strings"

	"github.com/courtpay/ledger-service/internal/domain"
)

// serviceRequestKey derives the canonical duplicate-guard key for a
// group-creation request. Two requests that differ only in fee ordering,
// whitespace or letter case produce the same key, so retries and double-clicks
// collapse onto one admission inside the recency window.
func serviceRequestKey(payload domain.CreatePaymentGroupPayload) string {
	seen := make(map[string]struct{}, len(payload.Fees))
	codes := make([]string, 0, len(payload.Fees))
	for _, f := range payload.Fees {
		code := strings.ToUpper(strings.TrimSpace(f.Code))
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	sort.Strings(codes)

	parts := []string{
		strings.TrimSpace(payload.CcdCaseNumber),
		strings.ToLower(strings.TrimSpace(payload.Service)),
		strings.Join(codes, ","),
	}
	return strings.Join(parts, "|")
}
