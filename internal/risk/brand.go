package risk

import (
	"strconv"
	"strings"
)

// Card brands recognized by the scorer.
const (
	BrandVisa       = "visa"
	BrandMastercard = "mastercard"
	BrandAmex       = "amex"
	BrandDiscover   = "discover"
	BrandJCB        = "jcb"
	BrandDiners     = "diners"
	BrandUnknown    = "unknown"
)

// DetectBrand classifies a card number by its issuer prefix.
// Spaces and dashes are ignored; anything unmatched is BrandUnknown.
func DetectBrand(pan string) string {
	digits := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, pan)

	if len(digits) < 12 || len(digits) > 19 {
		return BrandUnknown
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return BrandUnknown
		}
	}

	p2 := prefix(digits, 2)
	p3 := prefix(digits, 3)
	p4 := prefix(digits, 4)

	switch {
	case digits[0] == '4':
		return BrandVisa
	case p2 == 34 || p2 == 37:
		return BrandAmex
	case (p2 >= 51 && p2 <= 55) || (p4 >= 2221 && p4 <= 2720):
		return BrandMastercard
	case p4 == 6011 || p2 == 65 || (p3 >= 644 && p3 <= 649):
		return BrandDiscover
	case p4 >= 3528 && p4 <= 3589:
		return BrandJCB
	case (p3 >= 300 && p3 <= 305) || p2 == 36 || p2 == 38:
		return BrandDiners
	default:
		return BrandUnknown
	}
}

func prefix(digits string, n int) int {
	v, _ := strconv.Atoi(digits[:n])
	return v
}
