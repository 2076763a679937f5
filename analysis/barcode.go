package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// BarcodeLookuper resolves a barcode to product information
type BarcodeLookuper interface {
	LookupBarcode(ctx context.Context, code string) (*ProductInfo, error)
}

// BarcodeService validates codes and normalizes lookup results
type BarcodeService struct {
	lookup BarcodeLookuper
	logger *zap.Logger
}

// NewBarcodeService creates a barcode service
func NewBarcodeService(lookup BarcodeLookuper, logger *zap.Logger) *BarcodeService {
	return &BarcodeService{lookup: lookup, logger: logger}
}

// Lookup returns the product for code, ErrProductNotFound when the
// database has no match, or ErrInvalidBarcode for malformed input
func (s *BarcodeService) Lookup(ctx context.Context, code string) (Food, error) {
	code = strings.TrimSpace(code)
	if !ValidBarcode(code) {
		return Food{}, fmt.Errorf("%w: %q", ErrInvalidBarcode, code)
	}

	info, err := s.lookup.LookupBarcode(ctx, code)
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) && strings.Contains(strings.ToLower(remote.Message), "not found") {
			err = ErrProductNotFound
		}
		if errors.Is(err, ErrProductNotFound) {
			s.logger.Info("Barcode not found", zap.String("barcode", code))
			return Food{}, ErrProductNotFound
		}
		return Food{}, fmt.Errorf("barcode lookup failed: %w", err)
	}
	if info == nil {
		return Food{}, ErrProductNotFound
	}
	return Normalize(info), nil
}

// ValidBarcode accepts EAN-8, UPC-A, EAN-13 and GTIN-14 codes with a
// correct check digit
func ValidBarcode(code string) bool {
	switch len(code) {
	case 8, 12, 13, 14:
	default:
		return false
	}

	sum := 0
	for i := 0; i < len(code)-1; i++ {
		c := code[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		// Weights alternate 3,1 from the digit next to the check digit.
		if (len(code)-2-i)%2 == 0 {
			d *= 3
		}
		sum += d
	}

	last := code[len(code)-1]
	if last < '0' || last > '9' {
		return false
	}
	return (10-sum%10)%10 == int(last-'0')
}
