package rules

import "log/slog"

// DefaultRules builds the five stock rules with their default
// configurations. Defaults are validated at construction, so errors here
// indicate a programming mistake rather than operator input.
func DefaultRules() ([]Rule, error) {
	excessive, err := NewExcessiveAmountRule(DefaultExcessiveAmountConfig())
	if err != nil {
		return nil, err
	}
	duplicate, err := NewDuplicateReceiptRule(DefaultDuplicateReceiptConfig())
	if err != nil {
		return nil, err
	}
	tripDates, err := NewOutsideTripDatesRule(DefaultOutsideTripDatesConfig())
	if err != nil {
		return nil, err
	}
	merchant, err := NewSuspiciousMerchantRule(DefaultSuspiciousMerchantConfig())
	if err != nil {
		return nil, err
	}
	frequency, err := NewFrequentSubmissionRule(DefaultFrequentSubmissionConfig())
	if err != nil {
		return nil, err
	}

	return []Rule{excessive, duplicate, tripDates, merchant, frequency}, nil
}

// NewDefaultDetector creates a detector pre-loaded with the stock rules.
func NewDefaultDetector(logger *slog.Logger, opts ...DetectorOption) (*Detector, error) {
	detector := NewDetector(logger, opts...)
	stock, err := DefaultRules()
	if err != nil {
		return nil, err
	}
	for _, rule := range stock {
		if err := detector.Register(rule); err != nil {
			return nil, err
		}
	}
	return detector, nil
}
