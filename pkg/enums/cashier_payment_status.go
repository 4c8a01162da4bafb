package enums

import "fmt"

// CashierPaymentStatus tracks manual / point-of-sale payments recorded by staff.
type CashierPaymentStatus string

const (
	CashierStatusDeclared   CashierPaymentStatus = "DECLARED"
	CashierStatusVerified   CashierPaymentStatus = "VERIFIED"
	CashierStatusDisputed   CashierPaymentStatus = "DISPUTED"
	CashierStatusVoided     CashierPaymentStatus = "VOIDED"
	CashierStatusReconciled CashierPaymentStatus = "RECONCILED"
)

var validCashierStatuses = []CashierPaymentStatus{
	CashierStatusDeclared,
	CashierStatusVerified,
	CashierStatusDisputed,
	CashierStatusVoided,
	CashierStatusReconciled,
}

// CashierPaymentStatuses returns every known cashier payment status.
func CashierPaymentStatuses() []CashierPaymentStatus {
	out := make([]CashierPaymentStatus, len(validCashierStatuses))
	copy(out, validCashierStatuses)
	return out
}

func (s CashierPaymentStatus) String() string {
	return string(s)
}

func (s CashierPaymentStatus) IsValid() bool {
	for _, candidate := range validCashierStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseCashierPaymentStatus converts raw input into a CashierPaymentStatus.
func ParseCashierPaymentStatus(value string) (CashierPaymentStatus, error) {
	for _, candidate := range validCashierStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid cashier payment status %q", value)
}
