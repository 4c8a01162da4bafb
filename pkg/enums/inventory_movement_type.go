package enums

import "fmt"

// InventoryMovementType classifies an append-only inventory ledger row.
type InventoryMovementType string

const (
	MovementSale       InventoryMovementType = "SALE"
	MovementRestock    InventoryMovementType = "RESTOCK"
	MovementAdjustment InventoryMovementType = "ADJUSTMENT"
)

var validMovementTypes = []InventoryMovementType{
	MovementSale,
	MovementRestock,
	MovementAdjustment,
}

func (m InventoryMovementType) IsValid() bool {
	for _, candidate := range validMovementTypes {
		if candidate == m {
			return true
		}
	}
	return false
}

// ParseInventoryMovementType converts raw input into InventoryMovementType.
func ParseInventoryMovementType(value string) (InventoryMovementType, error) {
	for _, candidate := range validMovementTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid inventory movement type %q", value)
}
