package shared

import "fmt"

// VariantLockKey builds redis keys serialising ledger writes for one variant.
func VariantLockKey(variantID int64) string {
	return fmt.Sprintf("ledger:variant:%d:lock", variantID)
}
