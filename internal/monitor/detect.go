// Package monitor checks tracked items for price changes, records
// observations and raises price-drop alerts.
package monitor

// ShouldAlert reports whether moving from old to new crosses into an alert:
// a known previous price, a strict drop, and a target that new meets.
func ShouldAlert(old *float64, new float64, target *float64) bool {
	if old == nil || target == nil {
		return false
	}
	return new < *old && new <= *target
}
