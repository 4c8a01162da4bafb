package enums

// AlertLevel is the severity attached to an operational alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

func (a AlertLevel) IsValid() bool {
	switch a {
	case AlertInfo, AlertWarning, AlertCritical:
		return true
	}
	return false
}
