package privilege

// Features that only work when the monitor runs elevated. Reading the
// Windows Security event log needs Administrators or Event Log Readers.
const (
	FeatureSecurityLog = "securitylog"
)

var elevatedFeatures = map[string]bool{
	FeatureSecurityLog: true,
}

// RequiresElevation returns true if the feature needs admin privileges.
func RequiresElevation(feature string) bool {
	return elevatedFeatures[feature]
}

// MissingFor returns the features from the given list that will degrade
// because the process is not elevated.
func MissingFor(features ...string) []string {
	if IsElevated() {
		return nil
	}
	var missing []string
	for _, f := range features {
		if RequiresElevation(f) {
			missing = append(missing, f)
		}
	}
	return missing
}
