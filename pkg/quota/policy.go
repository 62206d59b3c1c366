// Package quota implements the admission policy for uploads, downloads and
// deletions. The policy is a pure function of the caller-supplied facts; it
// performs no I/O and holds no state.
package quota

const (
	// MetafileThreshold is the grace window for meta-file overwrites when the
	// storage quota is exhausted. Clients must still be able to rewrite their
	// (small) index files, otherwise a full account can never shrink again.
	MetafileThreshold = 150 * 1024

	// TrafficThreshold is the hard monthly download cap in bytes.
	TrafficThreshold = 100 * 1024 * 1024 * 1024
)

// Upload decides whether an upload is admitted.
//
// quotaReached is true when the user's stored bytes plus the new file exceed
// their quota. sizeChange is the net growth over the object being replaced
// (new size minus old size, old size 0 when the object is new). isBlock is
// true for objects below block/, isOverwrite when the key already exists.
func Upload(quotaReached bool, sizeChange int64, isBlock, isOverwrite bool) bool {
	if !quotaReached {
		return true
	}
	if isBlock {
		return false
	}
	return isOverwrite && sizeChange < MetafileThreshold
}

// Download decides whether a download is admitted given the bytes already
// served for the owner this month.
func Download(currentTraffic int64) bool {
	return currentTraffic <= TrafficThreshold
}

// Delete decides whether a deletion is admitted. Deletions only ever reduce
// usage, so they always are.
func Delete() bool {
	return true
}
