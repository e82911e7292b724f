package memorg

import "errors"

var (
	// ErrConfiguration reports a region that cannot be laid out, such as an
	// unknown counter mode. It is fatal for region initialization.
	ErrConfiguration = errors.New("memorg: invalid region configuration")

	// ErrClassification reports an address that falls into no partition of a
	// region. Addresses produced by this package never trigger it, so seeing
	// it means the caller passed a foreign address.
	ErrClassification = errors.New("memorg: address outside all partitions")

	// ErrNoCounters reports a counter or tree request against a region that
	// keeps no replay counters (an out-of-place region).
	ErrNoCounters = errors.New("memorg: region has no replay counters")
)
