package court

import "errors"

var (
	// ErrUnknownCategory is returned for category names outside the supported set.
	ErrUnknownCategory = errors.New("unknown case category")
	// ErrNotFound is returned when a case or log entry does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDiscovery marks a search that produced no usable results page.
	ErrDiscovery = errors.New("case discovery failed")
	// ErrBlocked is returned by a run that could not get past token acquisition or discovery.
	ErrBlocked = errors.New("scrape run blocked")
	// ErrRunInProgress is returned when a run for the same category is already active.
	ErrRunInProgress = errors.New("scrape run already in progress")
)
