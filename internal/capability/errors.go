package capability

import "fmt"

// AcquisitionError reports that one capability session failed to open.
// Sessions acquired before the failure remain usable for a degraded response.
type AcquisitionError struct {
	Capability Tag
	Err        error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquiring %s capability: %v", e.Capability, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}
