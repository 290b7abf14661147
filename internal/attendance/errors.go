package attendance

import "errors"

var (
	// ErrBadRequest rejects a malformed batch before any write.
	ErrBadRequest = errors.New("bad request")
	// ErrParse marks an item with no recognizable 9-digit student id.
	ErrParse = errors.New("unrecognized scan payload")
	// ErrScanningClosed rejects a whole batch for a period that is not open for admission.
	ErrScanningClosed = errors.New("scanning closed for period")
	// ErrStorage reports a systemic persistence failure; nothing in the batch was recorded.
	ErrStorage = errors.New("storage unavailable")
)
