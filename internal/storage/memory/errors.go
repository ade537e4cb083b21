package memory

import "errors"

var (
	errMissingID = errors.New("item id is required")
	errClosed    = errors.New("listing store closed")
)
