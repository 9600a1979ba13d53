package credentials

import "errors"

var (
	ErrMalformedKey         = errors.New("malformed service account key")
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")
)
