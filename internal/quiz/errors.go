package quiz

import "errors"

// ErrInvalidQuestion rejects submissions naming a question the bank does
// not have. The gateway turns it into the client-facing error text.
var ErrInvalidQuestion = errors.New("invalid question number")
