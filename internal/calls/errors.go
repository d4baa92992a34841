package calls

import "errors"

// ErrCallNotFound reports a command or lookup against a call id that is not
// in the active registry. Shared here so boundary code can match it without
// importing the manager.
var ErrCallNotFound = errors.New("calls: call not found")
