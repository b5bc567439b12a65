package policy

import "errors"

// ErrUnknownRole is returned by ForRole for a role with no defined
// capability set.
var ErrUnknownRole = errors.New("unknown role")
