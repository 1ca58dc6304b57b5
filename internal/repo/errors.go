package repo

import "errors"

// ErrNoRows is returned by lookups when the entity does not exist.
// Callers translate it into their own not-found error.
var ErrNoRows = errors.New("entity not found")
