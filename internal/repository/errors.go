package repository

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	task, err := repo.GetByID(ctx, id)
//	if errors.Is(err, repository.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict names a unique-constraint violation. No repository in this
// package returns it: every upsert resolves key conflicts with an
// ON CONFLICT update instead.
var ErrConflict = errors.New("record already exists")
