package database

import "errors"

var (
	ErrNotFound               = errors.New("record not found")
	ErrConcurrentModification = errors.New("record was modified concurrently")
	// ErrDuplicateActive means the member already holds an active booking for the occurrence.
	ErrDuplicateActive = errors.New("active booking already exists")
	ErrUsernameTaken   = errors.New("username already taken")
)
