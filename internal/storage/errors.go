package storage

import "errors"

var (
	ErrSubtaskNotFound = errors.New("subtask not found")
	ErrSubtaskExists   = errors.New("subtask already exists")
	ErrSubtaskFinished = errors.New("subtask already finished")
	ErrInvalidData     = errors.New("invalid data")
	ErrStorageInit     = errors.New("storage initialization failed")
	ErrFileOperation   = errors.New("file operation failed")
)
