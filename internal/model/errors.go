package model

import "errors"

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrDuplicateTask     = errors.New("task already exists")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrInvalidArtifact   = errors.New("artifact must contain at least one url")
)
