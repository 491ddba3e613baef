package models

import "errors"

var (
	ErrNotFound            = errors.New("experiment not found")
	ErrExperimentNotActive = errors.New("experiment is not active")
	ErrAlreadyRunning      = errors.New("experiment already has an active worker")

	ErrInvalidPrompt   = errors.New("prompt is required")
	ErrInvalidBackend  = errors.New("unsupported model backend")
	ErrInvalidModel    = errors.New("model name is required")
	ErrInvalidLanguage = errors.New("unsupported sandbox language")
)
