package model

import "errors"

// Job store errors
var (
	ErrJobNotFound     = errors.New("job not found")
	ErrAlreadyTerminal = errors.New("job already terminal")
	ErrInvalidPatch    = errors.New("invalid job update")
)

// Upload pipeline errors
var (
	ErrSignedOut            = errors.New("not signed in")
	ErrInvalidUpload        = errors.New("invalid upload")
	ErrFileTooLarge         = errors.New("file too large")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrUploadFailed         = errors.New("upload failed")
	ErrJobCreateFailed      = errors.New("job create failed")
)

// ErrSubscriptionLost is reported when a snapshot feed ends unexpectedly
var ErrSubscriptionLost = errors.New("subscription lost")
