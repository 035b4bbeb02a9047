package model

import "io"

// Upload is an artifact selected by the user, handed to the upload pipeline
type Upload struct {
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// UploadJobForm holds the multipart form fields accompanying the file
type UploadJobForm struct {
	FileName string `validate:"required,max=255"`
	Size     int64  `validate:"gt=0"`
}

// JobListResponse is returned by GET /api/jobs
type JobListResponse struct {
	Jobs  []Job `json:"jobs"`
	Count int   `json:"count"`
}

// AnonymousSignInResponse is returned by POST /auth/anonymous
type AnonymousSignInResponse struct {
	UserID    string `json:"userId"`
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"`
}
