package domain

// UploadTarget is returned by the upload issuer: a signed URL the client PUTs the raw
// image to, and the object id the image will be known by.
type UploadTarget struct {
	Target   string `json:"target"`
	Filename string `json:"filename"`
}

// UploadResponse is returned after a raw image has been received.
type UploadResponse struct {
	Filename string       `json:"filename"`
	Keys     []ContentKey `json:"keys"`
}

// TransformRequest is the body of a batch transform request.
// An empty list selects the configured default transformations.
type TransformRequest struct {
	Transformations []TransformSpec `json:"transformations"`
}

// TransformResponse lists the content keys of a batch, aligned with the request.
type TransformResponse struct {
	Keys []ContentKey `json:"keys"`
}

// ErrorResponse is the body of a failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
