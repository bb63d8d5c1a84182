package entities

// Operation names understood by the built-in providers and by actors.
const (
	// OpWriteLog is sent by actors to the logging provider.
	OpWriteLog = "WriteLog"

	// OpHandleRequest is dispatched by the HTTP server provider to actors.
	OpHandleRequest = "HandleRequest"

	// Blob storage operations sent by actors.
	OpCreateContainer = "CreateContainer"
	OpRemoveContainer = "RemoveContainer"
	OpStartUpload     = "StartUpload"
	OpUploadChunk     = "UploadChunk"
	OpGetObjectInfo   = "GetObjectInfo"
	OpRemoveObject    = "RemoveObject"
	OpStartDownload   = "StartDownload"

	// OpReceiveChunk is dispatched by the blob storage provider to actors
	// while serving a download.
	OpReceiveChunk = "ReceiveChunk"
)

// HostCall is the JSON wire format of a guest's call into a linked provider.
type HostCall struct {
	Binding   string `json:"binding,omitempty"`
	Namespace string `json:"namespace" validate:"required"`
	Operation string `json:"operation" validate:"required"`
	Payload   []byte `json:"payload,omitempty"`
}

// CallResult is the JSON wire format for the outcome of any call crossing
// the guest boundary, in either direction.
type CallResult struct {
	Error   *ErrorDetail `json:"error,omitempty"`
	Payload []byte       `json:"payload,omitempty"`
}

// GuestCall is the JSON wire format of a call dispatched into an actor.
type GuestCall struct {
	Operation string `json:"operation"`
	Payload   []byte `json:"payload,omitempty"`
}

// ConsoleLog is the JSON wire format of a guest's console log line.
type ConsoleLog struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// WriteLogArgs is the payload of OpWriteLog.
type WriteLogArgs struct {
	Level  string `json:"level"`
	Target string `json:"target,omitempty"`
	Text   string `json:"text"`
}

// HTTPRequest is the payload of OpHandleRequest.
type HTTPRequest struct {
	Header      map[string][]string `json:"header,omitempty"`
	Method      string              `json:"method"`
	Path        string              `json:"path"`
	QueryString string              `json:"query_string,omitempty"`
	Body        []byte              `json:"body,omitempty"`
}

// HTTPResponse is the reply an actor returns for OpHandleRequest.
type HTTPResponse struct {
	Header     map[string][]string `json:"header,omitempty"`
	Status     string              `json:"status,omitempty"`
	Body       []byte              `json:"body,omitempty"`
	StatusCode int                 `json:"status_code"`
}

// BlobContainer names a blob store container.
type BlobContainer struct {
	ID string `json:"id"`
}

// Blob describes a stored object. A missing object is reported with ID
// set to MissingBlobID.
type Blob struct {
	ID        string `json:"id"`
	Container string `json:"container"`
	Size      uint64 `json:"size"`
}

// MissingBlobID marks a Blob reply for an object that does not exist.
const MissingBlobID = "none"

// BlobRequest addresses a single object.
type BlobRequest struct {
	ID          string `json:"id"`
	ContainerID string `json:"container_id"`
}

// StreamRequest asks the provider to stream an object back to the actor.
type StreamRequest struct {
	ID          string `json:"id"`
	ContainerID string `json:"container_id"`
	ChunkSize   uint64 `json:"chunk_size,omitempty"`
}

// FileChunk carries one piece of an upload or download.
type FileChunk struct {
	Container  BlobContainer `json:"container"`
	ID         string        `json:"id"`
	Context    string        `json:"context,omitempty"`
	ChunkBytes []byte        `json:"chunk_bytes,omitempty"`
	SequenceNo uint64        `json:"sequence_no"`
	TotalBytes uint64        `json:"total_bytes"`
	ChunkSize  uint64        `json:"chunk_size"`
}
