package serp

// StatusClass is the interpretation of a task-level remote status code.
type StatusClass int

const (
	StatusFailed StatusClass = iota
	StatusReady
	StatusCreated
	StatusProcessing
	StatusQueued
	StatusNotFound
)

// Remote status codes.
const (
	CodeOK         = 20000
	CodeCreated    = 20100
	CodeNotFound   = 40400
	CodeProcessing = 40601
	CodeQueued     = 40602
)

// Classify maps a remote status code to its class. Codes not documented as
// pending or ready are failures.
func Classify(code int) StatusClass {
	switch code {
	case CodeOK:
		return StatusReady
	case CodeCreated:
		return StatusCreated
	case CodeProcessing:
		return StatusProcessing
	case CodeQueued:
		return StatusQueued
	case CodeNotFound:
		return StatusNotFound
	default:
		return StatusFailed
	}
}

// Terminal reports whether polling stops at this class.
func (c StatusClass) Terminal() bool {
	return c == StatusReady || c == StatusFailed
}

func (c StatusClass) String() string {
	switch c {
	case StatusReady:
		return "ready"
	case StatusCreated:
		return "created"
	case StatusProcessing:
		return "processing"
	case StatusQueued:
		return "queued"
	case StatusNotFound:
		return "not_found"
	default:
		return "failed"
	}
}
