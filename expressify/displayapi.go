package expressify

const (
	DisplayEndpointPathDisplay = "/expressify.0/display"
	DisplayEndpointPathError   = "/expressify.0/error"
)

// DisplayMessage is sent by a rewritten program each time a display point produces values.
type DisplayMessage struct {
	PointID uint32         `json:"id"`     // display point id (assigned when the rewrite is committed)
	TimeNS  int64          `json:"time"`   // nanoseconds since the process start
	Values  []DisplayValue `json:"values"` // one entry per value the expression yielded
}

// DisplayValue is the rendered form of one displayed value.
type DisplayValue struct {
	Type string `json:"type"` // Go type of the value
	Text string `json:"text"` // %+v formatting, truncated by the client
}

// DisplayErrorMessage is sent when the client fails to deliver a DisplayMessage.
type DisplayErrorMessage struct {
	PointID uint32 `json:"id,omitempty"`
	Message string `json:"msg"`
}
