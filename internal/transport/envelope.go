package transport

// Fixed tokens of the script transfer envelope.
const (
	// BeginScript opens a script body; the script name follows after a space.
	BeginScript = "begin script"
	// EndScript closes the script body.
	EndScript = "end script"
	// CompletionQuery is appended to EndScript on the same line and makes
	// the node answer once everything before it has been processed.
	CompletionQuery = ` waitcomplete() print("OPC")`
	// CompletionSentinel prefixes the reply produced by CompletionQuery.
	CompletionSentinel = "OPC"
)
