package protocol

import "fmt"

const (
	uint8Size  = 1
	uint32Size = 4

	// HeaderSize is the fixed preamble carried by every request:
	// packetSize, requestID, cmdCode, each a uint32.
	HeaderSize = 3 * uint32Size
)

// CmdCode identifies a debugger operation on the wire. Value 0 is reserved
// so that a zero value is never mistaken for a valid command.
type CmdCode uint32

const (
	CmdStop       CmdCode = 1
	CmdContinue   CmdCode = 2
	CmdThreads    CmdCode = 3
	CmdStacktrace CmdCode = 4
	CmdVariables  CmdCode = 5
	CmdStep       CmdCode = 6

	CmdExitChannel CmdCode = 122
)

var cmdCodeNames = map[CmdCode]string{
	CmdStop:        "STOP",
	CmdContinue:    "CONTINUE",
	CmdThreads:     "THREADS",
	CmdStacktrace:  "STACKTRACE",
	CmdVariables:   "VARIABLES",
	CmdStep:        "STEP",
	CmdExitChannel: "EXIT_CHANNEL",
}

func (c CmdCode) String() string {
	if name, ok := cmdCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CmdCode(%d)", uint32(c))
}

// StepType selects the granularity of a STEP request. Encoded as one byte.
type StepType uint8

const (
	StepNone StepType = 0
	StepLine StepType = 1
	StepOut  StepType = 2
	StepOver StepType = 3
)

// Valid reports whether s is one of the defined step types.
func (s StepType) Valid() bool { return s <= StepOver }

var stepTypeNames = [...]string{"NONE", "LINE", "OUT", "OVER"}

func (s StepType) String() string {
	if s.Valid() {
		return stepTypeNames[s]
	}
	return fmt.Sprintf("StepType(%d)", uint8(s))
}

// VariablesFlags are the request flags of a VARIABLES command.
// All values must fit in 8 bits.
type VariablesFlags uint8

const (
	// GetChildKeys asks for the keys inside a container variable.
	GetChildKeys VariablesFlags = 0x01
)

// Codec writes primitive values to the connection's outbound stream and
// hands out request identifiers. It is implemented by the connection owner
// (pkg/client); this package only consumes it.
type Codec interface {
	// NextRequestID returns a fresh identifier, unique and monotonically
	// increasing within the connection's lifetime.
	NextRequestID() uint32

	// The write methods return the number of bytes appended to the stream.
	WriteUint32(v uint32) (int, error)
	WriteByte(b byte) (int, error)

	// WriteString appends the UTF-8 bytes of s followed by a NUL
	// terminator. The terminator is counted in the returned length.
	WriteString(s string) (int, error)
}
