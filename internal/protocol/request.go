package protocol

import "fmt"

// Request carries the fields common to every outbound debugger message.
// CallerData is opaque to this layer: it is stored untouched so the caller
// can recover it when the matching response arrives.
//
// The packet size is computed once, at construction, from already-validated
// inputs. The write phase must then produce exactly that many bytes; the
// size field has already gone out by the time the payload is written, so a
// mismatch leaves the stream desynchronized and is treated as a defect
// (panic), never as a recoverable error.
type Request struct {
	cmdCode    CmdCode
	packetSize uint32
	requestID  uint32 // assigned once, at send time
	CallerData any
}

func (r *Request) CmdCode() CmdCode   { return r.cmdCode }
func (r *Request) PacketSize() uint32 { return r.packetSize }

// RequestID returns the identifier assigned when the request was sent,
// or 0 if the request has not been sent yet.
func (r *Request) RequestID() uint32 { return r.requestID }

func (r *Request) String() string {
	s := fmt.Sprintf("%s[reqid=%d,size=%d", r.cmdCode, r.requestID, r.packetSize)
	if r.CallerData != nil {
		s += fmt.Sprintf(",cdata=%v", r.CallerData)
	}
	return s + "]"
}

// Outbound is the closed set of request variants in this package.
type Outbound interface {
	// Send writes the request through c and returns the number of bytes
	// written. It assigns the request identifier as a side effect.
	Send(c Codec) (int, error)

	CmdCode() CmdCode
	PacketSize() uint32
	RequestID() uint32
}

// writeHeader sends the fields common to all requests: packetSize,
// requestID, cmdCode. It allocates this request's identifier from the
// codec's counter, exactly once.
func (r *Request) writeHeader(c Codec) (int, error) {
	r.requestID = c.NextRequestID()
	n := 0
	for _, v := range [...]uint32{r.packetSize, r.requestID, uint32(r.cmdCode)} {
		w, err := c.WriteUint32(v)
		n += w
		if err != nil {
			return n, fmt.Errorf("write header for %s: %w", r.cmdCode, err)
		}
	}
	verifyWritten(HeaderSize, n)
	return n, nil
}

// sendHeaderOnly is the whole send sequence for the no-payload variants.
func (r *Request) sendHeaderOnly(c Codec) (int, error) {
	n, err := r.writeHeader(c)
	if err != nil {
		return n, err
	}
	verifyWritten(int(r.packetSize), n)
	return n, nil
}

// verifyWritten panics when a write phase produced a different byte count
// than the size phase declared. Only called after every write succeeded,
// so a mismatch can only be a sizing bug, not an I/O failure.
func verifyWritten(expected, actual int) {
	if expected != actual {
		panic(fmt.Sprintf("protocol: bad size written: expected=%d actual=%d", expected, actual))
	}
}

func newNoPayloadRequest(code CmdCode, callerData any) Request {
	return Request{cmdCode: code, packetSize: HeaderSize, CallerData: callerData}
}

// StopRequest suspends all threads in the running channel.
type StopRequest struct{ Request }

func NewStopRequest() *StopRequest {
	return &StopRequest{Request: newNoPayloadRequest(CmdStop, nil)}
}

func (r *StopRequest) Send(c Codec) (int, error) { return r.sendHeaderOnly(c) }

// ContinueRequest resumes all stopped threads.
type ContinueRequest struct{ Request }

func NewContinueRequest() *ContinueRequest {
	return &ContinueRequest{Request: newNoPayloadRequest(CmdContinue, nil)}
}

func (r *ContinueRequest) Send(c Codec) (int, error) { return r.sendHeaderOnly(c) }

// ThreadsRequest enumerates all threads on the target.
type ThreadsRequest struct{ Request }

func NewThreadsRequest(callerData any) *ThreadsRequest {
	return &ThreadsRequest{Request: newNoPayloadRequest(CmdThreads, callerData)}
}

func (r *ThreadsRequest) Send(c Codec) (int, error) { return r.sendHeaderOnly(c) }

// ExitChannelRequest tells the target to terminate the channel.
type ExitChannelRequest struct{ Request }

func NewExitChannelRequest() *ExitChannelRequest {
	return &ExitChannelRequest{Request: newNoPayloadRequest(CmdExitChannel, nil)}
}

func (r *ExitChannelRequest) Send(c Codec) (int, error) { return r.sendHeaderOnly(c) }

// StacktraceRequest asks for the stack trace of one stopped thread.
type StacktraceRequest struct {
	Request
	ThreadIndex uint32
}

func NewStacktraceRequest(threadIndex int, callerData any) (*StacktraceRequest, error) {
	if threadIndex < 0 {
		return nil, fmt.Errorf("protocol: stacktrace: negative thread index %d", threadIndex)
	}
	return &StacktraceRequest{
		Request: Request{
			cmdCode:    CmdStacktrace,
			packetSize: HeaderSize + uint32Size,
			CallerData: callerData,
		},
		ThreadIndex: uint32(threadIndex),
	}, nil
}

func (r *StacktraceRequest) Send(c Codec) (int, error) {
	n, err := r.writeHeader(c)
	if err != nil {
		return n, err
	}
	w, err := c.WriteUint32(r.ThreadIndex)
	n += w
	if err != nil {
		return n, fmt.Errorf("write stacktrace payload: %w", err)
	}
	verifyWritten(int(r.packetSize), n)
	return n, nil
}

// StepRequest briefly executes one thread.
type StepRequest struct {
	Request
	ThreadIndex uint32
	StepType    StepType
}

func NewStepRequest(threadIndex int, stepType StepType) (*StepRequest, error) {
	if threadIndex < 0 {
		return nil, fmt.Errorf("protocol: step: negative thread index %d", threadIndex)
	}
	if !stepType.Valid() {
		return nil, fmt.Errorf("protocol: step: invalid step type %d", uint8(stepType))
	}
	return &StepRequest{
		Request: Request{
			cmdCode:    CmdStep,
			packetSize: HeaderSize + uint32Size + uint8Size,
		},
		ThreadIndex: uint32(threadIndex),
		StepType:    stepType,
	}, nil
}

func (r *StepRequest) Send(c Codec) (int, error) {
	n, err := r.writeHeader(c)
	if err != nil {
		return n, err
	}
	w, err := c.WriteUint32(r.ThreadIndex)
	n += w
	if err != nil {
		return n, fmt.Errorf("write step payload: %w", err)
	}
	w, err = c.WriteByte(byte(r.StepType))
	n += w
	if err != nil {
		return n, fmt.Errorf("write step payload: %w", err)
	}
	verifyWritten(int(r.packetSize), n)
	return n, nil
}

// VariablesRequest fetches a variable (or the local scope) reachable from a
// stack frame. The variable path names the traversal from the frame's
// locals to a nested variable; an empty path means the locals themselves.
type VariablesRequest struct {
	Request
	ThreadIndex  uint32
	StackIndex   uint32
	VariablePath []string
	GetChildKeys bool
}

func NewVariablesRequest(threadIndex, stackIndex int, variablePath []string, getChildKeys bool, callerData any) (*VariablesRequest, error) {
	if threadIndex < 0 {
		return nil, fmt.Errorf("protocol: variables: negative thread index %d", threadIndex)
	}
	if stackIndex < 0 {
		return nil, fmt.Errorf("protocol: variables: negative stack index %d", stackIndex)
	}
	// A nil path and an empty path are not wire-distinguishable.
	if variablePath == nil {
		variablePath = []string{}
	}

	// Payload past the header: flags byte, thread index, stack index,
	// path length, then each path element as UTF-8 bytes plus the NUL
	// terminator the codec appends.
	size := HeaderSize + uint8Size + 3*uint32Size
	for _, elem := range variablePath {
		size += len(elem) + 1
	}

	return &VariablesRequest{
		Request: Request{
			cmdCode:    CmdVariables,
			packetSize: uint32(size),
			CallerData: callerData,
		},
		ThreadIndex:  uint32(threadIndex),
		StackIndex:   uint32(stackIndex),
		VariablePath: variablePath,
		GetChildKeys: getChildKeys,
	}, nil
}

func (r *VariablesRequest) Send(c Codec) (int, error) {
	n, err := r.writeHeader(c)
	if err != nil {
		return n, err
	}

	var flags VariablesFlags
	if r.GetChildKeys {
		flags |= GetChildKeys
	}

	w, err := c.WriteByte(byte(flags))
	n += w
	if err != nil {
		return n, fmt.Errorf("write variables payload: %w", err)
	}
	for _, v := range [...]uint32{r.ThreadIndex, r.StackIndex, uint32(len(r.VariablePath))} {
		w, err = c.WriteUint32(v)
		n += w
		if err != nil {
			return n, fmt.Errorf("write variables payload: %w", err)
		}
	}
	for _, elem := range r.VariablePath {
		w, err = c.WriteString(elem)
		n += w
		if err != nil {
			return n, fmt.Errorf("write variable path: %w", err)
		}
	}
	verifyWritten(int(r.packetSize), n)
	return n, nil
}
