package protocol

import (
	"fmt"
	"sort"
	"strings"
)

// Commands understood by Session. Text parsing and encoding of frames happen
// outside this package; Session only sees structured frames.
const (
	CmdConnect     = "CONNECT"
	CmdStomp       = "STOMP"
	CmdConnected   = "CONNECTED"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdSend        = "SEND"
	CmdMessage     = "MESSAGE"
	CmdAck         = "ACK"
	CmdDisconnect  = "DISCONNECT"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
)

// Header names
const (
	HdrDestination     = "destination"
	HdrID              = "id"
	HdrAck             = "ack"
	HdrMessageID       = "message-id"
	HdrSubscription    = "subscription"
	HdrReceipt         = "receipt"
	HdrReceiptID       = "receipt-id"
	HdrSession         = "session"
	HdrServer          = "server"
	HdrVersion         = "version"
	HdrLogin           = "login"
	HdrMessage         = "message"
	HdrPrefetch        = "activemq.prefetchSize"
	HdrRedelivered     = "redelivered"
	HdrRedeliveryCount = "redelivery-count"
	HdrTimestamp       = "timestamp"
	HdrStoreKey        = "store-key"
	HdrContentLength   = "content-length"
)

// Frame is one parsed protocol frame
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

// NewFrame builds a frame from alternating header names and values
func NewFrame(command string, headers ...string) *Frame {
	f := &Frame{Command: command, Headers: make(map[string]string, len(headers)/2)}
	for i := 0; i+1 < len(headers); i += 2 {
		f.Headers[headers[i]] = headers[i+1]
	}
	return f
}

// Header returns a header value, or "" when absent
func (f *Frame) Header(name string) string {
	if f.Headers == nil {
		return ""
	}
	return f.Headers[name]
}

func (f *Frame) String() string {
	keys := make([]string, 0, len(f.Headers))
	for k := range f.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(f.Command)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s:%s", k, f.Headers[k])
	}
	if len(f.Body) > 0 {
		fmt.Fprintf(&sb, " body=%dB", len(f.Body))
	}
	return sb.String()
}

// FrameWriter sends frames to the client
type FrameWriter interface {
	WriteFrame(f *Frame) error
}

// FrameWriterFunc adapts a function to FrameWriter
type FrameWriterFunc func(f *Frame) error

func (fn FrameWriterFunc) WriteFrame(f *Frame) error { return fn(f) }
