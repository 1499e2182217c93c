// Constants for the DCP slice of the memcached binary protocol.

package transport

// CommandCode for memcached binary protocol commands.
type CommandCode uint8

const (
	DCP_OPEN        = CommandCode(0x50) // Open a DCP connection with a name
	DCP_ADDSTREAM   = CommandCode(0x51) // Ask a consumer to add a stream
	DCP_CLOSESTREAM = CommandCode(0x52) // Close an open stream
	DCP_STREAMREQ   = CommandCode(0x53) // Stream request from consumer to producer
	DCP_FAILOVERLOG = CommandCode(0x54) // Request failover logs
	DCP_STREAMEND   = CommandCode(0x55) // Sent by producer when a stream is done
	DCP_SNAPSHOT    = CommandCode(0x56) // Start of a new snapshot
	DCP_MUTATION    = CommandCode(0x57) // Key mutation
	DCP_DELETION    = CommandCode(0x58) // Key deletion
	DCP_EXPIRATION  = CommandCode(0x59) // Key expiration
	DCP_FLUSH       = CommandCode(0x5a) // Delete all the data for a vbucket
	DCP_SETVBSTATE  = CommandCode(0x5b) // Takeover handoff of vbucket state
	DCP_NOOP        = CommandCode(0x5c) // DCP NOOP
	DCP_BUFFERACK   = CommandCode(0x5d) // DCP Buffer Acknowledgement
	DCP_CONTROL     = CommandCode(0x5e) // Set flow control params
)

// Status field for memcached response.
type Status uint16

const (
	SUCCESS        = Status(0x00)
	KEY_ENOENT     = Status(0x01)
	KEY_EEXISTS    = Status(0x02)
	EINVAL         = Status(0x04)
	NOT_MY_VBUCKET = Status(0x07)
	ERANGE         = Status(0x22)
	ROLLBACK       = Status(0x23)
	NOT_SUPPORTED  = Status(0x83)
	TMPFAIL        = Status(0x86)
	DISCONNECT     = Status(0xfe)
)

// Snapshot marker flag bits.
const (
	MARKER_FLAG_MEMORY = uint32(0x01) // snapshot from the checkpoint log
	MARKER_FLAG_DISK   = uint32(0x02) // snapshot from a disk scan
	MARKER_FLAG_CHK    = uint32(0x04) // snapshot aligns with a checkpoint boundary
	MARKER_FLAG_ACK    = uint32(0x08) // consumer must ack this marker
)

// Stream request flag bits.
const (
	FLAG_STREAM_TAKEOVER = uint32(0x01)
	FLAG_STREAM_DISKONLY = uint32(0x02)
	FLAG_STREAM_LATEST   = uint32(0x04)
)

// EndStreamStatus is carried in the body of a DCP_STREAMEND message.
type EndStreamStatus uint32

const (
	// the stream ended due to all items being streamed
	END_STREAM_OK = EndStreamStatus(iota)
	// the stream closed early due to a close stream message
	END_STREAM_CLOSED
	// the stream closed early because the vbucket state changed
	END_STREAM_STATE
	// the stream closed early because the connection was disconnected
	END_STREAM_DISCONNECTED
	// the stream was closed early because it was too slow
	END_STREAM_SLOW
)

// VbState describes the replication role of a vbucket.
type VbState uint32

const (
	VbActive = VbState(iota + 1)
	VbReplica
	VbPending
	VbDead
)

// CommandNames human readable names for memcached commands
var CommandNames map[CommandCode]string

// StatusNames human readable names for memcached response status
var StatusNames map[Status]string

// EndStreamNames user visible status strings for stream-end messages
var EndStreamNames map[EndStreamStatus]string

// VbStateNames human readable names for vbucket states
var VbStateNames map[VbState]string

func init() {
	CommandNames = map[CommandCode]string{
		DCP_OPEN:        "DCP_OPEN",
		DCP_ADDSTREAM:   "DCP_ADDSTREAM",
		DCP_CLOSESTREAM: "DCP_CLOSESTREAM",
		DCP_STREAMREQ:   "DCP_STREAMREQ",
		DCP_FAILOVERLOG: "DCP_FAILOVERLOG",
		DCP_STREAMEND:   "DCP_STREAMEND",
		DCP_SNAPSHOT:    "DCP_SNAPSHOT",
		DCP_MUTATION:    "DCP_MUTATION",
		DCP_DELETION:    "DCP_DELETION",
		DCP_EXPIRATION:  "DCP_EXPIRATION",
		DCP_FLUSH:       "DCP_FLUSH",
		DCP_SETVBSTATE:  "DCP_SETVBSTATE",
		DCP_NOOP:        "DCP_NOOP",
		DCP_BUFFERACK:   "DCP_BUFFERACK",
		DCP_CONTROL:     "DCP_CONTROL",
	}

	StatusNames = map[Status]string{
		SUCCESS:        "SUCCESS",
		KEY_ENOENT:     "KEY_ENOENT",
		KEY_EEXISTS:    "KEY_EEXISTS",
		EINVAL:         "EINVAL",
		NOT_MY_VBUCKET: "NOT_MY_VBUCKET",
		ERANGE:         "ERANGE",
		ROLLBACK:       "ROLLBACK",
		NOT_SUPPORTED:  "NOT_SUPPORTED",
		TMPFAIL:        "TMPFAIL",
		DISCONNECT:     "DISCONNECT",
	}

	EndStreamNames = map[EndStreamStatus]string{
		END_STREAM_OK:           "OK",
		END_STREAM_CLOSED:       "Closed",
		END_STREAM_STATE:        "State",
		END_STREAM_DISCONNECTED: "Disconnected",
		END_STREAM_SLOW:         "Slow",
	}

	VbStateNames = map[VbState]string{
		VbActive:  "active",
		VbReplica: "replica",
		VbPending: "pending",
		VbDead:    "dead",
	}
}

func (cc CommandCode) String() string {
	if name, ok := CommandNames[cc]; ok {
		return name
	}
	return "UNKNOWN_COMMAND"
}

func (st Status) String() string {
	if name, ok := StatusNames[st]; ok {
		return name
	}
	return "UNKNOWN_STATUS"
}

func (es EndStreamStatus) String() string {
	if name, ok := EndStreamNames[es]; ok {
		return name
	}
	return "Unknown"
}

func (vs VbState) String() string {
	if name, ok := VbStateNames[vs]; ok {
		return name
	}
	return "unknown"
}
