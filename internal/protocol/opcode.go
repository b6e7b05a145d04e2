package protocol

// Client → server opcodes. Byte 0 of every frame.
const (
	C_OPCODE_HEARTBEAT byte = 0x01 // session-less keepalive
	C_OPCODE_JOIN      byte = 0x02 // zone id string + app payload
	C_OPCODE_PART      byte = 0x03 // app payload
	C_OPCODE_RECONNECT byte = 0x04 // reconnect token string
	C_OPCODE_CALL      byte = 0x05 // call name string + app payload
)

// Server → client opcodes.
const (
	S_OPCODE_REPLY     byte = 0x81 // response to a call-type request
	S_OPCODE_NOTIFY    byte = 0x82 // broadcast/sendTo fan-out
	S_OPCODE_ERROR     byte = 0x83 // terminal error with reason string
	S_OPCODE_HEARTBEAT byte = 0x84 // keepalive echo
)
