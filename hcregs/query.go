package hcregs

import (
	"encoding/binary"
	"fmt"
)

// Transaction codes carried in message headers.
const (
	TransactionNopOut    uint32 = 0x00
	TransactionCommand   uint32 = 0x01
	TransactionTaskReq   uint32 = 0x04
	TransactionQueryReq  uint32 = 0x16
	TransactionNopIn     uint32 = 0x20
	TransactionResponse  uint32 = 0x21
	TransactionTaskResp  uint32 = 0x24
	TransactionQueryResp uint32 = 0x36
	TransactionReject    uint32 = 0x3F
)

// A QueryOpcode identifies one control-plane query operation.
type QueryOpcode uint8

const (
	QueryNop QueryOpcode = iota
	QueryReadDescriptor
	QueryWriteDescriptor
	QueryReadAttr
	QueryWriteAttr
	QueryReadFlag
	QuerySetFlag
	QueryClearFlag
	QueryToggleFlag
)

// Attribute and flag identifiers used by the host.
const (
	FlagIDNDeviceInit uint8 = 0x01

	AttrIDNPowerMode uint8 = 0x02
	AttrIDNEEControl uint8 = 0x0D
	AttrIDNEEStatus  uint8 = 0x0E
)

// Query response status codes.
const (
	QueryResultSuccess         uint8 = 0x00
	QueryResultNotReadable     uint8 = 0xF6
	QueryResultNotWriteable    uint8 = 0xF7
	QueryResultAlreadyWritten  uint8 = 0xF8
	QueryResultInvalidLength   uint8 = 0xF9
	QueryResultInvalidValue    uint8 = 0xFA
	QueryResultInvalidSelector uint8 = 0xFB
	QueryResultInvalidIndex    uint8 = 0xFC
	QueryResultInvalidIDN      uint8 = 0xFD
	QueryResultInvalidOpcode   uint8 = 0xFE
	QueryResultGeneralFailure  uint8 = 0xFF
)

const queryFrameSize = 8

// A QueryRequest is the payload of one query transaction.
type QueryRequest struct {
	Opcode   QueryOpcode
	IDN      uint8
	Index    uint8
	Selector uint8
	Value    uint32
}

// Encode serializes the request into its wire payload.
func (q *QueryRequest) Encode() []byte {
	buf := make([]byte, queryFrameSize)
	buf[0] = uint8(q.Opcode)
	buf[1] = q.IDN
	buf[2] = q.Index
	buf[3] = q.Selector
	binary.BigEndian.PutUint32(buf[4:], q.Value)

	return buf
}

// DecodeQueryRequest parses a query request payload.
func DecodeQueryRequest(payload []byte) (QueryRequest, error) {
	if len(payload) < queryFrameSize {
		return QueryRequest{}, fmt.Errorf(
			"query request payload too short: %d bytes", len(payload))
	}

	return QueryRequest{
		Opcode:   QueryOpcode(payload[0]),
		IDN:      payload[1],
		Index:    payload[2],
		Selector: payload[3],
		Value:    binary.BigEndian.Uint32(payload[4:]),
	}, nil
}

// A QueryResponse is the payload of one query response transaction.
type QueryResponse struct {
	Status uint8
	Value  uint32
}

// Encode serializes the response into its wire payload.
func (q *QueryResponse) Encode() []byte {
	buf := make([]byte, queryFrameSize)
	buf[0] = q.Status
	binary.BigEndian.PutUint32(buf[4:], q.Value)

	return buf
}

// DecodeQueryResponse parses a query response payload.
func DecodeQueryResponse(payload []byte) (QueryResponse, error) {
	if len(payload) < queryFrameSize {
		return QueryResponse{}, fmt.Errorf(
			"query response payload too short: %d bytes", len(payload))
	}

	return QueryResponse{
		Status: payload[0],
		Value:  binary.BigEndian.Uint32(payload[4:]),
	}, nil
}
