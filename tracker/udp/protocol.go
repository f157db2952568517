package udp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

type Action int32

// BEP 15
const (
	ActionConnect Action = iota
	ActionAnnounce
	ActionScrape
	ActionError
)

func (a Action) String() string {
	switch a {
	case ActionConnect:
		return "connect"
	case ActionAnnounce:
		return "announce"
	case ActionScrape:
		return "scrape"
	case ActionError:
		return "error"
	}
	return fmt.Sprintf("action(%d)", int32(a))
}

type (
	ConnectionId  = int64
	TransactionId = int32
	InfoHash      = [20]byte
)

// The connection id sent with connect requests. On the wire it's the two words 0x417 and
// 0x27101980.
const ConnectRequestConnectionId ConnectionId = 0x41727101980

type RequestHeader struct {
	ConnectionId  ConnectionId
	Action        Action
	TransactionId TransactionId
} // 16 bytes

type ResponseHeader struct {
	Action        Action
	TransactionId TransactionId
} // 8 bytes

type ConnectionResponse struct {
	ConnectionId ConnectionId
}

type AnnounceResponseHeader struct {
	Interval int32
	Leechers int32
	Seeders  int32
}

const (
	requestHeaderLen  = 16
	responseHeaderLen = 8
	connectRespLen    = responseHeaderLen + 8
	// Announce responses must be longer than this to carry any peers.
	announceRespHeaderLen = responseHeaderLen + 12
)

func Write(w io.Writer, data any) error {
	return binary.Write(w, binary.BigEndian, data)
}

func Read(r io.Reader, data any) error {
	return binary.Read(r, binary.BigEndian, data)
}

// Marshals fixed-size values back to back. The values are always encodable, so failure panics.
func mustMarshal(data ...any) []byte {
	var buf bytes.Buffer
	for _, d := range data {
		err := Write(&buf, d)
		if err != nil {
			panic(err)
		}
	}
	return buf.Bytes()
}
