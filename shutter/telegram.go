package shutter

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/snksoft/crc"
)

// the controller box speaks a fixed six byte telegram:
// [STX] [command] [state] [CRC hi] [CRC lo] [ETX]
// the CRC is CRC-16/CCITT XMODEM over the command and state bytes
const (
	telStart = 0x02
	telEnd   = 0x03

	// CmdSet commands the shutter to the state in the state byte
	CmdSet = 0x10

	// CmdGet requests the current state; the reply carries it in the
	// state byte
	CmdGet = 0x11

	// CmdAck is the controller's acknowledgement of a set
	CmdAck = 0x06

	telegramLen = 6
)

var crcTable = crc.NewTable(crc.XMODEM)

// ErrBadTelegram is generated when a response does not frame or checksum
// correctly
var ErrBadTelegram = errors.New("shutter: malformed telegram")

func crcBytes(buf []byte) []byte {
	crcUint := crcTable.InitCrc()
	crcUint = crcTable.UpdateCrc(crcUint, buf)
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, crcTable.CRC16(crcUint))
	return out
}

// MakeTelegram produces the wire form of a command
func MakeTelegram(cmd byte, state State) []byte {
	body := []byte{cmd, byte(state)}
	check := crcBytes(body)
	out := append([]byte{telStart}, body...)
	out = append(out, check...)
	return append(out, telEnd)
}

// DecodeTelegram validates framing and CRC and returns the command and
// state bytes
func DecodeTelegram(tele []byte) (byte, State, error) {
	if len(tele) != telegramLen {
		return 0, 0, fmt.Errorf("%w: length %d, expected %d", ErrBadTelegram, len(tele), telegramLen)
	}
	if tele[0] != telStart || tele[telegramLen-1] != telEnd {
		return 0, 0, fmt.Errorf("%w: bad start/end bytes", ErrBadTelegram)
	}
	body := tele[1:3]
	check := crcBytes(body)
	if check[0] != tele[3] || check[1] != tele[4] {
		return 0, 0, fmt.Errorf("%w: CRC mismatch", ErrBadTelegram)
	}
	return body[0], State(body[1]), nil
}
