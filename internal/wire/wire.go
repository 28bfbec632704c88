// Package wire implements the control channel's self-describing binary
// frame codec, replacing the source's pickled Python lists now that the
// client and server may be different languages:
//
//	uint32 total-length (big-endian, excludes itself)
//	uint16 argc (big-endian)
//	argc * (uint32 arg-length (big-endian) ++ arg-bytes)
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame to guard the reader against a peer
// claiming an absurd length.
const MaxFrameSize = 16 * 1024 * 1024

// MaxArgs bounds argc for the same reason.
const MaxArgs = 4096

// EncodeCommand frames args as one command message.
func EncodeCommand(args []string) ([]byte, error) {
	if len(args) > MaxArgs {
		return nil, fmt.Errorf("wire: %d args exceeds MaxArgs %d", len(args), MaxArgs)
	}
	body := make([]byte, 0, 64)
	body = append(body, 0, 0) // argc placeholder, filled below
	binary.BigEndian.PutUint16(body[len(body)-2:], uint16(len(args)))
	for _, a := range args {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(a)))
		body = append(body, lenBuf[:]...)
		body = append(body, a...)
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds MaxFrameSize %d", len(body), MaxFrameSize)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// ReadCommand reads one framed command from r. r should be a connection or
// an already-buffered reader the caller reuses across calls; ReadCommand
// does not wrap it in its own buffer, so no read-ahead bytes are lost
// between successive commands on the same connection.
func ReadCommand(r io.Reader) ([]string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame length %d exceeds MaxFrameSize %d", frameLen, MaxFrameSize)
	}

	body := make([]byte, frameLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return decodeArgs(body)
}

func decodeArgs(body []byte) ([]string, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("wire: frame too short for argc")
	}
	argc := int(binary.BigEndian.Uint16(body[:2]))
	if argc > MaxArgs {
		return nil, fmt.Errorf("wire: argc %d exceeds MaxArgs %d", argc, MaxArgs)
	}
	pos := 2
	args := make([]string, 0, argc)
	for i := 0; i < argc; i++ {
		if pos+4 > len(body) {
			return nil, fmt.Errorf("wire: truncated arg length at index %d", i)
		}
		argLen := int(binary.BigEndian.Uint32(body[pos : pos+4]))
		pos += 4
		if argLen < 0 || pos+argLen > len(body) {
			return nil, fmt.Errorf("wire: truncated arg bytes at index %d", i)
		}
		args = append(args, string(body[pos:pos+argLen]))
		pos += argLen
	}
	return args, nil
}

// WriteCommand encodes and writes args as one framed message to w.
func WriteCommand(w io.Writer, args []string) error {
	data, err := EncodeCommand(args)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
