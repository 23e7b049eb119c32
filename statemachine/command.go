package statemachine

import (
	"encoding/binary"
	"fmt"
)

type cmdKind uint8

const (
	cmdGet cmdKind = iota
	cmdPut
	cmdAppend
)

type command struct {
	kind  cmdKind
	key   string
	value string
}

const (
	maxKeyLen   = 1024
	maxValueLen = 1024 * 1024
)

// decodeCmd decodes a command from its wire form:
//
//	[0]                                - cmdKind
//	[1:5]                              - keyLen, uint32
//	[5:5+keyLen]                       - key
//	[5+keyLen:5+keyLen+4]              - valueLen, uint32 (PUT/APPEND only)
//	[5+keyLen+4:5+keyLen+4+valueLen]   - value
func (sm *KV) decodeCmd(msg []byte) (command, error) {
	var cmd command

	if len(msg) < 5 {
		return cmd, fmt.Errorf("command too short: %d bytes", len(msg))
	}

	cmd.kind = cmdKind(msg[0])
	switch cmd.kind {
	case cmdGet, cmdPut, cmdAppend:
	default:
		return cmd, fmt.Errorf("unsupported command kind: %d", cmd.kind)
	}

	key, offset, err := readLenPrefixed(msg, 1)
	if err != nil {
		return cmd, fmt.Errorf("key: %w", err)
	}
	cmd.key = key

	if cmd.kind == cmdPut || cmd.kind == cmdAppend {
		value, _, err := readLenPrefixed(msg, offset)
		if err != nil {
			return cmd, fmt.Errorf("value: %w", err)
		}
		cmd.value = value
	}

	return cmd, nil
}

// encodeCmd encodes a command into its wire form; see decodeCmd.
func (sm *KV) encodeCmd(cmd command) ([]byte, error) {
	switch cmd.kind {
	case cmdGet, cmdPut, cmdAppend:
	default:
		return nil, fmt.Errorf("unsupported command kind: %d", cmd.kind)
	}

	if len(cmd.key) == 0 {
		return nil, fmt.Errorf("key cannot be empty")
	}
	if len(cmd.key) > maxKeyLen {
		return nil, fmt.Errorf("key too large: %d bytes", len(cmd.key))
	}
	if (cmd.kind == cmdPut || cmd.kind == cmdAppend) && len(cmd.value) > maxValueLen {
		return nil, fmt.Errorf("value too large: %d bytes", len(cmd.value))
	}

	buf := make([]byte, 1, 5+len(cmd.key))
	buf[0] = byte(cmd.kind)
	buf = appendLenPrefixed(buf, cmd.key)
	if cmd.kind == cmdPut || cmd.kind == cmdAppend {
		buf = appendLenPrefixed(buf, cmd.value)
	}

	return buf, nil
}

// EncodeGet, EncodePut and EncodeAppend build the opaque command bytes
// that get passed to Node.Start by the client-facing command handler in
// cmd/raftnode.
func EncodeGet(key string) ([]byte, error) {
	return (*KV)(nil).encodeCmd(command{kind: cmdGet, key: key})
}

func EncodePut(key, value string) ([]byte, error) {
	return (*KV)(nil).encodeCmd(command{kind: cmdPut, key: key, value: value})
}

func EncodeAppend(key, value string) ([]byte, error) {
	return (*KV)(nil).encodeCmd(command{kind: cmdAppend, key: key, value: value})
}

func putUint32(buf []byte, v uint32) {
	binary.BigEndian.PutUint32(buf, v)
}

func getUint32(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf)
}

func appendLenPrefixed(buf []byte, s string) []byte {
	lenBuf := make([]byte, 4)
	putUint32(lenBuf, uint32(len(s)))
	buf = append(buf, lenBuf...)
	buf = append(buf, s...)
	return buf
}

// readLenPrefixed reads a 4-byte length prefix followed by that many
// bytes starting at offset, returning the decoded string and the offset
// just past it.
func readLenPrefixed(msg []byte, offset int) (string, int, error) {
	if len(msg) < offset+4 {
		return "", 0, fmt.Errorf("message too short for length prefix at offset %d", offset)
	}
	length := int(getUint32(msg[offset : offset+4]))
	if length < 0 || length > maxValueLen {
		return "", 0, fmt.Errorf("invalid length: %d", length)
	}
	start := offset + 4
	end := start + length
	if len(msg) < end {
		return "", 0, fmt.Errorf("incomplete message: need %d, got %d", end, len(msg))
	}
	return string(msg[start:end]), end, nil
}
