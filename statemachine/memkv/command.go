// Package memkv is a minimal in-memory key-value raft.StateMachine: a
// reference implementation of the narrow state-machine contract,
// standing in for the real backend the engine treats as an external
// collaborator. Command framing follows the length-prefixed record idiom
// already used by package raftlog.
package memkv

import (
	"encoding/binary"
	"fmt"
)

// Op identifies the kind of mutation a Command carries.
type Op byte

const (
	OpSet Op = iota + 1
	OpDelete
)

// Command is the Apply-able payload a Replicate caller proposes: a single
// SET or DELETE against one key.
type Command struct {
	Op    Op
	Key   []byte
	Value []byte
}

// EncodeCommand serializes c into the byte form ConsensusNode.Replicate is
// called with. Layout: op(1) | keyLen(4) | key | valLen(4) | value.
func EncodeCommand(c Command) []byte {
	buf := make([]byte, 0, 1+4+len(c.Key)+4+len(c.Value))
	buf = append(buf, byte(c.Op))
	buf = appendUint32Prefixed(buf, c.Key)
	buf = appendUint32Prefixed(buf, c.Value)
	return buf
}

func appendUint32Prefixed(buf []byte, b []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, b...)
}

// DecodeCommand reverses EncodeCommand.
func DecodeCommand(data []byte) (Command, error) {
	if len(data) < 1 {
		return Command{}, fmt.Errorf("memkv: command too short")
	}
	op := Op(data[0])
	rest := data[1:]
	key, rest, err := readUint32Prefixed(rest)
	if err != nil {
		return Command{}, err
	}
	value, rest, err := readUint32Prefixed(rest)
	if err != nil {
		return Command{}, err
	}
	if len(rest) != 0 {
		return Command{}, fmt.Errorf("memkv: trailing bytes after command")
	}
	return Command{Op: op, Key: key, Value: value}, nil
}

func readUint32Prefixed(b []byte) (value []byte, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("memkv: truncated length prefix")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint64(len(b)) < uint64(n) {
		return nil, nil, fmt.Errorf("memkv: truncated field")
	}
	return b[:n], b[n:], nil
}
