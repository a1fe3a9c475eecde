// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Envelope wire format, version 1:
// version(1) | uvarint(len(namespace)) | namespace | uvarint(len(key)) | key | payload
const envelopeVersion = 1

// ErrBadEnvelope indicates a backend body that does not decode as an
// envelope. Such messages cannot be delivered and are treated as poison.
var ErrBadEnvelope = errors.New("malformed message envelope")

// EncodeEnvelope serializes a stream identity and payload into the byte body
// handed to the queue backend.
func EncodeEnvelope(stream StreamIdentity, payload []byte) []byte {
	buf := make([]byte, 0, 1+2*binary.MaxVarintLen32+len(stream.Namespace)+len(stream.Key)+len(payload))
	buf = append(buf, envelopeVersion)
	buf = binary.AppendUvarint(buf, uint64(len(stream.Namespace)))
	buf = append(buf, stream.Namespace...)
	buf = binary.AppendUvarint(buf, uint64(len(stream.Key)))
	buf = append(buf, stream.Key...)
	buf = append(buf, payload...)
	return buf
}

// DecodeEnvelope parses a backend body produced by EncodeEnvelope.
func DecodeEnvelope(body []byte) (StreamIdentity, []byte, error) {
	if len(body) < 1 {
		return StreamIdentity{}, nil, ErrBadEnvelope
	}
	if body[0] != envelopeVersion {
		return StreamIdentity{}, nil, fmt.Errorf("%w: unknown version %d", ErrBadEnvelope, body[0])
	}
	rest := body[1:]

	nsLen, n := binary.Uvarint(rest)
	if n <= 0 || uint64(len(rest)-n) < nsLen {
		return StreamIdentity{}, nil, ErrBadEnvelope
	}
	rest = rest[n:]
	namespace := string(rest[:nsLen])
	rest = rest[nsLen:]

	keyLen, n := binary.Uvarint(rest)
	if n <= 0 || uint64(len(rest)-n) < keyLen {
		return StreamIdentity{}, nil, ErrBadEnvelope
	}
	rest = rest[n:]
	key := make([]byte, keyLen)
	copy(key, rest[:keyLen])
	rest = rest[keyLen:]

	payload := make([]byte, len(rest))
	copy(payload, rest)

	return StreamIdentity{Namespace: namespace, Key: key}, payload, nil
}
