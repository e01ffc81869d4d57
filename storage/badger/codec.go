// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/fluxnotify/storage"
	"github.com/klauspost/compress/s2"
)

// Record encodings. The first byte of every value names its encoding so the
// compression setting can change between restarts.
const (
	encodingJSON byte = iota + 1
	encodingS2
)

var errUnknownEncoding = errors.New("unknown record encoding")

type codec struct {
	compress bool
}

func newCodec(compress bool) codec {
	return codec{compress: compress}
}

func (c codec) encode(n *storage.Notification) ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification: %w", err)
	}

	if !c.compress {
		return append([]byte{encodingJSON}, data...), nil
	}

	out := make([]byte, 1, 1+s2.MaxEncodedLen(len(data)))
	out[0] = encodingS2
	return append(out, s2.Encode(nil, data)...), nil
}

func (c codec) decode(val []byte) (*storage.Notification, error) {
	if len(val) == 0 {
		return nil, errUnknownEncoding
	}

	data := val[1:]
	switch val[0] {
	case encodingJSON:
	case encodingS2:
		decoded, err := s2.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress notification: %w", err)
		}
		data = decoded
	default:
		return nil, errUnknownEncoding
	}

	var n storage.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notification: %w", err)
	}
	return &n, nil
}
