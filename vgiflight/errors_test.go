// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgiflight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestRPCError(t *testing.T) {
	tests := []struct {
		name     string
		in       error
		kind     *Error
		canceled bool
	}{
		{name: "not found", in: status.Error(codes.NotFound, "no such dataset"), kind: ErrNotFound},
		{name: "unavailable", in: status.Error(codes.Unavailable, "connection refused"), kind: ErrTransport},
		{name: "grpc canceled", in: status.Error(codes.Canceled, "context canceled"), kind: ErrTransport, canceled: true},
		{name: "context canceled", in: fmt.Errorf("recv: %w", context.Canceled), kind: ErrTransport, canceled: true},
		{name: "unexpected eof", in: io.ErrUnexpectedEOF, kind: ErrTransport},
		{name: "plain", in: errors.New("boom"), kind: ErrTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rpcError("op", tt.in)
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, tt.canceled, errors.Is(err, context.Canceled))
		})
	}

	assert.NoError(t, rpcError("op", nil))

	typed := missingDictionary(7)
	assert.Same(t, typed, rpcError("op", typed))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "NotFound", (&Error{Kind: KindNotFound}).Error())
	assert.Equal(t, "SchemaDecodeError: bad", newError(KindSchemaDecode, nil, "bad").Error())
	assert.Equal(t, "FrameDecodeError: body: short", newError(KindFrameDecode, errors.New("short"), "body").Error())
	assert.Equal(t, "MissingDictionaryError: no dictionary batch received for id 7", missingDictionary(7).Error())

	var fe *Error
	assert.True(t, errors.As(fmt.Errorf("wrapped: %w", missingDictionary(2)), &fe))
	assert.Equal(t, int64(2), fe.DictionaryID)
	assert.NotErrorIs(t, missingDictionary(2), ErrSchemaMismatch)
}
