// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgiflight

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorKind classifies every failure the client can report.
type ErrorKind int

const (
	// KindTransport covers RPC failures, including a cancelled context.
	KindTransport ErrorKind = iota + 1
	// KindNotFound means the server does not know the requested dataset.
	KindNotFound
	// KindSchemaDecode means the schema bytes could not be turned into a usable schema.
	KindSchemaDecode
	// KindFrameDecode means a stream message header or body could not be parsed.
	KindFrameDecode
	// KindSchemaMismatch means a message disagrees with the resolved schema.
	KindSchemaMismatch
	// KindMissingDictionary means a record batch references an unknown dictionary id.
	KindMissingDictionary
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "TransportError"
	case KindNotFound:
		return "NotFound"
	case KindSchemaDecode:
		return "SchemaDecodeError"
	case KindFrameDecode:
		return "FrameDecodeError"
	case KindSchemaMismatch:
		return "SchemaMismatchError"
	case KindMissingDictionary:
		return "MissingDictionaryError"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Sentinels for use with errors.Is. Each matches any *Error of the same kind.
var (
	ErrTransport         = &Error{Kind: KindTransport}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrSchemaDecode      = &Error{Kind: KindSchemaDecode}
	ErrFrameDecode       = &Error{Kind: KindFrameDecode}
	ErrSchemaMismatch    = &Error{Kind: KindSchemaMismatch}
	ErrMissingDictionary = &Error{Kind: KindMissingDictionary}
)

// Error is the single error type returned by the client.
type Error struct {
	Kind    ErrorKind
	Message string
	// DictionaryID is set for KindMissingDictionary.
	DictionaryID int64
	Err          error
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Message == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is by matching any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func missingDictionary(id int64) *Error {
	return &Error{
		Kind:         KindMissingDictionary,
		Message:      fmt.Sprintf("no dictionary batch received for id %d", id),
		DictionaryID: id,
	}
}

// rpcError maps a failed RPC onto the error taxonomy. A gRPC NotFound
// status becomes KindNotFound, everything else is a transport failure.
func rpcError(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTransport, err, "%s", op)
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.NotFound:
			return newError(KindNotFound, err, "%s", op)
		case codes.Canceled:
			return newError(KindTransport, context.Canceled, "%s: %s", op, st.Message())
		case codes.DeadlineExceeded:
			return newError(KindTransport, context.DeadlineExceeded, "%s: %s", op, st.Message())
		}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return newError(KindTransport, err, "%s: stream ended mid-message", op)
	}
	return newError(KindTransport, err, "%s", op)
}
