// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client used for uploads.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// s3Object spools writes to a temporary file and uploads it with a single
// PutObject on Close.
type s3Object struct {
	ctx    context.Context
	client S3API
	dest   Destination
	logger *slog.Logger
	file   *os.File
}

func newS3Object(ctx context.Context, client S3API, dest Destination, logger *slog.Logger) (*s3Object, error) {
	f, err := os.CreateTemp("", "vgi-flight-export-*")
	if err != nil {
		return nil, err
	}
	return &s3Object{ctx: ctx, client: client, dest: dest, logger: logger, file: f}, nil
}

func (o *s3Object) Write(p []byte) (int, error) { return o.file.Write(p) }

// Abort discards the spooled data without uploading.
func (o *s3Object) Abort() error {
	name := o.file.Name()
	err := o.file.Close()
	if rerr := os.Remove(name); err == nil {
		err = rerr
	}
	return err
}

func (o *s3Object) Close() error {
	defer o.Abort()

	size, err := o.file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("export: spool %s: %w", o.dest, err)
	}
	if _, err := o.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("export: spool %s: %w", o.dest, err)
	}
	_, err = o.client.PutObject(o.ctx, &s3.PutObjectInput{
		Bucket:        aws.String(o.dest.Bucket),
		Key:           aws.String(o.dest.Path),
		Body:          o.file,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("export: upload %s: %s: %s", o.dest, apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
		return fmt.Errorf("export: upload %s: %w", o.dest, err)
	}
	o.logger.Debug("export: object uploaded", "destination", o.dest.String(), "bytes", size)
	return nil
}
