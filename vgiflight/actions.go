// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgiflight

import (
	"context"
	"errors"
	"io"

	"github.com/apache/arrow-go/v18/arrow/flight"
)

// ActionDropDataset is the action type servers use to delete a dataset.
const ActionDropDataset = "drop_dataset"

// ActionType names an action a server supports.
type ActionType struct {
	Type        string
	Description string
}

// ListActions returns the actions the server advertises.
func (c *Client) ListActions(ctx context.Context) ([]ActionType, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := c.transport.ListActions(ctx)
	if err != nil {
		return nil, rpcError("list actions", err)
	}
	var out []ActionType
	for {
		at, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, rpcError("list actions", err)
		}
		out = append(out, ActionType{Type: at.GetType(), Description: at.GetDescription()})
	}
}

// DoAction runs a server action and collects its result bodies.
func (c *Client) DoAction(ctx context.Context, actionType string, body []byte) ([][]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := c.transport.DoAction(ctx, &flight.Action{Type: actionType, Body: body})
	if err != nil {
		return nil, rpcError("action "+actionType, err)
	}
	var out [][]byte
	for {
		res, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, rpcError("action "+actionType, err)
		}
		out = append(out, res.GetBody())
	}
}

// DropDataset asks the server to delete the named dataset and forgets any
// cached metadata for it.
func (c *Client) DropDataset(ctx context.Context, name string) error {
	if _, err := c.DoAction(ctx, ActionDropDataset, []byte(name)); err != nil {
		return err
	}
	c.InvalidateInfo(PathDescriptor(name))
	c.logger.Debug("drop: dataset dropped", "dataset", name)
	return nil
}
