package client

import (
	"context"
	"fmt"

	"odin-resolver/internal/path"
	"odin-resolver/internal/protocol"
)

// ReadHandle is the read-capable surface of a Client: resolve and list.
// It is a thin, cheaply cloneable wrapper over the shared request queue —
// copying a ReadHandle by value is safe and intended (callers that want an
// independent-looking handle just copy the struct).
type ReadHandle struct {
	c *Client
}

// NewReadHandle builds a read-capable handle over c. Valid for a Client of
// either Mode.
func NewReadHandle(c *Client) ReadHandle { return ReadHandle{c: c} }

// Resolve looks up one or more paths and returns their endpoint sets in the
// same order, one element per input path.
func (h ReadHandle) Resolve(ctx context.Context, paths ...path.Path) ([][]protocol.Endpoint, error) {
	resp, err := h.c.enqueue(ctx, protocol.ResolveRequest(paths...))
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("resolve: %s", resp.Error)
	}
	if resp.Kind != protocol.RespResolved {
		return nil, fmt.Errorf("resolve: unexpected response kind %q", resp.Kind)
	}
	return resp.Resolved, nil
}

// List returns every path strictly under prefix.
func (h ReadHandle) List(ctx context.Context, prefix path.Path) ([]path.Path, error) {
	resp, err := h.c.enqueue(ctx, protocol.ListRequest(prefix))
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list: %s", resp.Error)
	}
	if resp.Kind != protocol.RespList {
		return nil, fmt.Errorf("list: unexpected response kind %q", resp.Kind)
	}
	return resp.Paths, nil
}

// WriteHandle additionally exposes publish/unpublish, and is only
// meaningful over a Client constructed with ModeReadWrite.
type WriteHandle struct {
	ReadHandle
}

// NewWriteHandle builds a write-capable handle over c.
func NewWriteHandle(c *Client) WriteHandle {
	return WriteHandle{ReadHandle: NewReadHandle(c)}
}

// Publish advertises paths at this writer's endpoint.
func (h WriteHandle) Publish(ctx context.Context, paths ...path.Path) error {
	resp, err := h.c.enqueue(ctx, protocol.PublishRequest(paths...))
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("publish: %s", resp.Error)
	}
	if resp.Kind != protocol.RespPublished {
		return fmt.Errorf("publish: unexpected response kind %q", resp.Kind)
	}
	return nil
}

// Unpublish withdraws paths previously published by this writer.
func (h WriteHandle) Unpublish(ctx context.Context, paths ...path.Path) error {
	resp, err := h.c.enqueue(ctx, protocol.UnpublishRequest(paths...))
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("unpublish: %s", resp.Error)
	}
	if resp.Kind != protocol.RespUnpublished {
		return fmt.Errorf("unpublish: unexpected response kind %q", resp.Kind)
	}
	return nil
}

// Clear withdraws every path currently owned by this writer.
func (h WriteHandle) Clear(ctx context.Context) error {
	resp, err := h.c.enqueue(ctx, protocol.ClearRequest())
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("clear: %s", resp.Error)
	}
	if resp.Kind != protocol.RespUnpublished {
		return fmt.Errorf("clear: unexpected response kind %q", resp.Kind)
	}
	return nil
}
