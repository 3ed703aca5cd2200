package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// maxLineBytes bounds a single request line.
const maxLineBytes = 4 * 1024 * 1024

// StdioTransport speaks newline-delimited JSON-RPC 2.0: one message per
// input line, one reply per output line, nothing for notifications. Nothing
// but replies may be written to out; logs belong on stderr.
type StdioTransport struct {
	server *Server
	in     io.Reader
	out    io.Writer
	logger *slog.Logger
}

// NewStdioTransport binds srv to in and out, logging through srv's logger.
func NewStdioTransport(srv *Server, in io.Reader, out io.Writer) *StdioTransport {
	return &StdioTransport{
		server: srv,
		in:     in,
		out:    out,
		logger: srv.logger.With("transport", "stdio"),
	}
}

// Serve processes requests until in is closed or ctx is cancelled. Requests
// are handled one at a time in arrival order.
func (t *StdioTransport) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("context cancelled, shutting down")
			return ctx.Err()
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				t.logger.Error("stdin scanner error", "error", err)
				return fmt.Errorf("stdin scanner: %w", err)
			}
			t.logger.Info("stdin closed, shutting down")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp, err := t.server.HandleRequest(ctx, line)
		if err != nil {
			t.logger.Error("handler error", "error", err)
			resp = internalErrorResponse(line, err)
		}
		if resp == nil {
			continue
		}

		if err := t.writeResponse(resp); err != nil {
			t.logger.Error("write error", "error", err)
			return fmt.Errorf("write response: %w", err)
		}
	}
}

func (t *StdioTransport) writeResponse(resp []byte) error {
	_, err := t.out.Write(append(resp, '\n'))
	return err
}

// internalErrorResponse answers a request the server failed on, echoing its
// id when the raw line still yields one.
func internalErrorResponse(rawRequest []byte, handlerErr error) []byte {
	var partial struct {
		ID interface{} `json:"id"`
	}
	_ = json.Unmarshal(rawRequest, &partial)

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      partial.ID,
		Error: &JSONRPCError{
			Code:    ErrCodeInternalError,
			Message: handlerErr.Error(),
		},
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}
