package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the MCP revision offered during initialize.
const ProtocolVersion = "2024-11-05"

// ClientInfo identifies this client to the server.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo is what a server reported about itself in its initialize
// response.
type ServerInfo struct {
	Name            string          `json:"name"`
	Version         string          `json:"version"`
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	Instructions    string          `json:"instructions,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
	Instructions string `json:"instructions"`
}

// handshake performs initialize and, once the server has answered,
// sends notifications/initialized. The connection is usable only after
// both steps; nothing else is written in between.
func (c *Conn) handshake(ctx context.Context) (*ServerInfo, error) {
	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo: ClientInfo{
			Name:    c.opts.ClientName,
			Version: c.opts.ClientVersion,
		},
	}

	resp, err := c.call(ctx, "initialize", params, c.opts.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("initialize: %w", resp.Error)
	}
	if isNull(resp.Result) {
		return nil, errors.New("initialize: null result")
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("initialize: decode result: %w", err)
	}

	if err := c.transport.Write(NewNotification("notifications/initialized", nil)); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}

	return &ServerInfo{
		Name:            result.ServerInfo.Name,
		Version:         result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
		Capabilities:    result.Capabilities,
		Instructions:    result.Instructions,
	}, nil
}
