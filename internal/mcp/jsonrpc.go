package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/calder-ai/drover/internal/version"
)

const (
	jsonRPCVersion  = "2.0"
	protocolVersion = "2024-11-05"
)

const (
	methodInitialize    = "initialize"
	methodInitialized   = "notifications/initialized"
	methodToolsList     = "tools/list"
	methodToolsCall     = "tools/call"
	methodResourcesList = "resources/list"
	methodResourcesRead = "resources/read"
	methodPromptsList   = "prompts/list"
	methodPromptsGet    = "prompts/get"
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func buildInitializeParams() map[string]any {
	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "drover",
			"version": version.Version,
		},
	}
}

// preinitialized is implemented by connections whose establishment already
// performed the initialize request (streamable HTTP does this, since the
// initialize POST is also the probe that detects unsupported endpoints).
type preinitialized interface {
	initializeResult() any
}

// handshake performs the protocol-level initialize exchange and returns the
// server's advertised capabilities.
func handshake(ctx context.Context, conn Conn) (map[string]any, error) {
	var result any
	if pre, ok := conn.(preinitialized); ok && pre.initializeResult() != nil {
		result = pre.initializeResult()
	} else {
		var err error
		result, err = conn.Invoke(ctx, methodInitialize, buildInitializeParams())
		if err != nil {
			return nil, err
		}
	}
	if err := conn.Notify(ctx, methodInitialized, map[string]any{}); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}

	obj, ok := result.(map[string]any)
	if !ok {
		return map[string]any{}, nil
	}
	caps, _ := obj["capabilities"].(map[string]any)
	if caps == nil {
		caps = map[string]any{}
	}
	return caps, nil
}

func decodeToolDescriptors(result any) ([]ToolDescriptor, error) {
	if result == nil {
		return nil, nil
	}

	var toolsValue any
	switch value := result.(type) {
	case map[string]any:
		toolsValue = value["tools"]
	default:
		toolsValue = value
	}

	items, ok := toolsValue.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected tools/list result shape")
	}

	descriptors := make([]ToolDescriptor, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name := strings.TrimSpace(stringValue(obj["name"]))
		if name == "" {
			continue
		}
		schema, _ := obj["inputSchema"].(map[string]any)
		descriptors = append(descriptors, ToolDescriptor{
			Name:        name,
			Description: strings.TrimSpace(stringValue(obj["description"])),
			InputSchema: schema,
		})
	}
	return descriptors, nil
}

func decodeResourceDescriptors(result any) ([]ResourceDescriptor, error) {
	obj, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected resources/list result shape")
	}
	items, ok := obj["resources"].([]any)
	if !ok {
		return nil, nil
	}

	resources := make([]ResourceDescriptor, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		uri := strings.TrimSpace(stringValue(entry["uri"]))
		if uri == "" {
			continue
		}
		resources = append(resources, ResourceDescriptor{
			URI:         uri,
			Name:        strings.TrimSpace(stringValue(entry["name"])),
			Description: strings.TrimSpace(stringValue(entry["description"])),
			MimeType:    strings.TrimSpace(stringValue(entry["mimeType"])),
		})
	}
	return resources, nil
}

func decodePromptDescriptors(result any) ([]PromptDescriptor, error) {
	obj, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected prompts/list result shape")
	}
	items, ok := obj["prompts"].([]any)
	if !ok {
		return nil, nil
	}

	prompts := make([]PromptDescriptor, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name := strings.TrimSpace(stringValue(entry["name"]))
		if name == "" {
			continue
		}
		prompts = append(prompts, PromptDescriptor{
			Name:        name,
			Description: strings.TrimSpace(stringValue(entry["description"])),
		})
	}
	return prompts, nil
}

func parseToolArgs(argsJSON string) (any, error) {
	trimmed := strings.TrimSpace(argsJSON)
	if trimmed == "" {
		return map[string]any{}, nil
	}

	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, fmt.Errorf("invalid tool args json: %w", err)
	}
	if parsed == nil {
		return map[string]any{}, nil
	}
	return parsed, nil
}

func decodeCallResult(result any) (any, error) {
	obj, ok := result.(map[string]any)
	if !ok {
		return result, nil
	}

	isErr, _ := obj["isError"].(bool)
	if text := extractTextContent(obj["content"]); text != "" {
		if isErr {
			return nil, errors.New(text)
		}
		return text, nil
	}
	if isErr {
		return nil, fmt.Errorf("mcp tool call failed")
	}

	if structured, ok := obj["structuredContent"]; ok && structured != nil {
		return structured, nil
	}
	return result, nil
}

func extractTextContent(v any) string {
	items, ok := v.([]any)
	if !ok {
		return ""
	}

	parts := make([]string, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if strings.ToLower(strings.TrimSpace(stringValue(obj["type"]))) != "text" {
			continue
		}
		text := strings.TrimSpace(stringValue(obj["text"]))
		if text == "" {
			continue
		}
		parts = append(parts, text)
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func stringValue(v any) string {
	if v == nil {
		return ""
	}
	switch value := v.(type) {
	case string:
		return value
	default:
		return fmt.Sprint(v)
	}
}

func decodeRPCResponse(payload []byte, expectedID int64) (any, bool, error) {
	var envelope map[string]any
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, false, fmt.Errorf("decode json-rpc response: %w", err)
	}

	// Notifications and server-initiated messages carry no id and can be
	// skipped while waiting for the response.
	if _, hasID := envelope["id"]; !hasID {
		return nil, false, nil
	}

	if normalizeRPCID(envelope["id"]) != normalizeRPCID(expectedID) {
		return nil, false, nil
	}

	if errValue, ok := envelope["error"]; ok && errValue != nil {
		parsedErr := rpcError{}
		if raw, err := json.Marshal(errValue); err == nil {
			_ = json.Unmarshal(raw, &parsedErr)
		}
		msg := strings.TrimSpace(parsedErr.Message)
		if msg == "" {
			msg = strings.TrimSpace(fmt.Sprint(errValue))
		}
		if msg == "" {
			msg = "json-rpc request failed"
		}
		return nil, true, errors.New(msg)
	}

	return envelope["result"], true, nil
}

func normalizeRPCID(id any) string {
	switch value := id.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(value)
	case float64:
		return fmt.Sprintf("%.0f", value)
	case int:
		return fmt.Sprintf("%d", value)
	case int64:
		return fmt.Sprintf("%d", value)
	default:
		return strings.TrimSpace(fmt.Sprint(value))
	}
}

func compactJSONOrRaw(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "{}"
	}
	var out bytes.Buffer
	if err := json.Compact(&out, []byte(trimmed)); err != nil {
		return trimmed
	}
	return out.String()
}
