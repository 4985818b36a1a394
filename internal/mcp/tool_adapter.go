package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// toolAdapter exposes one remote MCP tool as an eino InvokableTool. The
// exposed name is namespaced as mcp.<server>.<tool> so tools from different
// servers never collide in one plan.
type toolAdapter struct {
	connector *Connector
	toolName  string
	fullName  string
	desc      string
	params    *schema.ParamsOneOf
}

var _ tool.InvokableTool = toolAdapter{}

func newToolAdapter(connector *Connector, def ToolDescriptor) toolAdapter {
	toolName := strings.TrimSpace(def.Name)
	desc := strings.TrimSpace(def.Description)
	if desc == "" {
		desc = toolName
	}

	return toolAdapter{
		connector: connector,
		toolName:  toolName,
		fullName:  fmt.Sprintf("mcp.%s.%s", connector.ServerName(), toolName),
		desc:      desc,
		params:    paramsOneOfFromSchema(def.InputSchema),
	}
}

// AdaptTools wraps every descriptor as an invokable tool routed through the
// given connector.
func AdaptTools(connector *Connector, defs []ToolDescriptor) []tool.InvokableTool {
	adapted := make([]tool.InvokableTool, 0, len(defs))
	for _, def := range defs {
		if strings.TrimSpace(def.Name) == "" {
			continue
		}
		adapted = append(adapted, newToolAdapter(connector, def))
	}
	return adapted
}

func (a toolAdapter) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name:        a.fullName,
		Desc:        a.desc,
		ParamsOneOf: a.params,
		Extra: map[string]any{
			"provider": "mcp",
			"server":   a.connector.ServerName(),
			"tool":     a.toolName,
		},
	}, nil
}

func (a toolAdapter) InvokableRun(ctx context.Context, argsJSON string, opts ...tool.Option) (string, error) {
	if a.connector == nil {
		return "", fmt.Errorf("mcp connector is not configured")
	}
	result, err := a.connector.CallTool(ctx, a.toolName, argsJSON)
	if err != nil {
		return "", err
	}
	return normalizeToolResult(result), nil
}

func normalizeToolResult(v string) string {
	text := strings.TrimSpace(v)
	if text == "" {
		return "(no output)"
	}
	return text
}

func paramsOneOfFromSchema(inputSchema map[string]any) *schema.ParamsOneOf {
	props, ok := inputSchema["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return nil
	}

	required := make(map[string]bool)
	if list, ok := inputSchema["required"].([]any); ok {
		for _, item := range list {
			required[strings.TrimSpace(stringValue(item))] = true
		}
	}

	params := make(map[string]*schema.ParameterInfo, len(props))
	for name, raw := range props {
		entry, _ := raw.(map[string]any)
		params[name] = &schema.ParameterInfo{
			Desc:     strings.TrimSpace(stringValue(entry["description"])),
			Type:     toSchemaDataType(stringValue(entry["type"])),
			Required: required[name],
		}
	}
	return schema.NewParamsOneOfByParams(params)
}

func toSchemaDataType(t string) schema.DataType {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "number":
		return schema.Number
	case "integer":
		return schema.Integer
	case "boolean":
		return schema.Boolean
	case "object":
		return schema.Object
	case "array":
		return schema.Array
	default:
		return schema.String
	}
}
