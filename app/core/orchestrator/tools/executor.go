package tools

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"lembra/app/core/orchestrator/catalog"
	"lembra/app/core/orchestrator/items"
	"lembra/app/pkg/logger"
	"lembra/app/pkg/textnorm"
)

const (
	SearchItems    = "search_items"
	SaveItem       = "save_item"
	DeleteItem     = "delete_item"
	DeleteAllItems = "delete_all_items"
	SearchCatalog  = "search_catalog"
)

const (
	ErrorCodeUnsupportedTool = "TOOL_UNSUPPORTED"
	ErrorCodeInvalidArgs     = "TOOL_INVALID_ARGS"
	ErrorCodeExecutionFailed = "TOOL_EXECUTION_FAILED"
)

type ToolContext struct {
	UserID         string
	ConversationID string
}

type Result struct {
	Tool       string
	Success    bool
	Code       string
	Message    string
	Data       any
	DurationMS int64
}

type Executor interface {
	Execute(ctx context.Context, name string, tc ToolContext, args map[string]any) Result
}

// Spec describes a tool to the planner. Parameters is a JSON schema object.
type Spec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type ItemStore interface {
	Create(ctx context.Context, item items.Item) (items.Item, error)
	Search(ctx context.Context, userID string, query string, limit int) ([]items.Item, error)
	Delete(ctx context.Context, userID string, id string) (bool, error)
	DeleteAll(ctx context.Context, userID string) (int64, error)
}

type ToolError struct {
	Code    string
	Message string
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Message) != "" {
		return e.Message
	}
	return e.Code
}

type handlerFunc func(ctx context.Context, tc ToolContext, args map[string]any) (any, error)

// Registry executes the named tool set against the item store and the
// catalog. Unknown names fail closed.
type Registry struct {
	items    ItemStore
	catalog  catalog.Catalog
	logger   *zap.Logger
	handlers map[string]handlerFunc
}

func NewRegistry(store ItemStore, cat catalog.Catalog, log *zap.Logger) *Registry {
	r := &Registry{
		items:   store,
		catalog: cat,
		logger:  logger.OrNop(log).Named("tools"),
	}
	r.handlers = map[string]handlerFunc{
		SearchItems:    r.searchItems,
		SaveItem:       r.saveItem,
		DeleteItem:     r.deleteItem,
		DeleteAllItems: r.deleteAllItems,
		SearchCatalog:  r.searchCatalog,
	}
	return r
}

func (r *Registry) Execute(ctx context.Context, name string, tc ToolContext, args map[string]any) Result {
	started := time.Now()
	toolName := NormalizeToolName(name)
	handler, ok := r.handlers[toolName]
	if !ok {
		result := Result{Tool: toolName, Code: ErrorCodeUnsupportedTool, Message: fmt.Sprintf("unsupported tool %q", name)}
		r.audit(tc, args, result)
		return result
	}
	if strings.TrimSpace(tc.UserID) == "" {
		result := Result{Tool: toolName, Code: ErrorCodeInvalidArgs, Message: "user_id is required"}
		r.audit(tc, args, result)
		return result
	}

	data, err := handler(ctx, tc, args)
	result := Result{Tool: toolName, DurationMS: time.Since(started).Milliseconds()}
	if err != nil {
		result.Code = ErrorCodeExecutionFailed
		if toolErr, ok := err.(*ToolError); ok && toolErr.Code != "" {
			result.Code = toolErr.Code
		}
		result.Message = strings.TrimSpace(err.Error())
	} else {
		result.Success = true
		result.Data = data
	}
	r.audit(tc, args, result)
	return result
}

// Specs lists the tools offered to the planner. Destructive bulk deletion
// is kept out of the planner's reach.
func (r *Registry) Specs() []Spec {
	return []Spec{
		{
			Name:        SearchItems,
			Description: "Busca itens salvos pelo usuário (filmes, notas, links, vídeos).",
			Parameters: objectSchema(map[string]any{
				"query": stringProp("Termos de busca; vazio lista tudo."),
				"limit": map[string]any{"type": "integer", "description": "Máximo de resultados."},
			}),
		},
		{
			Name:        SaveItem,
			Description: "Salva um item para o usuário.",
			Parameters: objectSchema(map[string]any{
				"type":        map[string]any{"type": "string", "enum": []string{items.TypeMovie, items.TypeNote, items.TypeLink, items.TypeVideo}},
				"title":       stringProp("Título do item."),
				"external_id": stringProp("Id do catálogo, quando houver."),
				"year":        map[string]any{"type": "integer", "description": "Ano de lançamento."},
				"url":         stringProp("URL para links e vídeos."),
			}, "type", "title"),
		},
		{
			Name:        DeleteItem,
			Description: "Remove um item salvo pelo id.",
			Parameters:  objectSchema(map[string]any{"id": stringProp("Id do item.")}, "id"),
		},
		{
			Name:        SearchCatalog,
			Description: "Procura filmes no catálogo para identificar título e ano.",
			Parameters:  objectSchema(map[string]any{"query": stringProp("Título do filme.")}, "query"),
		},
	}
}

func (r *Registry) searchItems(ctx context.Context, tc ToolContext, args map[string]any) (any, error) {
	limit := argInt(args, "limit", 20)
	if limit > 50 {
		limit = 50
	}
	return r.items.Search(ctx, tc.UserID, argString(args, "query"), limit)
}

func (r *Registry) saveItem(ctx context.Context, tc ToolContext, args map[string]any) (any, error) {
	itemType := strings.ToLower(argString(args, "type"))
	if itemType == "" {
		itemType = items.TypeNote
	}
	if !items.ValidType(itemType) {
		return nil, &ToolError{Code: ErrorCodeInvalidArgs, Message: fmt.Sprintf("invalid item type %q", itemType)}
	}
	title := argString(args, "title")
	if title == "" {
		return nil, &ToolError{Code: ErrorCodeInvalidArgs, Message: "title is required"}
	}
	meta := map[string]any{}
	if extra, ok := args["metadata"].(map[string]any); ok {
		for k, v := range extra {
			meta[k] = v
		}
	}
	if year := argInt(args, "year", 0); year > 0 {
		meta["year"] = year
	}
	if u := argString(args, "url"); u != "" {
		meta["url"] = u
	}
	if content := argString(args, "content"); content != "" {
		meta["full_content"] = content
	}
	return r.items.Create(ctx, items.Item{
		UserID:     tc.UserID,
		Type:       itemType,
		Title:      title,
		ExternalID: argString(args, "external_id"),
		Metadata:   meta,
	})
}

func (r *Registry) deleteItem(ctx context.Context, tc ToolContext, args map[string]any) (any, error) {
	id := argString(args, "id")
	if id == "" {
		return nil, &ToolError{Code: ErrorCodeInvalidArgs, Message: "id is required"}
	}
	ok, err := r.items.Delete(ctx, tc.UserID, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ToolError{Code: ErrorCodeExecutionFailed, Message: fmt.Sprintf("item %s not found", id)}
	}
	return true, nil
}

func (r *Registry) deleteAllItems(ctx context.Context, tc ToolContext, _ map[string]any) (any, error) {
	return r.items.DeleteAll(ctx, tc.UserID)
}

func (r *Registry) searchCatalog(ctx context.Context, _ ToolContext, args map[string]any) (any, error) {
	if r.catalog == nil {
		return nil, &ToolError{Code: ErrorCodeUnsupportedTool, Message: "catalog is not configured"}
	}
	query := argString(args, "query")
	if query == "" {
		return nil, &ToolError{Code: ErrorCodeInvalidArgs, Message: "query is required"}
	}
	return r.catalog.Search(ctx, query)
}

func (r *Registry) audit(tc ToolContext, args map[string]any, result Result) {
	fields := []zap.Field{
		zap.String("tool", result.Tool),
		zap.String("user_id", tc.UserID),
		zap.String("conversation_id", tc.ConversationID),
		zap.Bool("success", result.Success),
		zap.Int64("duration_ms", result.DurationMS),
		zap.Any("args", summarizeMap(args)),
	}
	if !result.Success {
		r.logger.Warn("tool failed", append(fields, zap.String("code", result.Code), zap.String("message", result.Message))...)
		return
	}
	r.logger.Debug("tool executed", fields...)
}

func NormalizeToolName(name string) string {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	trimmed = strings.ReplaceAll(trimmed, "-", "_")
	trimmed = strings.ReplaceAll(trimmed, " ", "_")
	return trimmed
}

func argString(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return ""
}

func argInt(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func summarizeMap(payload map[string]any) map[string]string {
	if len(payload) == 0 {
		return map[string]string{}
	}
	keys := make([]string, 0, len(payload))
	for key := range payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	summary := make(map[string]string, len(keys))
	for _, key := range keys {
		summary[key] = summarizeValue(payload[key])
	}
	return summary
}

func summarizeValue(value any) string {
	switch v := value.(type) {
	case string:
		text := strings.TrimSpace(v)
		if text == "" {
			return "string(0)"
		}
		runes := []rune(text)
		if len(runes) > 60 {
			return fmt.Sprintf("string(%d):%s...", len(runes), textnorm.Truncate(text, 60))
		}
		return fmt.Sprintf("string(%d):%s", len(runes), text)
	case bool:
		if v {
			return "bool:true"
		}
		return "bool:false"
	case int, int8, int16, int32, int64:
		return fmt.Sprintf("int:%v", v)
	case float32, float64:
		return fmt.Sprintf("float:%v", v)
	case []any:
		return fmt.Sprintf("[]any(len=%d)", len(v))
	case map[string]any:
		return fmt.Sprintf("map(len=%d)", len(v))
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", value)
	}
}
