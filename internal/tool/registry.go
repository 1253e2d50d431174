package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentmux/coderd/internal/agent"
	"github.com/agentmux/coderd/internal/clienttool"
	"github.com/agentmux/coderd/internal/storage"
)

// clientToolTimeout bounds how long the registry waits for a client to
// answer a forwarded tool.call with tool.result before failing the call.
const clientToolTimeout = 2 * time.Minute

// DenyFunc decides whether a tool call should be rejected before it runs,
// independent of argument validity — the permission/hook layer plugs in
// here rather than the registry knowing about permissions directly.
type DenyFunc func(ctx context.Context, toolID string, input map[string]any) (denied bool, reason string)

// Registry manages tool registration and lookup.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	schemas  map[string]*jsonschema.Schema
	workDir  string
	storage  *storage.Storage
	denyFunc DenyFunc
	log      zerolog.Logger
}

// NewRegistry creates a new tool registry. logger is the handle the
// registry and every tool it logs on behalf of use; it is set once here
// rather than read from a package-level global.
func NewRegistry(workDir string, store *storage.Storage, logger zerolog.Logger) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		workDir: workDir,
		storage: store,
		log:     logger,
	}
}

// SetDenyFunc installs the hook/permission layer's decision function. Calls
// to Execute consult it before argument validation runs.
func (r *Registry) SetDenyFunc(fn DenyFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.denyFunc = fn
}

// Storage returns the storage instance.
func (r *Registry) Storage() *storage.Storage {
	return r.storage
}

// Register adds a tool to the registry, compiling its JSON Schema once up
// front so Execute doesn't pay parse cost on every call.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.Debug().Str("tool", tool.ID()).Msg("registering tool")
	r.tools[tool.ID()] = tool

	params := tool.Parameters()
	if len(params) == 0 {
		return
	}
	var doc any
	if err := json.Unmarshal(params, &doc); err != nil {
		r.log.Warn().Str("tool", tool.ID()).Err(err).Msg("tool parameters are not valid JSON Schema")
		return
	}
	resourceURL := "mem://tool/" + tool.ID() + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceURL, doc); err != nil {
		r.log.Warn().Str("tool", tool.ID()).Err(err).Msg("failed to register tool schema")
		return
	}
	sch, err := compiler.Compile(resourceURL)
	if err != nil {
		r.log.Warn().Str("tool", tool.ID()).Err(err).Msg("failed to compile tool schema")
		return
	}
	r.schemas[tool.ID()] = sch
}

// Get retrieves a tool by ID.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[id]
	return tool, ok
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	return tools
}

// IDs returns all tool IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	return ids
}

// EinoTools returns Eino-compatible tools.
func (r *Registry) EinoTools() []einotool.BaseTool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]einotool.BaseTool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t.EinoTool())
	}
	return tools
}

// ToolInfos returns Eino tool infos for all tools.
func (r *Registry) ToolInfos() ([]*schema.ToolInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]*schema.ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		params := parseJSONSchemaToParams(t.Parameters())
		infos = append(infos, &schema.ToolInfo{
			Name:        t.ID(),
			Desc:        t.Description(),
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	return infos, nil
}

// Execute validates input against the tool's registered JSON Schema, runs
// the hook/permission DenyFunc, and invokes the tool if neither rejects the
// call. This is the entry point the Agent Turn Loop calls per tool_call;
// Tool.Execute itself stays schema-agnostic.
func (r *Registry) Execute(ctx context.Context, toolID string, input map[string]any) (*Result, error) {
	r.mu.RLock()
	t, ok := r.tools[toolID]
	sch := r.schemas[toolID]
	denyFunc := r.denyFunc
	r.mu.RUnlock()

	if !ok {
		if clienttool.IsClientTool(toolID) {
			return r.executeClientTool(ctx, toolID, input)
		}
		return nil, fmt.Errorf("tool: unknown tool %q", toolID)
	}

	if denyFunc != nil {
		if denied, reason := denyFunc(ctx, toolID, input); denied {
			return nil, fmt.Errorf("tool: %s denied: %s", toolID, reason)
		}
	}

	if sch != nil {
		if err := sch.Validate(input); err != nil {
			return nil, fmt.Errorf("tool: %s: invalid arguments: %w", toolID, err)
		}
	}

	argsJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("tool: %s: marshal arguments: %w", toolID, err)
	}

	return t.Execute(ctx, argsJSON, &Context{WorkDir: r.workDir})
}

// executeClientTool forwards a call whose tool id was registered by a
// connected client (internal/clienttool) rather than this process, blocking
// until that client answers via the tool.result RPC method.
func (r *Registry) executeClientTool(ctx context.Context, toolID string, input map[string]any) (*Result, error) {
	clientID := clienttool.FindClientForTool(toolID)
	if clientID == "" {
		return nil, fmt.Errorf("tool: unknown tool %q", toolID)
	}
	req := clienttool.ExecutionRequest{
		RequestID: ulid.Make().String(),
		Tool:      toolID,
		Input:     input,
	}
	result, err := clienttool.Execute(ctx, clientID, req, clientToolTimeout)
	if err != nil {
		return nil, fmt.Errorf("tool: client tool %s: %w", toolID, err)
	}
	return &Result{Title: result.Title, Output: result.Output, Metadata: result.Metadata}, nil
}

// DefaultRegistry creates a registry with all built-in tools.
func DefaultRegistry(workDir string, store *storage.Storage, logger zerolog.Logger) *Registry {
	logger.Info().Str("workDir", workDir).Msg("creating default tool registry")
	r := NewRegistry(workDir, store, logger)

	// Register core tools
	r.Register(NewReadTool(workDir))
	r.Register(NewWriteTool(workDir))
	r.Register(NewEditTool(workDir))
	r.Register(NewBashTool(workDir))
	r.Register(NewGlobTool(workDir))
	r.Register(NewGrepTool(workDir))
	r.Register(NewListTool(workDir))
	r.Register(NewWebFetchTool(workDir))

	// Register todo tools
	r.Register(NewTodoWriteTool(workDir, store))
	r.Register(NewTodoReadTool(workDir, store))

	// Register batch tool for parallel execution
	r.Register(NewBatchTool(workDir, r))

	// Note: TaskTool requires agent registry, register separately using RegisterTaskTool

	r.log.Info().Int("count", len(r.tools)).Strs("tools", r.IDs()).Msg("default tool registry ready")
	return r
}

// RegisterTaskTool registers the task tool with the given agent registry.
// This must be called separately after the agent registry is available.
func (r *Registry) RegisterTaskTool(agentReg *agent.Registry) {
	taskTool := NewTaskTool(r.workDir, agentReg)
	r.Register(taskTool)
	r.log.Info().Msg("registered task tool with agent registry")
}

// SetTaskExecutor sets the executor for the task tool.
// This enables actual subagent execution instead of placeholder responses.
func (r *Registry) SetTaskExecutor(executor TaskExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tool, ok := r.tools["Task"]; ok {
		if taskTool, ok := tool.(*TaskTool); ok {
			taskTool.SetExecutor(executor)
			r.log.Info().Msg("task executor configured")
		}
	}
}
