package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/obox/internal/sandbox"
)

// ServerName is the name agents see the sandbox server under. Tool names
// are exposed to agents as mcp__{ServerName}__{tool}.
const ServerName = "e2b-sandbox"

const defaultExecTimeout = 60

// Server exposes a sandbox.Provider as MCP tools.
type Server struct {
	provider sandbox.Provider
}

// NewServer creates the MCP server wrapper around provider.
func NewServer(p sandbox.Provider) *Server {
	return &Server{provider: p}
}

// ServerTools returns every tool with its handler.
func (s *Server) ServerTools() []server.ServerTool {
	defs := []func() (mcp.Tool, server.ToolHandlerFunc){
		s.initSandboxTool,
		s.createSandboxTool,
		s.connectSandboxTool,
		s.killSandboxTool,
		s.sandboxInfoTool,
		s.sandboxStatusTool,
		s.listSandboxesTool,
		s.pauseSandboxTool,
		s.resumeSandboxTool,
		s.getHostTool,
		s.listFilesTool,
		s.readFileTool,
		s.writeFileTool,
		s.uploadFileTool,
		s.downloadFileTool,
		s.checkFileExistsTool,
		s.getFileInfoTool,
		s.removeFileTool,
		s.makeDirectoryTool,
		s.renameFileTool,
		s.executeCommandTool,
	}
	tools := make([]server.ServerTool, len(defs))
	for i, def := range defs {
		tool, handler := def()
		tools[i] = server.ServerTool{Tool: tool, Handler: handler}
	}
	return tools
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer(ServerName, "1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("Manage isolated sandboxes: create them, execute commands, manage files and control their lifecycle."),
	)
	srv.AddTools(s.ServerTools()...)
	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// init_sandbox
func (s *Server) initSandboxTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("init_sandbox",
		mcp.WithDescription("Initialize a new sandbox and return its sandbox_id."),
		mcp.WithString("template", mcp.Description("Sandbox template name (e.g. 'base')")),
		mcp.WithNumber("timeout", mcp.Description("Sandbox timeout in seconds (default: 300)")),
		mcp.WithString("env_vars", mcp.Description("Environment variables as comma-separated KEY=VALUE pairs")),
	)
	return tool, s.handleCreate
}

// create_sandbox
func (s *Server) createSandboxTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("create_sandbox",
		mcp.WithDescription("Create a new sandbox with advanced options. Returns the sandbox_id and its configuration."),
		mcp.WithString("template", mcp.Description("Sandbox template name")),
		mcp.WithNumber("timeout", mcp.Description("Sandbox timeout in seconds (default: 300)")),
		mcp.WithString("env_vars", mcp.Description("Environment variables as comma-separated KEY=VALUE pairs")),
		mcp.WithBoolean("auto_pause", mcp.Description("Pause instead of killing the sandbox when it times out")),
	)
	return tool, s.handleCreate
}

func (s *Server) handleCreate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	env, err := parseEnvVars(request.GetString("env_vars", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opts := sandbox.CreateOptions{
		Template:  request.GetString("template", ""),
		Timeout:   seconds(request.GetInt("timeout", int(sandbox.DefaultTimeout/time.Second))),
		Env:       env,
		AutoPause: request.GetBool("auto_pause", false),
	}

	info, err := s.provider.Create(ctx, opts)
	if err != nil {
		return toolError("create sandbox", err), nil
	}
	return jsonResult(info)
}

// connect_sandbox
func (s *Server) connectSandboxTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("connect_sandbox",
		mcp.WithDescription("Connect to an existing sandbox to verify it is running."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("The sandbox ID to connect to")),
		mcp.WithNumber("timeout", mcp.Description("Optional connection timeout in seconds")),
	)
	return tool, s.handleConnect
}

func (s *Server) handleConnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: sandbox_id"), nil
	}
	if t := request.GetInt("timeout", 0); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, seconds(t))
		defer cancel()
	}
	info, err := s.provider.Connect(ctx, id)
	if err != nil {
		return toolError("connect sandbox", err), nil
	}
	return jsonResult(map[string]any{"connected": true, "sandbox": info})
}

// kill_sandbox
func (s *Server) killSandboxTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("kill_sandbox",
		mcp.WithDescription("Kill a sandbox and discard its filesystem."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("The sandbox ID to terminate")),
	)
	return tool, s.lifecycle("kill", s.provider.Kill)
}

// pause_sandbox
func (s *Server) pauseSandboxTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("pause_sandbox",
		mcp.WithDescription("Pause a sandbox. Its filesystem is kept; running processes are stopped."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("The sandbox ID")),
	)
	return tool, s.lifecycle("pause", s.provider.Pause)
}

// resume_sandbox
func (s *Server) resumeSandboxTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("resume_sandbox",
		mcp.WithDescription("Resume a paused sandbox."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("The sandbox ID")),
	)
	return tool, s.lifecycle("resume", s.provider.Resume)
}

func (s *Server) lifecycle(action string, fn func(context.Context, string) error) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("sandbox_id")
		if err != nil {
			return mcp.NewToolResultError("missing required parameter: sandbox_id"), nil
		}
		if err := fn(ctx, id); err != nil {
			return toolError(action+" sandbox", err), nil
		}
		return jsonResult(map[string]any{"success": true, "sandbox_id": id, "action": action})
	}
}

// get_sandbox_info
func (s *Server) sandboxInfoTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("get_sandbox_info",
		mcp.WithDescription("Get detailed information about a sandbox: template, state, start and end time."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("The sandbox ID")),
	)
	return tool, s.handleInfo
}

func (s *Server) handleInfo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: sandbox_id"), nil
	}
	info, err := s.provider.Connect(ctx, id)
	if err != nil {
		return toolError("get sandbox info", err), nil
	}
	return jsonResult(info)
}

// check_sandbox_status
func (s *Server) sandboxStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("check_sandbox_status",
		mcp.WithDescription("Check whether a sandbox is currently running."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("The sandbox ID")),
	)
	return tool, s.handleStatus
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: sandbox_id"), nil
	}
	info, err := s.provider.Connect(ctx, id)
	if err != nil {
		// A missing sandbox is simply not running.
		return jsonResult(map[string]any{"sandbox_id": id, "running": false})
	}
	return jsonResult(map[string]any{
		"sandbox_id": id,
		"running":    info.State == sandbox.StateRunning,
		"state":      info.State,
	})
}

// list_sandboxes
func (s *Server) listSandboxesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("list_sandboxes",
		mcp.WithDescription("List sandboxes with their metadata."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of sandboxes to return (default: 20)")),
	)
	return tool, s.handleList
}

func (s *Server) handleList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", 20)
	all, err := s.provider.List(ctx)
	if err != nil {
		return toolError("list sandboxes", err), nil
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	if all == nil {
		all = []*sandbox.Info{}
	}
	return jsonResult(map[string]any{"sandboxes": all, "count": len(all)})
}

// get_host
func (s *Server) getHostTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("get_host",
		mcp.WithDescription("Get the address for an exposed port in the sandbox (e.g. 5173 for Vite, 3000 for Next.js)."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("The sandbox ID")),
		mcp.WithNumber("port", mcp.Required(), mcp.Description("Port number to expose")),
	)
	return tool, s.handleHost
}

func (s *Server) handleHost(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: sandbox_id"), nil
	}
	port, err := request.RequireInt("port")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: port"), nil
	}
	host, err := s.provider.Host(ctx, id, port)
	if err != nil {
		return toolError("get host", err), nil
	}
	return jsonResult(map[string]any{"host": host, "url": "http://" + host, "port": port})
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

// list_files
func (s *Server) listFilesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("list_files",
		mcp.WithDescription("List files and directories in a sandbox path with name, type, size and permissions."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("The sandbox ID")),
		mcp.WithString("path", mcp.Description("Directory path to list (default: /)")),
		mcp.WithNumber("depth", mcp.Description("Directory depth to traverse (default: 1)")),
	)
	return tool, s.handleListFiles
}

func (s *Server) handleListFiles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: sandbox_id"), nil
	}
	path := request.GetString("path", "/")
	files, err := s.provider.ListFiles(ctx, id, path, request.GetInt("depth", 1))
	if err != nil {
		return toolError("list files", err), nil
	}
	if files == nil {
		files = []sandbox.FileInfo{}
	}
	return jsonResult(map[string]any{"path": path, "files": files})
}

// read_file
func (s *Server) readFileTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("read_file",
		mcp.WithDescription("Read a text file from the sandbox."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("The sandbox ID")),
		mcp.WithString("path", mcp.Required(), mcp.Description("File path to read")),
	)
	return tool, s.handleReadFile
}

func (s *Server) handleReadFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, path, errResult := requireIDAndPath(request, "path")
	if errResult != nil {
		return errResult, nil
	}
	data, err := s.provider.ReadFile(ctx, id, path)
	if err != nil {
		return toolError("read file", err), nil
	}
	return jsonResult(map[string]any{"path": path, "content": string(data)})
}

// write_file
func (s *Server) writeFileTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("write_file",
		mcp.WithDescription("Write text content to a file in the sandbox, creating parent directories."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("The sandbox ID")),
		mcp.WithString("path", mcp.Required(), mcp.Description("File path to write to")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Text content to write")),
	)
	return tool, s.handleWriteFile
}

func (s *Server) handleWriteFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, path, errResult := requireIDAndPath(request, "path")
	if errResult != nil {
		return errResult, nil
	}
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: content"), nil
	}
	fi, err := s.provider.WriteFile(ctx, id, path, []byte(content))
	if err != nil {
		return toolError("write file", err), nil
	}
	return jsonResult(map[string]any{"success": true, "path": fi.Path, "size": fi.Size})
}

// upload_file
func (s *Server) uploadFileTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("upload_file",
		mcp.WithDescription("Upload a local file into the sandbox."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("The sandbox ID")),
		mcp.WithString("local_path", mcp.Required(), mcp.Description("Path to the local file to upload")),
		mcp.WithString("remote_path", mcp.Required(), mcp.Description("Destination path in the sandbox")),
	)
	return tool, s.handleUpload
}

func (s *Server) handleUpload(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, remote, errResult := requireIDAndPath(request, "remote_path")
	if errResult != nil {
		return errResult, nil
	}
	local, err := request.RequireString("local_path")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: local_path"), nil
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return toolError("upload file", err), nil
	}
	fi, err := s.provider.WriteFile(ctx, id, remote, data)
	if err != nil {
		return toolError("upload file", err), nil
	}
	return jsonResult(map[string]any{"success": true, "local_path": local, "remote_path": fi.Path, "size": fi.Size})
}

// download_file
func (s *Server) downloadFileTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("download_file",
		mcp.WithDescription("Download a file from the sandbox to a local path."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("The sandbox ID")),
		mcp.WithString("remote_path", mcp.Required(), mcp.Description("Path to the file in the sandbox")),
		mcp.WithString("local_path", mcp.Required(), mcp.Description("Local destination path")),
	)
	return tool, s.handleDownload
}

func (s *Server) handleDownload(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, remote, errResult := requireIDAndPath(request, "remote_path")
	if errResult != nil {
		return errResult, nil
	}
	local, err := request.RequireString("local_path")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: local_path"), nil
	}
	data, err := s.provider.ReadFile(ctx, id, remote)
	if err != nil {
		return toolError("download file", err), nil
	}
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return toolError("download file", err), nil
	}
	if err := os.WriteFile(local, data, 0644); err != nil {
		return toolError("download file", err), nil
	}
	return jsonResult(map[string]any{"success": true, "remote_path": remote, "local_path": local, "size": len(data)})
}

// check_file_exists
func (s *Server) checkFileExistsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("check_file_exists",
		mcp.WithDescription("Check whether a file or directory exists."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("The sandbox ID")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path to check")),
	)
	return tool, s.handleExists
}

func (s *Server) handleExists(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, path, errResult := requireIDAndPath(request, "path")
	if errResult != nil {
		return errResult, nil
	}
	ok, err := s.provider.Exists(ctx, id, path)
	if err != nil {
		return toolError("check file", err), nil
	}
	return jsonResult(map[string]any{"path": path, "exists": ok})
}

// get_file_info
func (s *Server) getFileInfoTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("get_file_info",
		mcp.WithDescription("Get file metadata: name, size, type and permissions."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("The sandbox ID")),
		mcp.WithString("path", mcp.Required(), mcp.Description("File path")),
	)
	return tool, s.handleFileInfo
}

func (s *Server) handleFileInfo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, path, errResult := requireIDAndPath(request, "path")
	if errResult != nil {
		return errResult, nil
	}
	fi, err := s.provider.Stat(ctx, id, path)
	if err != nil {
		return toolError("get file info", err), nil
	}
	return jsonResult(fi)
}

// remove_file
func (s *Server) removeFileTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("remove_file",
		mcp.WithDescription("Remove a file or directory."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("The sandbox ID")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path to remove")),
	)
	return tool, s.handleRemove
}

func (s *Server) handleRemove(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, path, errResult := requireIDAndPath(request, "path")
	if errResult != nil {
		return errResult, nil
	}
	if err := s.provider.Remove(ctx, id, path); err != nil {
		return toolError("remove file", err), nil
	}
	return jsonResult(map[string]any{"success": true, "path": path})
}

// make_directory
func (s *Server) makeDirectoryTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("make_directory",
		mcp.WithDescription("Create a directory, including parents."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("The sandbox ID")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Directory path to create")),
	)
	return tool, s.handleMkdir
}

func (s *Server) handleMkdir(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, path, errResult := requireIDAndPath(request, "path")
	if errResult != nil {
		return errResult, nil
	}
	created, err := s.provider.MakeDir(ctx, id, path)
	if err != nil {
		return toolError("make directory", err), nil
	}
	return jsonResult(map[string]any{"success": true, "path": path, "created": created})
}

// rename_file
func (s *Server) renameFileTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("rename_file",
		mcp.WithDescription("Rename or move a file or directory."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("The sandbox ID")),
		mcp.WithString("old_path", mcp.Required(), mcp.Description("Current path")),
		mcp.WithString("new_path", mcp.Required(), mcp.Description("New path")),
	)
	return tool, s.handleRename
}

func (s *Server) handleRename(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, oldPath, errResult := requireIDAndPath(request, "old_path")
	if errResult != nil {
		return errResult, nil
	}
	newPath, err := request.RequireString("new_path")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: new_path"), nil
	}
	fi, err := s.provider.Rename(ctx, id, oldPath, newPath)
	if err != nil {
		return toolError("rename file", err), nil
	}
	return jsonResult(map[string]any{"success": true, "old_path": oldPath, "new_path": fi.Path})
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// execute_command
func (s *Server) executeCommandTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("execute_command",
		mcp.WithDescription("Execute a shell command in the sandbox. Returns stdout, stderr and exit_code."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("The sandbox ID")),
		mcp.WithString("command", mcp.Required(), mcp.Description("Command to execute")),
		mcp.WithString("cwd", mcp.Description("Working directory for command execution")),
		mcp.WithString("user", mcp.Description("Run as a specific user")),
		mcp.WithBoolean("root", mcp.Description("Run as the root user")),
		mcp.WithBoolean("shell", mcp.Description("Execute in shell context (pipes, redirections)")),
		mcp.WithString("env_vars", mcp.Description("Environment variables as comma-separated KEY=VALUE pairs")),
		mcp.WithNumber("timeout", mcp.Description("Command timeout in seconds, 0 for unlimited (default: 60)")),
		mcp.WithBoolean("background", mcp.Description("Run the command in the background and return its pid")),
	)
	return tool, s.handleExec
}

func (s *Server) handleExec(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: sandbox_id"), nil
	}
	command, err := request.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: command"), nil
	}
	env, err := parseEnvVars(request.GetString("env_vars", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	opts := sandbox.ExecOptions{
		Cwd:        request.GetString("cwd", ""),
		User:       request.GetString("user", ""),
		Env:        env,
		Background: request.GetBool("background", false),
		Timeout:    seconds(request.GetInt("timeout", defaultExecTimeout)),
	}
	if request.GetBool("root", false) {
		opts.User = "root"
	}

	res, err := s.provider.Exec(ctx, id, command, opts)
	if err != nil {
		return toolError("execute command", err), nil
	}
	return jsonResult(res)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func requireIDAndPath(request mcp.CallToolRequest, pathKey string) (string, string, *mcp.CallToolResult) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return "", "", mcp.NewToolResultError("missing required parameter: sandbox_id")
	}
	path, err := request.RequireString(pathKey)
	if err != nil {
		return "", "", mcp.NewToolResultError("missing required parameter: " + pathKey)
	}
	return id, path, nil
}

// parseEnvVars parses "KEY=VALUE,KEY=VALUE" into a map.
func parseEnvVars(s string) (map[string]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	env := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env var %q: expected KEY=VALUE", pair)
		}
		env[k] = v
	}
	return env, nil
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func toolError(action string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("failed to %s: %v", action, err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

type clientServer struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// ClientConfig renders an MCP client configuration file that launches this
// server as command args... under ServerName.
func ClientConfig(command string, args ...string) ([]byte, error) {
	doc := map[string]map[string]clientServer{
		"mcpServers": {ServerName: {Command: command, Args: args}},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode mcp config: %w", err)
	}
	return data, nil
}
