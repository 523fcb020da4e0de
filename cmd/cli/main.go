package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL     string
	apiKey        string
	workspaceID   string
	timeout       string
	language      string
	securityLevel string
	memoryMB      int64
)

func main() {
	root := &cobra.Command{
		Use:   "sandbox-cli",
		Short: "CLI client for swiss-sandbox",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SANDBOX_API_KEY"), "API key")

	// Execute command
	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute code in a workspace",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	addExecFlags(execCmd, "python")
	root.AddCommand(execCmd)

	// Execute from file
	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Execute code from a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	addExecFlags(execFileCmd, "")
	root.AddCommand(execFileCmd)

	root.AddCommand(workspaceCommand(), fileCommand())

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(_ *cobra.Command, _ []string) error {
			return call(http.MethodGet, "/health", nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		RunE: func(_ *cobra.Command, _ []string) error {
			return call(http.MethodGet, "/executions", nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show execution, workspace and connection statistics",
		RunE: func(_ *cobra.Command, _ []string) error {
			return call(http.MethodGet, "/stats", nil)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addExecFlags(cmd *cobra.Command, defaultLanguage string) {
	cmd.Flags().StringVarP(&workspaceID, "workspace", "w", os.Getenv("SANDBOX_WORKSPACE"), "Workspace ID")
	cmd.Flags().StringVar(&timeout, "timeout", "30s", "Execution timeout")
	cmd.Flags().StringVarP(&language, "language", "l", defaultLanguage, "Language (python, shell, bash, render)")
	cmd.Flags().StringVar(&securityLevel, "security-level", "", "Override the workspace security level")
	cmd.Flags().Int64Var(&memoryMB, "memory", 0, "Memory limit in MB")
}

func workspaceCommand() *cobra.Command {
	ws := &cobra.Command{
		Use:   "workspace",
		Short: "Manage workspaces",
	}

	var (
		source    string
		isolated  bool
		image     string
		network   bool
		level     string
		wsMemory  int64
		cpuLimit  float64
		processes int64
	)
	create := &cobra.Command{
		Use:   "create [id]",
		Short: "Create a workspace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			payload := map[string]any{
				"source_path": source,
				"config": map[string]any{
					"use_isolation":  isolated,
					"image":          image,
					"network":        network,
					"security_level": level,
					"memory_mb":      wsMemory,
					"cpu_limit":      cpuLimit,
					"processes":      processes,
				},
			}
			if len(args) > 0 {
				payload["id"] = args[0]
			}
			return call(http.MethodPost, "/workspaces", payload)
		},
	}
	create.Flags().StringVar(&source, "source", "", "Directory to copy into the workspace")
	create.Flags().BoolVar(&isolated, "isolated", false, "Run the workspace in a container")
	create.Flags().StringVar(&image, "image", "", "Container image")
	create.Flags().BoolVar(&network, "network", false, "Allow container networking")
	create.Flags().StringVar(&level, "security-level", "", "Security level (strict, moderate, permissive)")
	create.Flags().Int64Var(&wsMemory, "memory", 0, "Container memory limit in MB")
	create.Flags().Float64Var(&cpuLimit, "cpus", 0, "Container CPU limit")
	create.Flags().Int64Var(&processes, "processes", 0, "Container process limit")

	ws.AddCommand(create,
		&cobra.Command{
			Use:   "list",
			Short: "List workspaces",
			RunE: func(_ *cobra.Command, _ []string) error {
				return call(http.MethodGet, "/workspaces", nil)
			},
		},
		&cobra.Command{
			Use:   "get [id]",
			Short: "Show a workspace",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return call(http.MethodGet, "/workspaces/"+url.PathEscape(args[0]), nil)
			},
		},
		&cobra.Command{
			Use:   "usage [id]",
			Short: "Show container resource usage",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return call(http.MethodGet, "/workspaces/"+url.PathEscape(args[0])+"/usage", nil)
			},
		},
		&cobra.Command{
			Use:   "delete [id]",
			Short: "Destroy a workspace",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return call(http.MethodDelete, "/workspaces/"+url.PathEscape(args[0]), nil)
			},
		},
	)
	return ws
}

func fileCommand() *cobra.Command {
	files := &cobra.Command{
		Use:   "file",
		Short: "Read and write workspace files",
	}

	files.AddCommand(
		&cobra.Command{
			Use:   "cat [workspace] [path]",
			Short: "Print a workspace file",
			Args:  cobra.ExactArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				return call(http.MethodGet, filesPath(args[0], "files", args[1]), nil)
			},
		},
		&cobra.Command{
			Use:   "put [workspace] [path] [local-file]",
			Short: "Upload a local file into a workspace",
			Args:  cobra.ExactArgs(3),
			RunE: func(_ *cobra.Command, args []string) error {
				data, err := os.ReadFile(args[2])
				if err != nil {
					return fmt.Errorf("reading file: %w", err)
				}
				return call(http.MethodPut, "/workspaces/"+url.PathEscape(args[0])+"/files",
					map[string]any{"path": args[1], "content": string(data)})
			},
		},
		&cobra.Command{
			Use:   "ls [workspace] [path]",
			Short: "List a workspace directory",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(_ *cobra.Command, args []string) error {
				dir := "."
				if len(args) > 1 {
					dir = args[1]
				}
				return call(http.MethodGet, filesPath(args[0], "dir", dir), nil)
			},
		},
	)
	return files
}

func filesPath(workspace, endpoint, path string) string {
	return "/workspaces/" + url.PathEscape(workspace) + "/" + endpoint + "?path=" + url.QueryEscape(path)
}

func runExec(cmd *cobra.Command, args []string) error {
	var code string

	if len(args) > 0 {
		code = args[0]
	} else {
		// Read from stdin
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}

	return executeCode(code, language)
}

func runExecFile(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	// Auto-detect language from extension
	if language == "" {
		switch ext := filepath.Ext(args[0]); ext {
		case ".py", ".star":
			language = "python"
		case ".sh":
			language = "bash"
		default:
			return fmt.Errorf("cannot detect language for extension %q, use --language flag", ext)
		}
	}

	return executeCode(string(data), language)
}

func executeCode(code, lang string) error {
	if workspaceID == "" {
		return fmt.Errorf("--workspace is required")
	}

	payload := map[string]any{
		"workspace_id": workspaceID,
		"code":         code,
		"language":     lang,
		"timeout":      timeout,
	}
	if securityLevel != "" {
		payload["security_level"] = securityLevel
	}
	if memoryMB > 0 {
		payload["limits"] = map[string]any{"memory_mb": memoryMB}
	}

	result, err := request(http.MethodPost, "/execute", payload)
	if err != nil {
		return err
	}
	printJSON(result)

	// Exit non-zero when the execution did not succeed
	if m, ok := result.(map[string]any); ok {
		if success, _ := m["success"].(bool); !success {
			os.Exit(1)
		}
	}
	return nil
}

func call(method, path string, payload any) error {
	result, err := request(method, path, payload)
	if err != nil {
		return err
	}
	if result != nil {
		printJSON(result)
	}
	return nil
}

func request(method, path string, payload any) (any, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		fmt.Println("ok")
		return nil, nil
	}

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if resp.StatusCode >= 400 {
		printJSON(result)
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}
	return result, nil
}

func printJSON(v any) {
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}
