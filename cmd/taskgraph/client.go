package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/taskgraph/config"
	"github.com/mohammad-safakhou/taskgraph/internal/protocol"
	"github.com/mohammad-safakhou/taskgraph/internal/registry"
	srv "github.com/mohammad-safakhou/taskgraph/internal/server"
)

// apiClient talks to a running coordinator.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

type clientFlags struct {
	server string
	token  string
}

func (f *clientFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.server, "server", "", "coordinator base url (default from server.address)")
	cmd.Flags().StringVar(&f.token, "token", "", "bearer token (default signed from server.jwt_secret)")
}

func (f *clientFlags) client(cfgPath string) (*apiClient, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	base := f.server
	if base == "" {
		base = os.Getenv("TASKGRAPH_API")
	}
	if base == "" {
		addr := cfg.Server.Address
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		base = "http://" + addr
	}
	token := f.token
	if token == "" && cfg.Server.JWTSecret != "" {
		token, err = srv.SignToken("taskgraph-cli", []byte(cfg.Server.JWTSecret), 5*time.Minute, srv.ScopeTasksRead, srv.ScopeTasksWrite)
		if err != nil {
			return nil, err
		}
	}
	return &apiClient{base: strings.TrimRight(base, "/"), token: token, http: &http.Client{Timeout: 30 * time.Second}}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e srv.HTTPError
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *apiClient) submit(ctx context.Context, in protocol.CreateTaskRequest) (protocol.CreateTaskResponse, error) {
	var out protocol.CreateTaskResponse
	err := c.do(ctx, http.MethodPost, "/task", in, &out)
	return out, err
}

func (c *apiClient) status(ctx context.Context, id string) (protocol.TaskStatusResponse, error) {
	var out protocol.TaskStatusResponse
	err := c.do(ctx, http.MethodGet, "/task/"+id, nil, &out)
	return out, err
}

func (c *apiClient) agents(ctx context.Context) ([]registry.AgentStatus, error) {
	var out []registry.AgentStatus
	err := c.do(ctx, http.MethodGet, "/agents", nil, &out)
	return out, err
}

// wait polls until the task is terminal or ctx ends.
func (c *apiClient) wait(ctx context.Context, id string, every time.Duration) (protocol.TaskStatusResponse, error) {
	for {
		st, err := c.status(ctx, id)
		if err != nil {
			return st, err
		}
		if st.Status == "completed" || st.Status == "failed" {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-time.After(every):
		}
	}
}

func submitCMD(cfgPath *string) *cobra.Command {
	var f clientFlags
	var in protocol.CreateTaskRequest
	var scope string
	var waitFor time.Duration
	var cmd = &cobra.Command{
		Use:   "submit <target-url>",
		Short: "Submit a task to the coordinator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client(*cfgPath)
			if err != nil {
				return err
			}
			in.TargetURL = args[0]
			for _, s := range strings.Split(scope, ",") {
				if s = strings.TrimSpace(s); s != "" {
					in.AnalysisScope = append(in.AnalysisScope, s)
				}
			}
			out, err := c.submit(cmd.Context(), in)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s %s (%s)\n", color.GreenString("submitted"), out.TaskID, out.Message)
			if waitFor <= 0 {
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), waitFor)
			defer cancel()
			st, err := c.wait(ctx, out.TaskID, 2*time.Second)
			if err != nil {
				return err
			}
			printStatus(w, st)
			return nil
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&in.TaskType, "type", "competitor_analysis", "task type")
	cmd.Flags().StringVar(&scope, "scope", "", "comma separated analysis scope")
	cmd.Flags().StringVar(&in.Priority, "priority", "", "task priority")
	cmd.Flags().DurationVar(&waitFor, "wait", 0, "wait up to this long for the task to finish")
	return cmd
}

func statusCMD(cfgPath *string) *cobra.Command {
	var f clientFlags
	var cmd = &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task and its subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client(*cfgPath)
			if err != nil {
				return err
			}
			st, err := c.status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	f.bind(cmd)
	return cmd
}

func agentsCMD(cfgPath *string) *cobra.Command {
	var f clientFlags
	var cmd = &cobra.Command{
		Use:   "agents",
		Short: "List agents and their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client(*cfgPath)
			if err != nil {
				return err
			}
			list, err := c.agents(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, a := range list {
				line := fmt.Sprintf("%-22s %-12s %s", a.AgentID, a.AgentType, colorStatus(a.Status))
				if a.CurrentTask != "" {
					line += " " + a.CurrentTask
				}
				fmt.Fprintln(w, line)
			}
			return nil
		},
	}
	f.bind(cmd)
	return cmd
}

func printStatus(w io.Writer, st protocol.TaskStatusResponse) {
	fmt.Fprintf(w, "task %s [%s] %s\n", st.TaskID, st.Type, colorStatus(st.Status))
	if st.CreatedAt != "" {
		fmt.Fprintf(w, "  created %s\n", st.CreatedAt)
	}
	for _, s := range st.SubTasks {
		fmt.Fprintf(w, "  %-10s %-10s %s\n", s.Type, colorStatus(s.Status), s.ID)
	}
	if st.Error != "" {
		fmt.Fprintf(w, "  %s %s\n", color.RedString("error:"), st.Error)
	}
}

func colorStatus(s string) string {
	switch s {
	case "completed", "available":
		return color.GreenString(s)
	case "failed":
		return color.RedString(s)
	case "running", "busy":
		return color.CyanString(s)
	default:
		return color.YellowString(s)
	}
}
