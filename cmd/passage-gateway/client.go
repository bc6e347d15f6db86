// ABOUTME: Client commands talking to a running gateway over its HTTP API
// ABOUTME: health, agents, plan, status and cancel

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/passage-gateway/internal/agent"
	"github.com/2389/passage-gateway/internal/config"
	"github.com/2389/passage-gateway/internal/planning"
)

const pollInterval = 500 * time.Millisecond

// gatewayClient is a thin JSON client for the gateway HTTP API.
type gatewayClient struct {
	baseURL string
	http    *http.Client
}

// newClient resolves the gateway address from --addr or the config file.
func newClient() (*gatewayClient, error) {
	addr := addrFlag
	if addr == "" {
		cfg, err := config.Load(config.ResolvePath(configFlag))
		if err != nil {
			return nil, fmt.Errorf("loading config (or pass --addr): %w", err)
		}
		addr = cfg.Server.HTTPAddr
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &gatewayClient{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// apiError is a non-2xx response from the gateway.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned %d", e.Status)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

// do sends a request and decodes a JSON response into out (if non-nil).
func (c *gatewayClient) do(ctx context.Context, method, path string, body, out any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return resp, &apiError{Status: resp.StatusCode, Message: e.Error}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp, nil
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check gateway health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, c.baseURL+"/health/ready", nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("not ready: %s", strings.TrimSpace(string(body)))
		}
		color.Green("healthy: %s", strings.TrimSpace(string(body)))
		return nil
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents [start|stop|restart <id>]",
	Short: "List agents or control one agent",
	Args: func(cmd *cobra.Command, args []string) error {
		switch len(args) {
		case 0:
			return nil
		case 2:
			switch args[0] {
			case "start", "stop", "restart":
				return nil
			}
		}
		return fmt.Errorf("usage: %s", cmd.Use)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if len(args) == 2 {
			return runAgentAction(cmd.Context(), c, cmd.OutOrStdout(), args[0], args[1])
		}
		var agents []agent.RuntimeState
		if _, err := c.do(cmd.Context(), http.MethodGet, "/api/agents", nil, &agents); err != nil {
			return err
		}
		printAgents(cmd.OutOrStdout(), agents)
		return nil
	},
}

func runAgentAction(ctx context.Context, c *gatewayClient, out io.Writer, action, id string) error {
	var resp struct {
		Agent agent.RuntimeState `json:"agent"`
		Error string             `json:"error"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/agents/"+id+"/"+action, nil, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s %s: %s", action, id, resp.Error)
	}
	fmt.Fprintf(out, "%s: %s\n", resp.Agent.ID, colorStatus(string(resp.Agent.Status)))
	return nil
}

func printAgents(out io.Writer, agents []agent.RuntimeState) {
	if len(agents) == 0 {
		fmt.Fprintln(out, "No agents configured.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPID\tRESTARTS\tHEALTH")
	for _, a := range agents {
		pid := "-"
		if a.PID > 0 {
			pid = strconv.Itoa(a.PID)
		}
		health := "-"
		if a.Verdict != "" {
			health = string(a.Verdict)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			a.ID, a.Name, colorStatus(string(a.Status)), pid, a.RestartCount, a.MaxRestarts, health)
	}
	_ = w.Flush()
}

var (
	planParams    []string
	planRequester string
	planIdemKey   string
	planWait      bool
)

var planCmd = &cobra.Command{
	Use:   "plan <plan-type>",
	Short: "Submit a planning request",
	Long: `Submit a planning request. Parameters are given as key=value pairs;
values that parse as JSON (numbers, booleans, arrays) are sent as such.

  passage-gateway plan passage --param from=Dover --param to=Calais --wait`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringArrayVarP(&planParams, "param", "p", nil, "request parameter key=value (repeatable)")
	planCmd.Flags().StringVar(&planRequester, "requester", "", "requester recorded on the session")
	planCmd.Flags().StringVar(&planIdemKey, "idempotency-key", "", "key that maps retried submissions onto one session")
	planCmd.Flags().BoolVarP(&planWait, "wait", "w", false, "poll until the session finishes and print the result")
}

// parseParams turns key=value pairs into request params.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid param %q (want key=value)", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			params[k] = decoded
		} else {
			params[k] = v
		}
	}
	return params, nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	params, err := parseParams(planParams)
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}

	body := planning.Request{
		PlanType:       args[0],
		Params:         params,
		Requester:      planRequester,
		IdempotencyKey: planIdemKey,
	}
	var submitted struct {
		RequestID string `json:"requestId"`
	}
	resp, err := c.do(cmd.Context(), http.MethodPost, "/api/passages", body, &submitted)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if resp.StatusCode == http.StatusOK {
		color.New(color.FgYellow).Fprintf(out, "existing session ")
	}
	fmt.Fprintln(out, submitted.RequestID)

	if !planWait {
		return nil
	}
	snap, err := waitForSession(cmd.Context(), c, submitted.RequestID, func(s planning.Snapshot) {
		fmt.Fprintf(out, "  %3d%%  %s\n", s.Progress, s.Status)
	})
	if err != nil {
		return err
	}
	return printSnapshot(out, snap)
}

// waitForSession polls until the session is terminal, calling onChange
// whenever the revision moves.
func waitForSession(ctx context.Context, c *gatewayClient, id string, onChange func(planning.Snapshot)) (planning.Snapshot, error) {
	var last uint64
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		var snap planning.Snapshot
		if _, err := c.do(ctx, http.MethodGet, "/api/passages/"+id, nil, &snap); err != nil {
			return snap, err
		}
		if snap.Revision != last {
			last = snap.Revision
			if onChange != nil {
				onChange(snap)
			}
		}
		if snap.Status.IsTerminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

var statusCmd = &cobra.Command{
	Use:   "status [request-id]",
	Short: "Show one planning session, or list retained sessions",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(args) == 0 {
			var sessions []planning.Snapshot
			if _, err := c.do(cmd.Context(), http.MethodGet, "/api/passages", nil, &sessions); err != nil {
				return err
			}
			printSessions(out, sessions)
			return nil
		}
		var snap planning.Snapshot
		if _, err := c.do(cmd.Context(), http.MethodGet, "/api/passages/"+args[0], nil, &snap); err != nil {
			return err
		}
		return printSnapshot(out, snap)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <request-id>",
	Short: "Cancel a running planning session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var snap planning.Snapshot
		if _, err := c.do(cmd.Context(), http.MethodPost, "/api/passages/"+args[0]+"/cancel", nil, &snap); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", snap.RequestID, colorStatus(string(snap.Status)))
		return nil
	},
}

func printSessions(out io.Writer, sessions []planning.Snapshot) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No planning sessions.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REQUEST\tPLAN\tSTATUS\tPROGRESS\tCREATED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\n",
			s.RequestID, s.PlanType, colorStatus(string(s.Status)), s.Progress, s.CreatedAt.Local().Format(time.DateTime))
	}
	_ = w.Flush()
}

func printSnapshot(out io.Writer, s planning.Snapshot) error {
	fmt.Fprintf(out, "Request:  %s\n", s.RequestID)
	fmt.Fprintf(out, "Plan:     %s\n", s.PlanType)
	fmt.Fprintf(out, "Status:   %s (%d%%)\n", colorStatus(string(s.Status)), s.Progress)
	if s.Error != "" {
		fmt.Fprintf(out, "Error:    %s\n", color.RedString(s.Error))
	}
	if s.PassagePlan == nil {
		return nil
	}

	fmt.Fprintln(out)
	ids := make([]string, 0, len(s.PassagePlan.Results))
	for id := range s.PassagePlan.Results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, s.PassagePlan.Results[id], "  ", "  "); err != nil {
			pretty.Write(s.PassagePlan.Results[id])
		}
		color.New(color.FgCyan).Fprintf(out, "%s\n", id)
		fmt.Fprintf(out, "  %s\n", pretty.String())
	}
	for id, reason := range s.PassagePlan.Failed {
		color.New(color.FgYellow).Fprintf(out, "%s (skipped)\n", id)
		fmt.Fprintf(out, "  %s\n", reason)
	}
	return nil
}

func colorStatus(s string) string {
	switch s {
	case "running", "completed":
		return color.GreenString(s)
	case "starting", "stopping", "initializing", "fanning-out", "aggregating", "pending":
		return color.YellowString(s)
	case "crashed", "exhausted", "error":
		return color.RedString(s)
	default:
		return s
	}
}
