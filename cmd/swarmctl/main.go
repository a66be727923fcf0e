// swarmctl is a thin CLI over the gateway's NATS request/reply
// surface. Every command maps onto one ipc.tools.* subject.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hdresearch/vmswarm/internal/natsbus"
)

type ipcResponse struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Content string          `json:"content,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func sendIPC(natsURL, op string, payload map[string]any, timeout time.Duration) (*ipcResponse, error) {
	client, err := natsbus.NewClientFromURL(natsURL)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := client.Request(natsbus.TopicIPC(op), data, timeout)
	if err != nil {
		return nil, fmt.Errorf("ipc request: %w", err)
	}

	var resp ipcResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return &resp, nil
}

func parseFlags(args []string) (map[string]string, []string) {
	flags := make(map[string]string)
	var positional []string
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "--") && i+1 < len(args) {
			flags[args[i][2:]] = args[i+1]
			i++
			continue
		}
		positional = append(positional, args[i])
	}
	return flags, positional
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: swarmctl <command>

Swarm:
  spawn [--count N] [--commit ID] [--labels a,b,c]
  dispatch <label> <prompt>
  wait [--labels a,b] [--timeout 5m]
  status [--labels a,b]
  read <label>
  teardown [--labels a,b]

Target routing:
  target              Show the active target
  target select <vm-id>
  target clear

Tools (run on the active target, or locally when none):
  run <command> [--timeout 2m]
  read-file <path> [--offset N] [--limit N]
  write-file <path> <content>
  edit-file <path> <old-text> <new-text>

VMs and tasks:
  vms
  task list
  task add --agent <label> --schedule <cron-or-json> --prompt <text> [--name <name>]
  task delete <id>

Environment:
  NATS_URL   Gateway bus address (default nats://localhost:4222)`)
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	rest := os.Args[2:]

	switch command {
	case "spawn":
		runSpawn(natsURL, rest)
	case "dispatch":
		runDispatch(natsURL, rest)
	case "wait":
		runWait(natsURL, rest)
	case "status":
		runStatus(natsURL, rest)
	case "read":
		runRead(natsURL, rest)
	case "teardown":
		runTeardown(natsURL, rest)
	case "target":
		runTarget(natsURL, rest)
	case "run":
		runCommand(natsURL, rest)
	case "read-file":
		runReadFile(natsURL, rest)
	case "write-file":
		runWriteFile(natsURL, rest)
	case "edit-file":
		runEditFile(natsURL, rest)
	case "vms":
		runVMs(natsURL)
	case "task":
		runTask(natsURL, rest)
	default:
		fatal("unknown command: %s", command)
	}
}

func labelsArg(flags map[string]string) []string {
	if flags["labels"] == "" {
		return nil
	}
	return strings.Split(flags["labels"], ",")
}

func durationArg(flags map[string]string, key string, def time.Duration) time.Duration {
	if flags[key] == "" {
		return def
	}
	d, err := time.ParseDuration(flags[key])
	if err != nil {
		fatal("invalid --%s: %v", key, err)
	}
	return d
}

func runSpawn(natsURL string, args []string) {
	flags, _ := parseFlags(args)
	count := 1
	if flags["count"] != "" {
		n, err := strconv.Atoi(flags["count"])
		if err != nil {
			fatal("invalid --count: %v", err)
		}
		count = n
	}

	resp, err := sendIPC(natsURL, "spawn", map[string]any{
		"commit_id": flags["commit"],
		"count":     count,
		"labels":    labelsArg(flags),
	}, 10*time.Minute)
	if err != nil {
		fatal("%v", err)
	}

	var results []struct {
		Label  string `json:"label"`
		VMID   string `json:"vm_id"`
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	mustUnmarshal(resp.Result, &results)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LABEL\tVM\tSTATUS\tERROR")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Label, r.VMID, r.Status, r.Error)
	}
	w.Flush()
}

func runDispatch(natsURL string, args []string) {
	if len(args) < 2 {
		fatal("usage: swarmctl dispatch <label> <prompt>")
	}
	_, err := sendIPC(natsURL, "dispatch", map[string]any{
		"label":  args[0],
		"prompt": strings.Join(args[1:], " "),
	}, 30*time.Second)
	if err != nil {
		fatal("%v", err)
	}
	fmt.Println("Dispatched.")
}

func runWait(natsURL string, args []string) {
	flags, _ := parseFlags(args)
	timeout := durationArg(flags, "timeout", 10*time.Minute)

	resp, err := sendIPC(natsURL, "wait", map[string]any{
		"labels":     labelsArg(flags),
		"timeout_ms": timeout.Milliseconds(),
	}, timeout+30*time.Second)
	if err != nil {
		fatal("%v", err)
	}

	var result struct {
		Agents []struct {
			Label  string `json:"label"`
			Status string `json:"status"`
			Output string `json:"output"`
			Error  string `json:"error"`
		} `json:"agents"`
		TimedOut bool `json:"timed_out"`
	}
	mustUnmarshal(resp.Result, &result)

	for _, a := range result.Agents {
		fmt.Printf("=== %s (%s)\n", a.Label, a.Status)
		if a.Error != "" {
			fmt.Printf("error: %s\n", a.Error)
		}
		if a.Output != "" {
			fmt.Println(a.Output)
		}
	}
	if result.TimedOut {
		fmt.Println("(timed out before all agents settled)")
	}
}

func runStatus(natsURL string, args []string) {
	flags, _ := parseFlags(args)
	resp, err := sendIPC(natsURL, "status", map[string]any{"labels": labelsArg(flags)}, 30*time.Second)
	if err != nil {
		fatal("%v", err)
	}

	var agents []struct {
		Label  string `json:"label"`
		VMID   string `json:"vm_id"`
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	mustUnmarshal(resp.Result, &agents)

	if len(agents) == 0 {
		fmt.Println("No agents.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LABEL\tVM\tSTATUS\tERROR")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Label, a.VMID, a.Status, a.Error)
	}
	w.Flush()
}

func runRead(natsURL string, args []string) {
	if len(args) < 1 {
		fatal("usage: swarmctl read <label>")
	}
	resp, err := sendIPC(natsURL, "read", map[string]any{"label": args[0]}, 30*time.Second)
	if err != nil {
		fatal("%v", err)
	}
	fmt.Print(resp.Content)
}

func runTeardown(natsURL string, args []string) {
	flags, _ := parseFlags(args)
	resp, err := sendIPC(natsURL, "teardown", map[string]any{"labels": labelsArg(flags)}, 5*time.Minute)
	if err != nil {
		fatal("%v", err)
	}

	var results []struct {
		Label   string `json:"label"`
		Skipped bool   `json:"skipped"`
		Error   string `json:"error"`
	}
	mustUnmarshal(resp.Result, &results)

	for _, r := range results {
		switch {
		case r.Error != "":
			fmt.Printf("%s: error: %s\n", r.Label, r.Error)
		case r.Skipped:
			fmt.Printf("%s: already gone\n", r.Label)
		default:
			fmt.Printf("%s: torn down\n", r.Label)
		}
	}
}

func runTarget(natsURL string, args []string) {
	if len(args) == 0 {
		resp, err := sendIPC(natsURL, "target_get", nil, 30*time.Second)
		if err != nil {
			fatal("%v", err)
		}
		if resp.Content == "" {
			fmt.Println("No active target (local execution).")
		} else {
			fmt.Printf("Active target: %s\n", resp.Content)
		}
		return
	}

	switch args[0] {
	case "select":
		if len(args) < 2 {
			fatal("usage: swarmctl target select <vm-id>")
		}
		if _, err := sendIPC(natsURL, "target_select", map[string]any{"vm_id": args[1]}, time.Minute); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Active target: %s\n", args[1])
	case "clear":
		if _, err := sendIPC(natsURL, "target_clear", nil, 30*time.Second); err != nil {
			fatal("%v", err)
		}
		fmt.Println("Target cleared, commands run locally.")
	default:
		fatal("unknown target command: %s", args[0])
	}
}

func runCommand(natsURL string, args []string) {
	flags, positional := parseFlags(args)
	if len(positional) < 1 {
		fatal("usage: swarmctl run <command> [--timeout 2m]")
	}
	timeout := durationArg(flags, "timeout", 2*time.Minute)

	resp, err := sendIPC(natsURL, "run", map[string]any{
		"command":    strings.Join(positional, " "),
		"timeout_ms": timeout.Milliseconds(),
	}, timeout+30*time.Second)
	if err != nil {
		fatal("%v", err)
	}

	fmt.Print(resp.Content)
	var result struct {
		ExitCode int `json:"exit_code"`
	}
	mustUnmarshal(resp.Result, &result)
	os.Exit(result.ExitCode)
}

func runReadFile(natsURL string, args []string) {
	flags, positional := parseFlags(args)
	if len(positional) < 1 {
		fatal("usage: swarmctl read-file <path> [--offset N] [--limit N]")
	}
	payload := map[string]any{"path": positional[0]}
	for _, key := range []string{"offset", "limit"} {
		if flags[key] != "" {
			n, err := strconv.Atoi(flags[key])
			if err != nil {
				fatal("invalid --%s: %v", key, err)
			}
			payload[key] = n
		}
	}

	resp, err := sendIPC(natsURL, "read_file", payload, time.Minute)
	if err != nil {
		fatal("%v", err)
	}
	fmt.Print(resp.Content)
}

func runWriteFile(natsURL string, args []string) {
	if len(args) < 2 {
		fatal("usage: swarmctl write-file <path> <content>")
	}
	_, err := sendIPC(natsURL, "write_file", map[string]any{
		"path":    args[0],
		"content": args[1],
	}, time.Minute)
	if err != nil {
		fatal("%v", err)
	}
	fmt.Println("Written.")
}

func runEditFile(natsURL string, args []string) {
	if len(args) < 3 {
		fatal("usage: swarmctl edit-file <path> <old-text> <new-text>")
	}
	_, err := sendIPC(natsURL, "edit_file", map[string]any{
		"path":     args[0],
		"old_text": args[1],
		"new_text": args[2],
	}, time.Minute)
	if err != nil {
		fatal("%v", err)
	}
	fmt.Println("Edited.")
}

func runVMs(natsURL string) {
	resp, err := sendIPC(natsURL, "vm_list", nil, time.Minute)
	if err != nil {
		fatal("%v", err)
	}

	var vms []struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	mustUnmarshal(resp.Result, &vms)

	if len(vms) == 0 {
		fmt.Println("No VMs.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE")
	for _, vm := range vms {
		fmt.Fprintf(w, "%s\t%s\n", vm.ID, vm.State)
	}
	w.Flush()
}

func runTask(natsURL string, args []string) {
	if len(args) < 1 {
		fatal("usage: swarmctl task list|add|delete")
	}

	switch args[0] {
	case "list":
		resp, err := sendIPC(natsURL, "task_list", nil, 30*time.Second)
		if err != nil {
			fatal("%v", err)
		}
		var tasks []struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			AgentLabel string `json:"agent_label"`
			Schedule   string `json:"schedule"`
			Status     string `json:"status"`
		}
		mustUnmarshal(resp.Result, &tasks)
		if len(tasks) == 0 {
			fmt.Println("No tasks.")
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tAGENT\tSCHEDULE\tSTATUS")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Name, t.AgentLabel, t.Schedule, t.Status)
		}
		w.Flush()

	case "add":
		flags, _ := parseFlags(args[1:])
		if flags["agent"] == "" || flags["schedule"] == "" || flags["prompt"] == "" {
			fatal("--agent, --schedule and --prompt are required")
		}
		resp, err := sendIPC(natsURL, "task_create", map[string]any{
			"label":    flags["agent"],
			"name":     flags["name"],
			"schedule": flags["schedule"],
			"prompt":   flags["prompt"],
		}, 30*time.Second)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Task created: %s\n", resp.Content)

	case "delete":
		if len(args) < 2 {
			fatal("usage: swarmctl task delete <id>")
		}
		if _, err := sendIPC(natsURL, "task_delete", map[string]any{"id": args[1]}, 30*time.Second); err != nil {
			fatal("%v", err)
		}
		fmt.Println("Task deleted.")

	default:
		fatal("unknown task command: %s", args[0])
	}
}

func mustUnmarshal(data json.RawMessage, v any) {
	if len(data) == 0 {
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		fatal("unexpected response shape: %v", err)
	}
}
