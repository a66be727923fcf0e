package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/hdresearch/vmswarm/internal/facade"
	"github.com/hdresearch/vmswarm/internal/natsbus"
	"github.com/hdresearch/vmswarm/internal/provider"
	"github.com/hdresearch/vmswarm/internal/schedule"
	"github.com/hdresearch/vmswarm/internal/store"
	"github.com/hdresearch/vmswarm/internal/swarm"
)

// ipcServer answers request/reply messages from the swarmctl CLI.
// Every reply carries either a result payload or an error string.
type ipcServer struct {
	store  *store.Store
	swarm  *swarm.Manager
	facade *facade.Facade
	prov   provider.Provider
}

type ipcRequest struct {
	Label     string   `json:"label,omitempty"`
	Labels    []string `json:"labels,omitempty"`
	Prompt    string   `json:"prompt,omitempty"`
	CommitID  string   `json:"commit_id,omitempty"`
	Count     int      `json:"count,omitempty"`
	VMID      string   `json:"vm_id,omitempty"`
	Command   string   `json:"command,omitempty"`
	Path      string   `json:"path,omitempty"`
	Content   string   `json:"content,omitempty"`
	OldText   string   `json:"old_text,omitempty"`
	NewText   string   `json:"new_text,omitempty"`
	Offset    int      `json:"offset,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	TimeoutMs int64    `json:"timeout_ms,omitempty"`
	ID        string   `json:"id,omitempty"`
	Name      string   `json:"name,omitempty"`
	Schedule  string   `json:"schedule,omitempty"`
}

type ipcResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Content string `json:"content,omitempty"`
	Result  any    `json:"result,omitempty"`
}

func (s *ipcServer) subscribe(bus *natsbus.Bus) error {
	client, err := natsbus.NewClient(bus)
	if err != nil {
		return err
	}
	_, err = client.Subscribe(natsbus.TopicIPC(">"), s.handle)
	return err
}

func (s *ipcServer) handle(msg *nats.Msg) {
	op := msg.Subject[strings.LastIndexByte(msg.Subject, '.')+1:]

	var req ipcRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.reply(msg, ipcResponse{Error: "invalid request payload"})
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	s.reply(msg, s.dispatch(ctx, op, req))
}

func (s *ipcServer) reply(msg *nats.Msg, resp ipcResponse) {
	resp.OK = resp.Error == ""
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("ipc reply marshal failed", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Warn("ipc reply failed", "subject", msg.Subject, "error", err)
	}
}

func (s *ipcServer) dispatch(ctx context.Context, op string, req ipcRequest) ipcResponse {
	switch op {
	case "run":
		res, err := s.facade.Run(ctx, req.Command, time.Duration(req.TimeoutMs)*time.Millisecond)
		if err != nil {
			return ipcResponse{Error: err.Error()}
		}
		return ipcResponse{Content: res.Stdout + res.Stderr, Result: map[string]int{"exit_code": res.ExitCode}}

	case "read_file":
		content, err := s.facade.ReadFile(ctx, req.Path, req.Offset, req.Limit)
		if err != nil {
			return ipcResponse{Error: err.Error()}
		}
		return ipcResponse{Content: content}

	case "write_file":
		if err := s.facade.WriteFile(ctx, req.Path, req.Content); err != nil {
			return ipcResponse{Error: err.Error()}
		}
		return ipcResponse{}

	case "edit_file":
		if err := s.facade.EditFile(ctx, req.Path, req.OldText, req.NewText); err != nil {
			return ipcResponse{Error: err.Error()}
		}
		return ipcResponse{}

	case "target_select":
		if err := s.facade.SelectTarget(ctx, req.VMID); err != nil {
			return ipcResponse{Error: err.Error()}
		}
		return ipcResponse{Content: req.VMID}

	case "target_clear":
		s.facade.ClearTarget()
		return ipcResponse{}

	case "target_get":
		return ipcResponse{Content: s.facade.ActiveTarget()}

	case "vm_list":
		vms, err := s.prov.List(ctx)
		if err != nil {
			return ipcResponse{Error: err.Error()}
		}
		return ipcResponse{Result: vms}

	case "spawn":
		return ipcResponse{Result: s.swarm.Spawn(ctx, req.CommitID, req.Count, req.Labels)}

	case "dispatch":
		if err := s.swarm.Dispatch(ctx, req.Label, req.Prompt); err != nil {
			return ipcResponse{Error: err.Error()}
		}
		return ipcResponse{}

	case "wait":
		results, timedOut := s.swarm.Wait(ctx, req.Labels, time.Duration(req.TimeoutMs)*time.Millisecond)
		return ipcResponse{Result: map[string]any{"agents": results, "timed_out": timedOut}}

	case "status":
		return ipcResponse{Result: s.swarm.Status(req.Labels)}

	case "read":
		output, err := s.swarm.Read(req.Label)
		if err != nil {
			return ipcResponse{Error: err.Error()}
		}
		return ipcResponse{Content: output}

	case "teardown":
		return ipcResponse{Result: s.swarm.Teardown(ctx, req.Labels)}

	case "task_create":
		normalized, err := schedule.Normalize(req.Schedule)
		if err != nil {
			return ipcResponse{Error: err.Error()}
		}
		task := &store.ScheduledTask{
			ID:         uuid.NewString(),
			AgentLabel: req.Label,
			Name:       req.Name,
			Schedule:   normalized,
			Prompt:     req.Prompt,
			Status:     "active",
			NextRunAt:  schedule.NextRun(normalized),
		}
		if task.Name == "" {
			task.Name = req.Label + " task"
		}
		if err := s.store.SaveTask(task); err != nil {
			return ipcResponse{Error: err.Error()}
		}
		return ipcResponse{Content: task.ID}

	case "task_list":
		tasks, err := s.store.ListTasks()
		if err != nil {
			return ipcResponse{Error: err.Error()}
		}
		return ipcResponse{Result: tasks}

	case "task_delete":
		if err := s.store.DeleteTask(req.ID); err != nil {
			return ipcResponse{Error: err.Error()}
		}
		return ipcResponse{}

	default:
		return ipcResponse{Error: "unknown operation: " + op}
	}
}
