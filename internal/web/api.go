package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hdresearch/vmswarm/internal/executor"
	"github.com/hdresearch/vmswarm/internal/provider"
	"github.com/hdresearch/vmswarm/internal/schedule"
	"github.com/hdresearch/vmswarm/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// VM lifecycle
	mux.HandleFunc("GET /api/vms", s.listVMs)
	mux.HandleFunc("POST /api/vms", s.createVM)
	mux.HandleFunc("DELETE /api/vms/{id}", s.deleteVM)
	mux.HandleFunc("POST /api/vms/{id}/branch", s.branchVM)
	mux.HandleFunc("POST /api/vms/{id}/commit", s.commitVM)
	mux.HandleFunc("POST /api/vms/{id}/state", s.setVMState)
	mux.HandleFunc("POST /api/commits/{id}/restore", s.restoreCommit)

	// Active target routing
	mux.HandleFunc("GET /api/target", s.getTarget)
	mux.HandleFunc("POST /api/target", s.selectTarget)
	mux.HandleFunc("DELETE /api/target", s.clearTarget)

	// Generic tools, routed local or remote by the facade
	mux.HandleFunc("POST /api/tools/run", s.toolRun)
	mux.HandleFunc("POST /api/tools/read", s.toolRead)
	mux.HandleFunc("POST /api/tools/write", s.toolWrite)
	mux.HandleFunc("POST /api/tools/edit", s.toolEdit)

	// Swarm
	mux.HandleFunc("GET /api/swarm/agents", s.swarmStatus)
	mux.HandleFunc("POST /api/swarm/spawn", s.swarmSpawn)
	mux.HandleFunc("POST /api/swarm/dispatch", s.swarmDispatch)
	mux.HandleFunc("POST /api/swarm/wait", s.swarmWait)
	mux.HandleFunc("GET /api/swarm/agents/{label}/output", s.swarmRead)
	mux.HandleFunc("POST /api/swarm/teardown", s.swarmTeardown)

	// Scheduled tasks
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("POST /api/tasks", s.createTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.deleteTask)

	// Secrets
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("POST /api/secrets", s.createSecret)
	mux.HandleFunc("DELETE /api/secrets/{name}", s.deleteSecret)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listVMs(w http.ResponseWriter, r *http.Request) {
	vms, err := s.prov.List(r.Context())
	if err != nil {
		providerError(w, err)
		return
	}
	if vms == nil {
		vms = []provider.VM{}
	}
	jsonResponse(w, vms)
}

func (s *Server) createVM(w http.ResponseWriter, r *http.Request) {
	var opts provider.CreateOptions
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	vm, err := s.prov.Create(r.Context(), opts)
	if err != nil {
		providerError(w, err)
		return
	}
	jsonResponse(w, vm)
}

func (s *Server) deleteVM(w http.ResponseWriter, r *http.Request) {
	vmID := r.PathValue("id")
	if err := s.prov.Delete(r.Context(), vmID); err != nil {
		providerError(w, err)
		return
	}
	if s.facade != nil && s.facade.ActiveTarget() == vmID {
		s.facade.ClearTarget()
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) branchVM(w http.ResponseWriter, r *http.Request) {
	vm, err := s.prov.Branch(r.Context(), r.PathValue("id"))
	if err != nil {
		providerError(w, err)
		return
	}
	jsonResponse(w, vm)
}

func (s *Server) commitVM(w http.ResponseWriter, r *http.Request) {
	var body struct {
		KeepPaused bool `json:"keep_paused"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	commitID, err := s.prov.Commit(r.Context(), r.PathValue("id"), body.KeepPaused)
	if err != nil {
		providerError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"commit_id": commitID})
}

func (s *Server) setVMState(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.prov.SetState(r.Context(), r.PathValue("id"), body.State); err != nil {
		providerError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) restoreCommit(w http.ResponseWriter, r *http.Request) {
	vm, err := s.prov.Restore(r.Context(), r.PathValue("id"))
	if err != nil {
		providerError(w, err)
		return
	}
	jsonResponse(w, vm)
}

func (s *Server) getTarget(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]string{"active_vm_id": s.facade.ActiveTarget()})
}

func (s *Server) selectTarget(w http.ResponseWriter, r *http.Request) {
	var body struct {
		VMID string `json:"vm_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.VMID == "" {
		jsonError(w, "vm_id is required", http.StatusBadRequest)
		return
	}
	if err := s.facade.SelectTarget(r.Context(), body.VMID); err != nil {
		var cerr *executor.ConnectivityError
		if errors.As(err, &cerr) {
			jsonError(w, err.Error(), http.StatusConflict)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"active_vm_id": body.VMID})
}

func (s *Server) clearTarget(w http.ResponseWriter, r *http.Request) {
	s.facade.ClearTarget()
	jsonResponse(w, map[string]string{"active_vm_id": ""})
}

// toolResult is the envelope every tool endpoint returns; errors are
// reported in-band so callers get a uniform shape.
type toolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

func toolResponse(w http.ResponseWriter, content string, err error) {
	if err != nil {
		jsonResponse(w, toolResult{Content: err.Error(), IsError: true})
		return
	}
	jsonResponse(w, toolResult{Content: content})
}

func (s *Server) toolRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Command   string `json:"command"`
		TimeoutMs int64  `json:"timeout_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Command == "" {
		jsonError(w, "command is required", http.StatusBadRequest)
		return
	}

	res, err := s.facade.Run(r.Context(), body.Command, time.Duration(body.TimeoutMs)*time.Millisecond)
	if err != nil {
		toolResponse(w, "", err)
		return
	}
	content := res.Stdout
	if res.Stderr != "" {
		content += res.Stderr
	}
	if res.ExitCode != 0 {
		content += fmt.Sprintf("\n(exit code %d)", res.ExitCode)
		jsonResponse(w, toolResult{Content: content, IsError: true})
		return
	}
	jsonResponse(w, toolResult{Content: content})
}

func (s *Server) toolRead(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
		jsonError(w, "path is required", http.StatusBadRequest)
		return
	}
	content, err := s.facade.ReadFile(r.Context(), body.Path, body.Offset, body.Limit)
	toolResponse(w, content, err)
}

func (s *Server) toolWrite(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
		jsonError(w, "path is required", http.StatusBadRequest)
		return
	}
	err := s.facade.WriteFile(r.Context(), body.Path, body.Content)
	toolResponse(w, "written", err)
}

func (s *Server) toolEdit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path    string `json:"path"`
		OldText string `json:"old_text"`
		NewText string `json:"new_text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
		jsonError(w, "path is required", http.StatusBadRequest)
		return
	}
	err := s.facade.EditFile(r.Context(), body.Path, body.OldText, body.NewText)
	toolResponse(w, "edited", err)
}

func (s *Server) swarmStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.swarm.Status(nil))
}

func (s *Server) swarmSpawn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CommitID string   `json:"commit_id"`
		Count    int      `json:"count"`
		Labels   []string `json:"labels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	jsonResponse(w, s.swarm.Spawn(r.Context(), body.CommitID, body.Count, body.Labels))
}

func (s *Server) swarmDispatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Label  string `json:"label"`
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Label == "" {
		jsonError(w, "label is required", http.StatusBadRequest)
		return
	}
	if err := s.swarm.Dispatch(r.Context(), body.Label, body.Prompt); err != nil {
		jsonError(w, err.Error(), http.StatusConflict)
		return
	}
	jsonResponse(w, map[string]string{"status": "dispatched"})
}

func (s *Server) swarmWait(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Labels    []string `json:"labels"`
		TimeoutMs int64    `json:"timeout_ms"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	results, timedOut := s.swarm.Wait(r.Context(), body.Labels, time.Duration(body.TimeoutMs)*time.Millisecond)
	jsonResponse(w, map[string]any{"agents": results, "timed_out": timedOut})
}

func (s *Server) swarmRead(w http.ResponseWriter, r *http.Request) {
	output, err := s.swarm.Read(r.PathValue("label"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"output": output})
}

func (s *Server) swarmTeardown(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Labels []string `json:"labels"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	jsonResponse(w, s.swarm.Teardown(r.Context(), body.Labels))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskToAPI(t))
	}
	jsonResponse(w, out)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name       string `json:"name"`
		AgentLabel string `json:"agent_label"`
		Schedule   string `json:"schedule"`
		Prompt     string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.AgentLabel == "" || body.Schedule == "" || body.Prompt == "" {
		jsonError(w, "agent_label, schedule and prompt are required", http.StatusBadRequest)
		return
	}

	normalized, err := schedule.Normalize(body.Schedule)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	task := &store.ScheduledTask{
		ID:         uuid.NewString(),
		AgentLabel: body.AgentLabel,
		Name:       body.Name,
		Schedule:   normalized,
		Prompt:     body.Prompt,
		Status:     "active",
		NextRunAt:  schedule.NextRun(normalized),
	}
	if task.Name == "" {
		task.Name = body.AgentLabel + " task"
	}
	if err := s.store.SaveTask(task); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, taskToAPI(*task))
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTask(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.ListSecretNames()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if names == nil {
		names = []string{}
	}
	jsonResponse(w, names)
}

func (s *Server) createSecret(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		jsonError(w, "vault is not configured", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		jsonError(w, "name is required", http.StatusBadRequest)
		return
	}
	ciphertext, nonce, err := s.vault.EncryptString(body.Value)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.store.SaveSecret(&store.Secret{Name: body.Name, Value: ciphertext, Nonce: nonce}); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "saved"})
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSecret(r.PathValue("name")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	agents := s.swarm.Status(nil)
	jsonResponse(w, map[string]any{
		"version":       s.version,
		"uptime":        formatUptime(time.Since(s.startedAt)),
		"active_target": s.facade.ActiveTarget(),
		"agent_count":   len(agents),
	})
}

func taskToAPI(t store.ScheduledTask) map[string]any {
	m := map[string]any{
		"id":               t.ID,
		"name":             t.Name,
		"agent_label":      t.AgentLabel,
		"schedule":         t.Schedule,
		"schedule_display": schedule.Describe(t.Schedule),
		"prompt":           t.Prompt,
		"status":           t.Status,
	}
	if t.LastRunAt != nil {
		m["last_run"] = t.LastRunAt.Local().Format("Jan 2 15:04")
		m["last_status"] = t.LastStatus
	}
	if t.NextRunAt != nil {
		m["next_run"] = t.NextRunAt.Local().Format("Jan 2 15:04")
	}
	return m
}

// providerError maps lifecycle API failures onto matching HTTP codes
// instead of a blanket 500.
func providerError(w http.ResponseWriter, err error) {
	var perr *provider.Error
	if errors.As(err, &perr) {
		jsonError(w, err.Error(), perr.Status)
		return
	}
	jsonError(w, err.Error(), http.StatusInternalServerError)
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
