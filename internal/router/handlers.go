package router

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/le-si/openclaw-gateway/internal/backend"
	"github.com/le-si/openclaw-gateway/internal/gateway"
)

func (r *Router) registerCommands() error {
	specs := []struct {
		spec    *commandSpec
		aliases []string
	}{
		{&commandSpec{name: "help", class: ClassPublic, usage: "/help", summary: "list available commands", handler: r.handleHelp}, []string{"start", "commands"}},
		{&commandSpec{name: "status", class: ClassPublic, usage: "/status", summary: "backend health", handler: r.handleStatus}, []string{"health", "ping"}},
		{&commandSpec{name: "templates", class: ClassPublic, usage: "/templates", summary: "list workflow templates", handler: r.handleTemplates}, []string{"workflows", "list"}},
		{&commandSpec{name: "jobs", class: ClassPublic, usage: "/jobs", summary: "list running and queued jobs", handler: r.handleJobs}, []string{"queue"}},
		{&commandSpec{name: "history", class: ClassPublic, usage: "/history <job-id>", summary: "job result summary", handler: r.handleHistory}, []string{"result"}},
		{&commandSpec{name: "trace", class: ClassPublic, usage: "/trace <job-id>", summary: "job execution trace", handler: r.handleTrace}, nil},
		{&commandSpec{name: "chat", class: ClassPublic, usage: "/chat <prompt>", summary: "ask the assistant", handler: r.handleChat}, []string{"ask"}},
		{&commandSpec{name: "run", class: ClassRun, usage: "/run <template> [args] [key=value ...]", summary: "submit a generation job", handler: r.handleRun}, []string{"generate", "gen"}},
		{&commandSpec{name: "cancel", class: ClassRun, usage: "/cancel", summary: "interrupt the running job", handler: r.handleCancel}, []string{"stop", "interrupt"}},
		{&commandSpec{name: "approvals", class: ClassAdmin, usage: "/approvals", summary: "list pending approvals", handler: r.handleApprovals}, []string{"pending"}},
		{&commandSpec{name: "approve", class: ClassAdmin, usage: "/approve <approval-id>", summary: "approve a pending job", handler: r.handleApprove}, nil},
		{&commandSpec{name: "deny", class: ClassAdmin, usage: "/deny <approval-id>", summary: "deny a pending job", handler: r.handleDeny}, []string{"reject"}},
		{&commandSpec{name: "schedules", class: ClassAdmin, usage: "/schedules [enable|disable <id>]", summary: "list or toggle schedules", handler: r.handleSchedules}, []string{"crons"}},
		{&commandSpec{name: "trigger", class: ClassAdmin, usage: "/trigger <name>", summary: "fire a named trigger", handler: r.handleTrigger}, []string{"fire"}},
		{&commandSpec{name: "config", class: ClassAdmin, usage: "/config", summary: "show backend configuration", handler: r.handleConfig}, []string{"settings"}},
	}
	for _, s := range specs {
		if err := r.register(s.spec, s.aliases...); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) handleHelp(ctx context.Context, req gateway.CommandRequest, cmd *ParsedCommand) (*gateway.CommandResponse, error) {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, name := range r.commandNames() {
		spec := r.commands[name]
		if spec.class == ClassAdmin && !r.isAdmin(req) {
			continue
		}
		fmt.Fprintf(&b, "%s - %s\n", spec.usage, spec.summary)
	}
	return &gateway.CommandResponse{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (r *Router) handleStatus(ctx context.Context, req gateway.CommandRequest, cmd *ParsedCommand) (*gateway.CommandResponse, error) {
	health, err := r.client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}
	text := fmt.Sprintf("Backend: %s", health.Status)
	if health.Version != "" {
		text += " (" + health.Version + ")"
	}
	if health.Queue > 0 {
		text += fmt.Sprintf(", %d queued", health.Queue)
	}
	return &gateway.CommandResponse{Text: text}, nil
}

func (r *Router) handleTemplates(ctx context.Context, req gateway.CommandRequest, cmd *ParsedCommand) (*gateway.CommandResponse, error) {
	templates, err := r.client.Templates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	if len(templates) == 0 {
		return &gateway.CommandResponse{Text: "No templates available."}, nil
	}
	var b strings.Builder
	b.WriteString("Templates:\n")
	for _, t := range templates {
		fmt.Fprintf(&b, "- %s", t.Name)
		if t.Description != "" {
			fmt.Fprintf(&b, ": %s", t.Description)
		}
		if len(t.Params) > 0 {
			fmt.Fprintf(&b, " (params: %s)", strings.Join(t.Params, ", "))
		}
		b.WriteString("\n")
	}
	return &gateway.CommandResponse{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (r *Router) handleRun(ctx context.Context, req gateway.CommandRequest, cmd *ParsedCommand) (*gateway.CommandResponse, error) {
	if len(cmd.Args) == 0 {
		return &gateway.CommandResponse{Text: "Usage: /run <template> [args] [key=value ...]"}, nil
	}
	template := cmd.Args[0]
	params := make(map[string]string, len(cmd.KV)+1)
	for key, value := range cmd.KV {
		params[key] = value
	}
	// A bare positional tail becomes the prompt unless one was given
	// explicitly.
	if len(cmd.Args) > 1 {
		if _, ok := params["prompt"]; !ok {
			params["prompt"] = strings.Join(cmd.Args[1:], " ")
		}
	}
	trusted := r.IsTrusted(req)
	resp, err := r.client.Run(ctx, backend.RunRequest{
		Template:        template,
		Params:          params,
		RequireApproval: !trusted,
		Requester:       req.SenderID,
		Platform:        req.Platform,
	})
	if err != nil {
		return nil, fmt.Errorf("submit job: %w", err)
	}
	if resp.Approval != "" {
		return &gateway.CommandResponse{
			Text: fmt.Sprintf("Job %s submitted and awaiting approval (%s).", resp.JobID, resp.Approval),
		}, nil
	}
	if r.watcher != nil && resp.JobID != "" {
		r.watcher.Watch(resp.JobID, req.Platform, req.ChannelID)
	}
	return &gateway.CommandResponse{Text: fmt.Sprintf("Job %s submitted. Results will be posted here.", resp.JobID)}, nil
}

func (r *Router) handleJobs(ctx context.Context, req gateway.CommandRequest, cmd *ParsedCommand) (*gateway.CommandResponse, error) {
	jobs, err := r.client.Jobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) == 0 {
		return &gateway.CommandResponse{Text: "No jobs running or queued."}, nil
	}
	var b strings.Builder
	b.WriteString("Jobs:\n")
	for _, job := range jobs {
		fmt.Fprintf(&b, "- %s", job.JobID)
		if job.Template != "" {
			fmt.Fprintf(&b, " (%s)", job.Template)
		}
		if job.Status != "" {
			fmt.Fprintf(&b, " [%s]", job.Status)
		}
		b.WriteString("\n")
	}
	return &gateway.CommandResponse{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (r *Router) handleCancel(ctx context.Context, req gateway.CommandRequest, cmd *ParsedCommand) (*gateway.CommandResponse, error) {
	if err := r.client.Interrupt(ctx); err != nil {
		return nil, fmt.Errorf("interrupt: %w", err)
	}
	return &gateway.CommandResponse{Text: "Interrupt sent."}, nil
}

func (r *Router) handleHistory(ctx context.Context, req gateway.CommandRequest, cmd *ParsedCommand) (*gateway.CommandResponse, error) {
	if len(cmd.Args) == 0 {
		return &gateway.CommandResponse{Text: "Usage: /history <job-id>"}, nil
	}
	result, err := r.client.History(ctx, cmd.Args[0])
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	if !result.Completed {
		status := result.Status
		if status == "" {
			status = "running"
		}
		return &gateway.CommandResponse{Text: fmt.Sprintf("Job %s is %s.", cmd.Args[0], status)}, nil
	}
	if result.Error != "" {
		return &gateway.CommandResponse{Text: fmt.Sprintf("Job %s failed: %s", cmd.Args[0], result.Error)}, nil
	}
	return &gateway.CommandResponse{
		Text: fmt.Sprintf("Job %s completed with %d image(s).", cmd.Args[0], len(result.Images())),
	}, nil
}

func (r *Router) handleTrace(ctx context.Context, req gateway.CommandRequest, cmd *ParsedCommand) (*gateway.CommandResponse, error) {
	if len(cmd.Args) == 0 {
		return &gateway.CommandResponse{Text: "Usage: /trace <job-id>"}, nil
	}
	entries, err := r.client.Trace(ctx, cmd.Args[0])
	if err != nil {
		return nil, fmt.Errorf("fetch trace: %w", err)
	}
	if len(entries) == 0 {
		return &gateway.CommandResponse{Text: "No trace entries for that job."}, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Trace for %s:\n", cmd.Args[0])
	for _, entry := range entries {
		fmt.Fprintf(&b, "- %s", entry.Step)
		if entry.Status != "" {
			fmt.Fprintf(&b, " [%s]", entry.Status)
		}
		if entry.Elapsed > 0 {
			fmt.Fprintf(&b, " %dms", entry.Elapsed)
		}
		b.WriteString("\n")
	}
	return &gateway.CommandResponse{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (r *Router) handleChat(ctx context.Context, req gateway.CommandRequest, cmd *ParsedCommand) (*gateway.CommandResponse, error) {
	prompt := rawArgs(req.Text, r.botName)
	if prompt == "" {
		return &gateway.CommandResponse{Text: "Usage: /chat <prompt>"}, nil
	}
	if len(prompt) > r.maxPromptLen {
		prompt = prompt[:r.maxPromptLen]
	}
	reply, err := r.client.Chat(ctx, "", prompt)
	if err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}
	if reply == "" {
		reply = "(no reply)"
	}
	return &gateway.CommandResponse{Text: reply}, nil
}

func (r *Router) handleApprovals(ctx context.Context, req gateway.CommandRequest, cmd *ParsedCommand) (*gateway.CommandResponse, error) {
	approvals, err := r.client.Approvals(ctx)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	if len(approvals) == 0 {
		return &gateway.CommandResponse{Text: "No pending approvals."}, nil
	}
	var b strings.Builder
	b.WriteString("Pending approvals:\n")
	var buttons []gateway.Button
	for _, approval := range approvals {
		fmt.Fprintf(&b, "- %s", approval.ID)
		if approval.Template != "" {
			fmt.Fprintf(&b, " (%s)", approval.Template)
		}
		if approval.Requester != "" {
			fmt.Fprintf(&b, " from %s", approval.Requester)
		}
		b.WriteString("\n")
		buttons = append(buttons, gateway.Button{Label: "Approve " + approval.ID, Value: "/approve " + approval.ID})
	}
	return &gateway.CommandResponse{Text: strings.TrimRight(b.String(), "\n"), Buttons: buttons}, nil
}

func (r *Router) handleApprove(ctx context.Context, req gateway.CommandRequest, cmd *ParsedCommand) (*gateway.CommandResponse, error) {
	return r.resolveApproval(ctx, cmd, true)
}

func (r *Router) handleDeny(ctx context.Context, req gateway.CommandRequest, cmd *ParsedCommand) (*gateway.CommandResponse, error) {
	return r.resolveApproval(ctx, cmd, false)
}

func (r *Router) resolveApproval(ctx context.Context, cmd *ParsedCommand, approve bool) (*gateway.CommandResponse, error) {
	if len(cmd.Args) == 0 {
		return &gateway.CommandResponse{Text: "Usage: /" + cmd.Name + " <approval-id>"}, nil
	}
	if err := r.client.ResolveApproval(ctx, cmd.Args[0], approve); err != nil {
		return nil, fmt.Errorf("resolve approval: %w", err)
	}
	verdict := "denied"
	if approve {
		verdict = "approved"
	}
	return &gateway.CommandResponse{Text: fmt.Sprintf("Approval %s %s.", cmd.Args[0], verdict)}, nil
}

func (r *Router) handleSchedules(ctx context.Context, req gateway.CommandRequest, cmd *ParsedCommand) (*gateway.CommandResponse, error) {
	if len(cmd.Args) >= 2 {
		action := strings.ToLower(cmd.Args[0])
		if action == "enable" || action == "disable" {
			if err := r.client.SetScheduleEnabled(ctx, cmd.Args[1], action == "enable"); err != nil {
				return nil, fmt.Errorf("toggle schedule: %w", err)
			}
			return &gateway.CommandResponse{Text: fmt.Sprintf("Schedule %s %sd.", cmd.Args[1], action)}, nil
		}
	}
	schedules, err := r.client.Schedules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	if len(schedules) == 0 {
		return &gateway.CommandResponse{Text: "No schedules configured."}, nil
	}
	var b strings.Builder
	b.WriteString("Schedules:\n")
	for _, schedule := range schedules {
		state := "disabled"
		if schedule.Enabled {
			state = "enabled"
		}
		fmt.Fprintf(&b, "- %s %s (%s) [%s]\n", schedule.ID, schedule.Name, schedule.Cron, state)
	}
	return &gateway.CommandResponse{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (r *Router) handleTrigger(ctx context.Context, req gateway.CommandRequest, cmd *ParsedCommand) (*gateway.CommandResponse, error) {
	if len(cmd.Args) == 0 {
		return &gateway.CommandResponse{Text: "Usage: /trigger <name>"}, nil
	}
	if err := r.client.FireTrigger(ctx, cmd.Args[0]); err != nil {
		return nil, fmt.Errorf("fire trigger: %w", err)
	}
	return &gateway.CommandResponse{Text: fmt.Sprintf("Trigger %s fired.", cmd.Args[0])}, nil
}

func (r *Router) handleConfig(ctx context.Context, req gateway.CommandRequest, cmd *ParsedCommand) (*gateway.CommandResponse, error) {
	snapshot, err := r.client.Config(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch config: %w", err)
	}
	if len(snapshot) == 0 {
		return &gateway.CommandResponse{Text: "No configuration returned."}, nil
	}
	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("Backend configuration:\n")
	for _, key := range keys {
		fmt.Fprintf(&b, "%s = %v\n", key, snapshot[key])
	}
	return &gateway.CommandResponse{Text: strings.TrimRight(b.String(), "\n")}, nil
}
