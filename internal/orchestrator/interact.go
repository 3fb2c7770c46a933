package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/scaffoldd/internal/events"
	"github.com/fyrsmithlabs/scaffoldd/internal/intelligence"
	"github.com/fyrsmithlabs/scaffoldd/internal/interaction"
	"github.com/fyrsmithlabs/scaffoldd/internal/logging"
	"github.com/fyrsmithlabs/scaffoldd/internal/taskcontext"
	"github.com/fyrsmithlabs/scaffoldd/internal/tools"
)

var errNoIntelligence = errors.New("no intelligence service configured")

// InteractWithTask routes a question, modification or download request.
// Modifications are applied right away when possible and downloads are
// packaged; failures of either are reported in the response message.
func (o *Orchestrator) InteractWithTask(ctx context.Context, id string, req interaction.Request) (res Result) {
	defer o.guard(&res, "interact")

	ctx = logging.WithUserID(logging.WithTaskID(ctx, id), req.UserID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.interact", trace.WithAttributes(
		attribute.String("task.id", id),
		attribute.String("interaction.kind", string(req.Kind)),
	))
	defer span.End()

	res = o.interact(ctx, id, req)
	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
	}
	return res
}

func (o *Orchestrator) interact(ctx context.Context, id string, req interaction.Request) Result {
	if req.TaskID != "" && req.TaskID != id {
		return fail(invalidf("request is for task %s, not %s", req.TaskID, id))
	}
	if err := req.Validate(); err != nil {
		return fail(&InvalidRequestError{Err: err})
	}

	var facts interaction.Facts
	if o.router.NeedsReply(req) {
		e, _, err := o.acquire(ctx, id)
		if err != nil {
			return fail(err)
		}
		snap := e.ctx.Clone()
		e.mu.Unlock()
		facts.Reply = o.router.Reply(ctx, snap, req.Question.Text)
	}

	e, t, err := o.acquire(ctx, id)
	if err != nil {
		return fail(err)
	}
	o.emit(events.InteractionReceived, id, map[string]any{"kind": string(req.Kind), "userId": req.UserID})

	facts.Progress = Progress(t.Status, e.ctx.TestStatus)
	resp, err := o.router.Route(ctx, e.ctx, req, facts)
	if err != nil {
		e.mu.Unlock()
		return fail(&InvalidRequestError{Err: err})
	}
	var downloadID string
	if req.Kind == interaction.KindDownload {
		d := taskcontext.NewDownload(id, req.Download.Format, req.Download.IncludeNodeModules, o.now(), o.cfg.DownloadTTL)
		e.ctx.Downloads = append(e.ctx.Downloads, d)
		downloadID = d.ID
	}
	executing := e.executing
	err = o.save(ctx, id, e)
	e.mu.Unlock()
	if err != nil {
		return fail(err)
	}
	o.metrics.interaction(string(req.Kind))

	var outcome string
	switch req.Kind {
	case interaction.KindModification:
		switch {
		case !o.cfg.ApplyModifications:
		case executing:
			outcome = "A run is in progress; execute the task again to apply this change."
		default:
			if err := o.applyModification(ctx, id, e, resp.ModificationID); err != nil {
				outcome = "The change could not be applied automatically: " + err.Error()
			} else {
				outcome = "The change has been applied."
			}
		}
	case interaction.KindDownload:
		d, err := o.prepareDownload(ctx, id, e, t.Name, downloadID)
		resp.Download = d
		if err != nil {
			outcome = "Packaging failed: " + err.Error()
		} else if d != nil {
			outcome = "The download is ready at " + d.DownloadURL + "."
		}
	}
	if outcome != "" {
		resp.Message = strings.TrimSpace(resp.Message + " " + outcome)
		err := o.locked(id, e, func() error {
			e.ctx.AppendMessage(taskcontext.RoleSystem, outcome, o.now())
			return o.save(ctx, id, e)
		})
		if err != nil {
			o.log(ctx).Error("failed to record interaction outcome",
				zap.String("kind", string(req.Kind)), zap.Error(err))
		}
	}

	o.emit(events.InteractionProcessed, id, map[string]any{
		"kind":           string(req.Kind),
		"modificationId": resp.ModificationID,
		"downloadId":     downloadID,
	})
	return ok(resp)
}

// applyModification executes one pending modification: the intelligence
// service describes the change, the tool executor writes it and the
// context's features and solution are updated. The modification ends
// completed or failed.
func (o *Orchestrator) applyModification(ctx context.Context, id string, e *entry, modID string) error {
	var (
		mod  taskcontext.ModificationRequest
		snap *taskcontext.Context
		name string
	)
	skip := false
	err := o.locked(id, e, func() error {
		m := e.ctx.Modification(modID)
		if m == nil || m.Status != taskcontext.ModPending {
			skip = true
			return nil
		}
		m.Status = taskcontext.ModInProgress
		mod = *m
		snap = e.ctx.Clone()
		if t, err := o.getTask(ctx, id); err == nil {
			name = t.Name
		}
		return o.save(ctx, id, e)
	})
	if err != nil || skip {
		return err
	}

	inf, workErr := o.inferModification(ctx, id, snap, mod)
	if workErr == nil && inf.Solution != nil {
		install := hasNewDependencies(snap.Solution, inf.Solution)
		workErr = o.writeSolution(ctx, id, snap.WorkingDirectory, name, inf.Solution, install)
	}

	err = o.locked(id, e, func() error {
		m := e.ctx.Modification(modID)
		if m == nil {
			return nil
		}
		if workErr != nil {
			m.Status = taskcontext.ModFailed
			m.Error = workErr.Error()
			return o.save(ctx, id, e)
		}
		now := o.now()
		m.Status = taskcontext.ModCompleted
		m.CompletedAt = &now
		m.Error = ""
		switch m.Type {
		case taskcontext.AddFeature:
			if len(inf.Intent.Features) > 0 {
				e.ctx.AddFeatures(inf.Intent.Features...)
			} else {
				e.ctx.AddFeatures(m.Description)
			}
		case taskcontext.RemoveFeature:
			for _, f := range inf.Intent.Features {
				e.ctx.RemoveFeature(f)
			}
			e.ctx.RemoveFeature(m.Description)
		}
		e.ctx.Solution = mergeSolution(e.ctx.Solution, inf.Solution)
		return o.save(ctx, id, e)
	})
	if err != nil {
		return err
	}
	if workErr != nil {
		o.log(ctx).Warn("modification failed",
			zap.String("modification_id", modID), zap.Error(workErr))
	}
	return workErr
}

func (o *Orchestrator) inferModification(ctx context.Context, id string, snap *taskcontext.Context, mod taskcontext.ModificationRequest) (*intelligence.Inference, error) {
	if o.deps.Intelligence == nil {
		return nil, errNoIntelligence
	}
	payload := map[string]any{"agent": "intelligence", "purpose": "modification", "modificationId": mod.ID}
	o.emit(events.AgentStarted, id, payload)
	inf, err := o.deps.Intelligence.Infer(ctx, mod.Description, intelligence.InferContext{
		ProjectType:  snap.ProjectType,
		Features:     snap.CurrentFeatures,
		Existing:     snap.Solution,
		Modification: string(mod.Type),
	})
	if err != nil {
		o.emit(events.AgentFailed, id, map[string]any{"agent": "intelligence", "modificationId": mod.ID, "error": err.Error()})
		return nil, err
	}
	o.emit(events.AgentCompleted, id, payload)
	return inf, nil
}

// prepareDownload packages the project for a recorded download request.
// The request ends ready, or stays pending when packaging fails.
func (o *Orchestrator) prepareDownload(ctx context.Context, id string, e *entry, name, downloadID string) (*taskcontext.DownloadRequest, error) {
	var (
		d       taskcontext.DownloadRequest
		workdir string
	)
	err := o.locked(id, e, func() error {
		dl := e.ctx.Download(downloadID)
		if dl == nil {
			return fmt.Errorf("download %s disappeared", downloadID)
		}
		dl.Status = taskcontext.DownloadPreparing
		d = *dl
		workdir = e.ctx.WorkingDirectory
		return o.save(ctx, id, e)
	})
	if err != nil {
		return nil, err
	}

	res, toolErr := o.callTool(ctx, id, tools.PackageProject, tools.Params{
		"workdir":            workdir,
		"format":             string(d.Format),
		"taskId":             id,
		"id":                 downloadID,
		"includeNodeModules": d.IncludeNodeModules,
		"name":               name,
	})

	err = o.locked(id, e, func() error {
		dl := e.ctx.Download(downloadID)
		if dl == nil {
			return nil
		}
		if toolErr != nil {
			dl.Status = taskcontext.DownloadPending
		} else {
			dl.Status = taskcontext.DownloadReady
			dl.Path, _ = res.Data["path"].(string)
			dl.DownloadURL = fmt.Sprintf("%s/%s/downloads/%s", strings.TrimRight(o.cfg.DownloadURLPrefix, "/"), id, downloadID)
		}
		d = *dl
		return o.save(ctx, id, e)
	})
	if toolErr != nil {
		return &d, toolErr
	}
	return &d, err
}

func hasNewDependencies(base, patch *intelligence.Solution) bool {
	if patch == nil {
		return false
	}
	var existing map[string]string
	if base != nil {
		existing = base.AllDependencies()
	}
	for name, version := range patch.AllDependencies() {
		if existing[name] != version {
			return true
		}
	}
	return false
}

// mergeSolution overlays patch onto base: maps merge, structure files are
// replaced by path, scalars are taken when set.
func mergeSolution(base, patch *intelligence.Solution) *intelligence.Solution {
	if patch == nil {
		return base
	}
	out := &intelligence.Solution{}
	if base != nil {
		*out = *base
	}
	if patch.Framework != "" {
		out.Framework = patch.Framework
	}
	if patch.PackageManager != "" {
		out.PackageManager = patch.PackageManager
	}
	if patch.Port != 0 {
		out.Port = patch.Port
	}
	if patch.HealthPath != "" {
		out.HealthPath = patch.HealthPath
	}
	out.Dependencies = mergeStrings(out.Dependencies, patch.Dependencies)
	out.DevDependencies = mergeStrings(out.DevDependencies, patch.DevDependencies)
	out.Scripts = mergeStrings(out.Scripts, patch.Scripts)

	structure := append([]intelligence.FileSpec(nil), out.Structure...)
	for _, f := range patch.Structure {
		replaced := false
		for i := range structure {
			if structure[i].Path == f.Path {
				structure[i] = f
				replaced = true
				break
			}
		}
		if !replaced {
			structure = append(structure, f)
		}
	}
	out.Structure = structure
	return out
}

func mergeStrings(base, patch map[string]string) map[string]string {
	if len(base) == 0 && len(patch) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
