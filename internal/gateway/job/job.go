// Package job holds the job kinds the gateway submits to the dispatcher.
package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"configurator/internal/artifactcache"
	"configurator/internal/compute"
	"configurator/internal/gateway/payload"
	"configurator/internal/gateway/service/project"
	"configurator/internal/jobs"
	"configurator/internal/naming"
)

const (
	KindAdoptWithParameters jobs.Kind = "adopt-with-parameters"
	KindUpdateParameters    jobs.Kind = "update-parameters"
	KindDeleteProjects      jobs.Kind = "delete-projects"
)

// Deps are the collaborators shared by every job.
type Deps struct {
	Projects *project.Service
	Payloads *payload.Provider
	Log      logrus.FieldLogger
}

func (d Deps) logger() logrus.FieldLogger {
	if d.Log == nil {
		return logrus.StandardLogger()
	}
	return d.Log
}

type base struct {
	id   string
	kind jobs.Kind
	deps Deps
}

func newBase(kind jobs.Kind, deps Deps) base {
	return base{id: uuid.NewString(), kind: kind, deps: deps}
}

func (b base) ID() string      { return b.id }
func (b base) Kind() jobs.Kind { return b.kind }

func (b base) log() logrus.FieldLogger {
	return b.deps.logger().WithFields(logrus.Fields{"job_id": b.id, "kind": b.kind})
}

func (b base) fail(ctx context.Context, sender jobs.ResultSender, err error) {
	b.log().WithError(err).Warn("job failed")
	sender.SendError(ctx, b.id, describe(err))
}

// describe turns err into the message shown to the client.
func describe(err error) string {
	switch {
	case errors.Is(err, artifactcache.ErrAlreadyInProgress):
		return "Computation for these parameters is already in progress"
	case errors.Is(err, naming.ErrInvalidProjectName):
		return err.Error()
	}
	switch compute.KindOf(err) {
	case compute.KindTimeout:
		return "Timed out waiting for the model update"
	case compute.KindRejected:
		return fmt.Sprintf("The model update was rejected: %v", err)
	case compute.KindTransport, compute.KindRemote:
		return fmt.Sprintf("The model update failed: %v", err)
	}
	return err.Error()
}

// AdoptWithParameters adopts the project described by a payload document if
// it is not adopted yet, then applies the document's parameters.
type AdoptWithParameters struct {
	base
	ref string
}

func NewAdoptWithParameters(deps Deps, ref string) *AdoptWithParameters {
	return &AdoptWithParameters{base: newBase(KindAdoptWithParameters, deps), ref: ref}
}

func (j *AdoptWithParameters) Execute(ctx context.Context, sender jobs.ResultSender) {
	doc, err := j.deps.Payloads.FetchAdopt(ctx, j.ref)
	if err != nil {
		j.fail(ctx, sender, err)
		return
	}
	log := j.log().WithField("project", doc.Name)
	exists, err := j.deps.Projects.Exists(ctx, doc.Name)
	if err != nil {
		j.fail(ctx, sender, err)
		return
	}
	if !exists {
		model, err := j.deps.Payloads.Fetch(ctx, doc.URL)
		if err != nil {
			j.fail(ctx, sender, fmt.Errorf("fetch model: %w", err))
			return
		}
		if _, err := j.deps.Projects.Adopt(ctx, doc.Name, doc.IsAssembly, model, doc.URL); err != nil && !errors.Is(err, project.ErrProjectExists) {
			j.fail(ctx, sender, err)
			return
		}
	} else {
		log.Info("project already adopted")
	}
	res, err := j.deps.Projects.Update(ctx, doc.Name, doc.Parameters)
	if err != nil {
		j.fail(ctx, sender, err)
		return
	}
	sender.SendSuccess(ctx, j.id, res.Project, doc)
}

// UpdateParameters applies the parameter set document behind ref to an
// adopted project.
type UpdateParameters struct {
	base
	project string
	ref     string
}

func NewUpdateParameters(deps Deps, projectName, ref string) *UpdateParameters {
	return &UpdateParameters{base: newBase(KindUpdateParameters, deps), project: projectName, ref: ref}
}

func (j *UpdateParameters) Execute(ctx context.Context, sender jobs.ResultSender) {
	defer func() {
		if err := j.deps.Payloads.Discard(context.WithoutCancel(ctx), j.ref); err != nil {
			j.log().WithError(err).Warn("discard payload failed")
		}
	}()
	set, err := j.deps.Payloads.FetchParameters(ctx, j.ref)
	if err != nil {
		j.fail(ctx, sender, err)
		return
	}
	res, err := j.deps.Projects.Update(ctx, j.project, set)
	if err != nil {
		j.fail(ctx, sender, err)
		return
	}
	sender.SendSuccess(ctx, j.id, res.Project, res.Parameters)
}

// DeleteProjects removes projects with all their blobs.
type DeleteProjects struct {
	base
	names []string
}

func NewDeleteProjects(deps Deps, names []string) *DeleteProjects {
	return &DeleteProjects{base: newBase(KindDeleteProjects, deps), names: append([]string(nil), names...)}
}

func (j *DeleteProjects) Execute(ctx context.Context, sender jobs.ResultSender) {
	deleted, err := j.deps.Projects.Delete(ctx, j.names)
	if err != nil {
		j.fail(ctx, sender, err)
		return
	}
	sender.SendSuccess(ctx, j.id, deleted, j.names)
}
