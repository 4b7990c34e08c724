package dispatch

import (
	"github.com/determined-ai/vine/master/internal/files"
	"github.com/determined-ai/vine/master/internal/library"
	"github.com/determined-ai/vine/master/internal/task"
	"github.com/determined-ai/vine/master/pkg/model"
	"github.com/determined-ai/vine/master/pkg/vproto"
)

// payloader builds the message that starts a staged task on its worker.
type payloader interface {
	payload(t *task.Task, inputs, outputs []vproto.Mount) vproto.WorkerMessage
}

type commandPayload struct{}

func (commandPayload) payload(t *task.Task, inputs, outputs []vproto.Mount) vproto.WorkerMessage {
	return vproto.WorkerMessage{Dispatch: &vproto.Dispatch{
		TaskID:     t.ID,
		Command:    t.Spec.Command,
		Env:        t.Spec.Env,
		Resources:  t.Reserved,
		Inputs:     inputs,
		Outputs:    outputs,
		MaxRunTime: t.Spec.MaxRunTime,
	}}
}

type functionCallPayload struct{}

func (functionCallPayload) payload(
	t *task.Task, inputs, outputs []vproto.Mount,
) vproto.WorkerMessage {
	return vproto.WorkerMessage{FunctionCall: &vproto.FunctionCall{
		TaskID:     t.ID,
		InstanceID: t.Instance,
		Function:   t.Spec.Function,
		Args:       t.Spec.Args,
		Inputs:     inputs,
		Outputs:    outputs,
	}}
}

type libraryInstallPayload struct {
	library  library.Library
	instance model.InstanceID
}

func (p libraryInstallPayload) payload(
	t *task.Task, inputs, _ []vproto.Mount,
) vproto.WorkerMessage {
	return vproto.WorkerMessage{InstallLibrary: &vproto.InstallLibrary{
		InstanceID: p.instance,
		TaskID:     t.ID,
		Library:    p.library.Name,
		Functions:  p.library.Functions,
		Slots:      p.library.Slots,
		Command:    t.Spec.Command,
		Env:        t.Spec.Env,
		Resources:  t.Reserved,
		Inputs:     inputs,
	}}
}

func (l *Loop) payloaderFor(t *task.Task) payloader {
	switch t.Spec.Kind {
	case model.FunctionCallTask:
		return functionCallPayload{}
	case model.LibraryInstallTask:
		lib, _ := l.libraries.Lookup(t.Spec.Library)
		return libraryInstallPayload{library: lib, instance: l.installs[t.ID]}
	default:
		return commandPayload{}
	}
}

func mounts(catalog *files.Catalog, ms []task.Mount) []vproto.Mount {
	if len(ms) == 0 {
		return nil
	}
	out := make([]vproto.Mount, 0, len(ms))
	for _, m := range ms {
		vm := vproto.Mount{File: m.File, Remote: m.Remote}
		if f, ok := catalog.Get(m.File); ok {
			vm.Kind, vm.Scope = f.Kind, f.Scope
		}
		out = append(out, vm)
	}
	return out
}
