package program

import (
	"strings"

	"kalix-bridge/internal/protocol"
)

// RunModel loads a model and runs one simulation:
//
//	starting -> model_loading -> simulation_running -> completed
//
// An engine error in any running step fails the program.
type RunModel struct {
	base

	// only touched on the runner goroutine, read after Done
	outputs []string
}

// NewRunModel returns a run-model program bound to cmd's session.
func NewRunModel(cmd Commander, opts ...Option) *RunModel {
	p := &RunModel{}
	p.init("run_model", cmd, opts)
	return p
}

// Start sends the model load. The program must already be attached to the
// session so it sees the engine's replies.
func (p *RunModel) Start(src ModelSource) error {
	name, params, err := loadCommand(src)
	if err != nil {
		return err
	}
	var startErr error
	ok := p.r.do(func() {
		if p.current() != StateStarting {
			startErr = ErrAlreadyStarted
			return
		}
		p.set(StateModelLoading)
		if p.send(name, params, "Failed to load model") {
			p.opts.status("Loading model")
		} else {
			startErr = p.Err()
		}
	})
	if !ok {
		return ErrFinished
	}
	return startErr
}

// Outputs returns the output series the simulation generated. It is nil
// until the program completes and for runs that produced no result.
func (p *RunModel) Outputs() []string {
	if !p.current().Terminal() || p.outputs == nil {
		return nil
	}
	out := make([]string, len(p.outputs))
	copy(out, p.outputs)
	return out
}

// HandleMessage offers an inbound message; it reports whether the program
// consumed it.
func (p *RunModel) HandleMessage(msg protocol.Message) bool {
	consumed := false
	p.r.do(func() {
		switch p.current() {
		case StateModelLoading:
			consumed = p.loading(msg)
		case StateSimulationRunning:
			consumed = p.running(msg)
		}
	})
	return consumed
}

func (p *RunModel) loading(msg protocol.Message) bool {
	switch msg.Kind() {
	case protocol.KindReady:
		p.set(StateSimulationRunning)
		if p.send(protocol.CommandRunSimulation, nil, "Failed to start simulation") {
			p.opts.status("Model loaded, running simulation")
		}
		return true
	case protocol.KindError:
		text := errorText(msg)
		p.fail(&engineError{Step: "load model", Text: text}, "Model loading failed: "+text)
		return true
	}
	return false
}

func (p *RunModel) running(msg protocol.Message) bool {
	switch msg.Kind() {
	case protocol.KindBusy:
		return true
	case protocol.KindProgress:
		p.reportProgress(msg, protocol.CommandRunSimulation)
		return true
	case protocol.KindResult:
		if d, err := protocol.Payload[protocol.ResultData](msg); err == nil {
			p.outputs = d.Outputs()
		}
		text := "Simulation completed"
		if len(p.outputs) > 0 {
			text += " with outputs: " + strings.Join(p.outputs, ", ")
		}
		p.complete(text)
		return true
	case protocol.KindStopped:
		p.markStopped()
		p.complete("Simulation stopped")
		return true
	case protocol.KindError:
		text := errorText(msg)
		p.fail(&engineError{Step: "run simulation", Text: text}, "Simulation failed: "+text)
		return true
	}
	return false
}

func loadCommand(src ModelSource) (string, map[string]any, error) {
	switch {
	case src.INI != "":
		return protocol.CommandLoadModelString, protocol.LoadModelStringParams(src.INI), nil
	case src.Path != "":
		return protocol.CommandLoadModelFile, protocol.LoadModelFileParams(src.Path), nil
	default:
		return "", nil, ErrNoModel
	}
}
