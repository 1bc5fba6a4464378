package program

import (
	"errors"

	"kalix-bridge/internal/protocol"
)

// ErrNotConfiguring is returned by Run before the parameter list arrived
// or after the optimisation began.
var ErrNotConfiguring = errors.New("program: optimisation is not waiting for a configuration")

// Optimisation loads a model, fetches its optimisable parameters and then
// waits for the caller to supply a configuration:
//
//	starting -> model_loading -> fetching_params -> configuring -> optimising -> completed
//
// A failure to fetch the parameter list is only a warning; the program
// still moves on to configuring with an empty list.
type Optimisation struct {
	base

	onParams func([]string)

	params []string
	result []byte
}

// OptimisationOption configures an Optimisation.
type OptimisationOption func(*Optimisation)

// WithParameters receives the optimisable parameter names once fetched.
func WithParameters(fn func([]string)) OptimisationOption {
	return func(p *Optimisation) { p.onParams = fn }
}

// NewOptimisation returns an optimisation program bound to cmd's session.
func NewOptimisation(cmd Commander, popts []OptimisationOption, opts ...Option) *Optimisation {
	p := &Optimisation{}
	p.init("optimisation", cmd, opts)
	for _, o := range popts {
		o(p)
	}
	return p
}

// Start sends the model text. It stays in starting until the engine
// reports the load result.
func (p *Optimisation) Start(modelINI string) error {
	if modelINI == "" {
		return ErrNoModel
	}
	var startErr error
	ok := p.r.do(func() {
		if p.current() != StateStarting {
			startErr = ErrAlreadyStarted
			return
		}
		if p.send(protocol.CommandLoadModelString, protocol.LoadModelStringParams(modelINI), "Failed to send model") {
			p.opts.status("Loading model for optimisation")
		} else {
			startErr = p.Err()
		}
	})
	if !ok {
		return ErrFinished
	}
	return startErr
}

// Run starts the optimisation with the given configuration text.
func (p *Optimisation) Run(config string) error {
	var runErr error
	ok := p.r.do(func() {
		if p.current() != StateConfiguring {
			runErr = ErrNotConfiguring
			return
		}
		p.set(StateOptimising)
		if p.send(protocol.CommandRunOptimisation, map[string]any{"config": config}, "Failed to start optimisation") {
			p.opts.status("Optimisation started")
		} else {
			runErr = p.Err()
		}
	})
	if !ok {
		return ErrFinished
	}
	return runErr
}

// Parameters returns the fetched optimisable parameter names.
func (p *Optimisation) Parameters() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.params...)
}

// Result returns the raw result object of a completed optimisation.
func (p *Optimisation) Result() []byte {
	if p.current() != StateCompleted {
		return nil
	}
	return p.result
}

// RecoverableError keeps the session usable when the engine cannot list
// optimisable parameters.
func (p *Optimisation) RecoverableError(msg protocol.Message) bool {
	return msg.Kind() == protocol.KindError && p.current() == StateFetchingParams
}

// HandleMessage offers an inbound message; it reports whether the program
// consumed it.
func (p *Optimisation) HandleMessage(msg protocol.Message) bool {
	consumed := false
	p.r.do(func() {
		switch p.current() {
		case StateStarting:
			consumed = p.starting(msg)
		case StateModelLoading:
			consumed = p.loaded(msg)
		case StateFetchingParams:
			consumed = p.fetching(msg)
		case StateOptimising:
			consumed = p.optimising(msg)
		}
	})
	return consumed
}

func (p *Optimisation) starting(msg protocol.Message) bool {
	switch msg.Kind() {
	case protocol.KindResult:
		if !resultOf(msg, protocol.CommandLoadModelString) {
			return false
		}
		p.set(StateModelLoading)
		p.opts.status("Model loaded, waiting for ready signal")
		return true
	case protocol.KindError:
		text := errorText(msg)
		p.fail(&engineError{Step: "load model", Text: text}, "Model loading failed: "+text)
		return true
	}
	return false
}

func (p *Optimisation) loaded(msg protocol.Message) bool {
	switch msg.Kind() {
	case protocol.KindReady:
		p.set(StateFetchingParams)
		if p.send(protocol.CommandGetOptimisableParams, nil, "Failed to fetch parameters") {
			p.opts.status("Fetching optimisable parameters")
		}
		return true
	case protocol.KindError:
		text := errorText(msg)
		p.fail(&engineError{Step: "after model load", Text: text}, "Error after model load: "+text)
		return true
	}
	return false
}

func (p *Optimisation) fetching(msg protocol.Message) bool {
	switch msg.Kind() {
	case protocol.KindResult:
		if !resultOf(msg, protocol.CommandGetOptimisableParams) {
			return false
		}
		if d, err := protocol.Payload[protocol.ResultData](msg); err == nil {
			var names []string
			if err := d.Field("parameters", &names); err != nil {
				p.opts.status("Warning: Could not parse parameters list: " + err.Error())
			}
			p.mu.Lock()
			p.params = names
			p.mu.Unlock()
		}
		p.set(StateConfiguring)
		if p.onParams != nil {
			params := p.Parameters()
			p.opts.safely("parameters", func() { p.onParams(params) })
		}
		p.opts.status("Model loaded, ready to configure optimisation")
		return true
	case protocol.KindError:
		p.set(StateConfiguring)
		p.opts.status("Warning: Could not fetch parameters: " + errorText(msg))
		return true
	}
	return false
}

func (p *Optimisation) optimising(msg protocol.Message) bool {
	switch msg.Kind() {
	case protocol.KindBusy:
		return true
	case protocol.KindProgress:
		p.reportProgress(msg, protocol.CommandRunOptimisation)
		return true
	case protocol.KindResult:
		if d, err := protocol.Payload[protocol.ResultData](msg); err == nil {
			p.result = d.Result
		}
		p.complete("Optimisation completed")
		return true
	case protocol.KindStopped:
		p.markStopped()
		p.complete("Optimisation stopped")
		return true
	case protocol.KindError:
		text := errorText(msg)
		p.fail(&engineError{Step: "optimise", Text: text}, "Optimisation failed: "+text)
		return true
	}
	return false
}

// resultOf reports whether a result message answers command. Results
// without a command name are accepted.
func resultOf(msg protocol.Message, command string) bool {
	d, err := protocol.Payload[protocol.ResultData](msg)
	if err != nil {
		return true
	}
	return d.Command == "" || d.Command == command
}
