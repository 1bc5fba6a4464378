package protocol

// Command and query names understood by the engine.
const (
	CommandLoadModelFile        = "load_model_file"
	CommandLoadModelString      = "load_model_string"
	CommandRunSimulation        = "run_simulation"
	CommandGetOptimisableParams = "get_optimisable_params"
	CommandRunOptimisation      = "run_optimisation"
	CommandTestProgress         = "test_progress"

	QueryGetState   = "get_state"
	QueryGetVersion = "get_version"
)

// LoadModelFileParams returns the parameters of a load_model_file command.
func LoadModelFileParams(path string) map[string]any {
	return map[string]any{"model_path": path}
}

// LoadModelStringParams returns the parameters of a load_model_string command.
func LoadModelStringParams(ini string) map[string]any {
	return map[string]any{"model_ini": ini}
}
