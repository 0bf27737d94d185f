package worker

import (
	"fmt"
	"sort"
)

// Spec describes one supervised tool-server subprocess. It is immutable
// after registration; the supervisor owns the registered copy.
type Spec struct {
	ID      string            `json:"id" mapstructure:"id"`
	Name    string            `json:"name" mapstructure:"name"`
	Command string            `json:"command" mapstructure:"command"`
	Args    []string          `json:"args" mapstructure:"args"`
	WorkDir string            `json:"workdir" mapstructure:"workdir"`
	Env     map[string]string `json:"env" mapstructure:"env"`
	Enabled bool              `json:"enabled" mapstructure:"enabled"`
}

// EnvList renders the env overlay as KEY=VALUE pairs in stable order.
func (s *Spec) EnvList() []string {
	if len(s.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, s.Env[k]))
	}
	return out
}
