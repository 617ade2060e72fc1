package taskengine

// ExecConfig tunes how a job's prompt is issued to the agent gateway.
type ExecConfig struct {
	SystemPrompt string
	Tools        []string
	Agent        string
}

// ExecConfigs layers execution config: base, a scheduled-lane override, and
// optional per-profile overrides keyed by the job's profile id.
type ExecConfigs struct {
	Base      ExecConfig
	Scheduled ExecConfig
	Profiles  map[string]ExecConfig
}

// resolve overlays base with the scheduled-lane override and then the job's
// profile override; later non-zero fields win.
func (c ExecConfigs) resolve(profileID *string) ExecConfig {
	out := c.Base
	out = overlay(out, c.Scheduled)
	if profileID != nil {
		if p, ok := c.Profiles[*profileID]; ok {
			out = overlay(out, p)
		}
	}
	if out.Agent == "" {
		out.Agent = "assistant"
	}
	return out
}

func overlay(base, over ExecConfig) ExecConfig {
	if over.SystemPrompt != "" {
		base.SystemPrompt = over.SystemPrompt
	}
	if len(over.Tools) > 0 {
		base.Tools = over.Tools
	}
	if over.Agent != "" {
		base.Agent = over.Agent
	}
	return base
}
