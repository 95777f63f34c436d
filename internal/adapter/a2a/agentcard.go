package a2a

import "github.com/Strob0t/agentengine/internal/domain/execution"

var skillDescriptions = []struct {
	agent execution.AgentType
	name  string
	desc  string
}{
	{execution.AgentPlanner, "Planning", "Break a goal into an ordered plan"},
	{execution.AgentCoder, "Coding", "Change code in a workspace until the goal is met"},
	{execution.AgentTester, "Testing", "Write and run tests"},
	{execution.AgentOps, "Operations", "Run build, deploy and maintenance commands"},
	{execution.AgentResearcher, "Research", "Gather information to answer a question"},
}

// BuildAgentCard returns the card served at /.well-known/agent.json. Each
// agent type the engine accepts is one skill.
func BuildAgentCard(baseURL, version string) AgentCard {
	card := AgentCard{
		Name:        "agentengine",
		Description: "Step-by-step agent execution with checkpoints, hooks and human confirmation",
		URL:         baseURL,
		Version:     version,
	}
	for _, s := range skillDescriptions {
		card.Skills = append(card.Skills, Skill{
			ID:          string(s.agent),
			Name:        s.name,
			Description: s.desc,
			InputModes:  []string{"text"},
			OutputModes: []string{"text"},
		})
	}
	card.Capabilities.Streaming = true
	return card
}
