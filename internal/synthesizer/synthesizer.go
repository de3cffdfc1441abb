// Package synthesizer turns a deployment intent plus retrieved policy
// evidence into a concrete deployment artifact. The primary
// implementation prompts an LLM and parses its JSON reply; a
// deterministic heuristic implementation covers offline and dry-run
// use.
package synthesizer

import (
	"context"

	"github.com/fyrsmithlabs/deployd/internal/deploy"
)

// Request carries everything the synthesizer may condition on.
type Request struct {
	Intent      string
	Env         deploy.Environment
	Evidence    []deploy.Evidence
	Constraints deploy.Constraints

	// Gaps lists validation failures from a previous attempt. When
	// present the synthesizer must produce an artifact that addresses
	// them.
	Gaps []string
}

// Response is a synthesized artifact plus the reasoning behind it.
type Response struct {
	Artifact  *deploy.DeploymentArtifact
	Reasoning string
}

// Synthesizer produces deployment artifacts from intents.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (*Response, error)
}
