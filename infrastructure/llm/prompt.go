package llm

import (
	"fmt"
	"strings"

	"qualia-backend/application/ports"
)

const systemPrompt = `You maintain a knowledge graph of conclusions for one entity.
Each node has an id, a conclusion text, and a list of assumption edges
pointing at the node ids it depends on. The graph must stay acyclic.

Respond with a single JSON object, no markdown, of the form:
{"reasoning": "...", "operations": [{"node_id": "...", "conclusion": "...", "add_assumptions": [...], "remove_assumptions": [...]}]}

Operation semantics:
- A new node_id with a conclusion creates a node.
- An existing node_id with a conclusion replaces its text.
- An empty conclusion ("") deletes the node.
- Omit "conclusion" to edit only the assumption edges.
- add_assumptions / remove_assumptions adjust the edge set.`

const compactInstruction = `The graph has grown past its size budget. Merge redundant or
superseded conclusions into fewer nodes and delete what is no longer
load-bearing, preserving the essential knowledge.`

// buildUserPrompt renders one proposal request. The previous attempt's
// rejection, when present, leads the prompt so the model sees what to
// fix before re-reading the graph.
func buildUserPrompt(req ports.ProposalRequest) string {
	var b strings.Builder

	if req.PriorError != "" {
		fmt.Fprintf(&b, "Your previous proposal was rejected:\n%s\n\nPropose a corrected batch.\n\n", req.PriorError)
	}

	if req.Compact {
		b.WriteString(compactInstruction)
		b.WriteString("\n\n")
	}

	b.WriteString("Current graph:\n")
	b.WriteString(req.SerializedGraph)
	b.WriteString("\n")

	if len(req.Messages) > 0 {
		b.WriteString("\nNew messages to integrate:\n")
		for _, msg := range req.Messages {
			fmt.Fprintf(&b, "- [from %s] %s\n", msg.SenderID, msg.Body)
		}
	}

	return b.String()
}
