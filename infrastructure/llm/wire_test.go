package llm

import (
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qualia-backend/application/ports"
	"qualia-backend/domain/core/entities"
)

func TestParseProposal_ValidResponse(t *testing.T) {
	content := `{
		"reasoning": "merging duplicate conclusions",
		"operations": [
			{"node_id": "n1", "conclusion": "alpha", "add_assumptions": ["n2"]},
			{"node_id": "n2", "conclusion": ""}
		]
	}`

	proposal, err := parseProposal(content, validator.New())
	require.NoError(t, err)
	assert.Equal(t, "merging duplicate conclusions", proposal.Reasoning)
	require.Len(t, proposal.Operations, 2)
	assert.Equal(t, "n1", proposal.Operations[0].NodeID)
	assert.Equal(t, []string{"n2"}, proposal.Operations[0].AddAssumptions)
	assert.True(t, proposal.Operations[1].IsDelete())
}

func TestParseProposal_OmittedConclusionMeansEdgeEdit(t *testing.T) {
	content := `{"reasoning": "", "operations": [{"node_id": "n1", "remove_assumptions": ["n2"]}]}`

	proposal, err := parseProposal(content, validator.New())
	require.NoError(t, err)
	assert.Nil(t, proposal.Operations[0].Conclusion)
	assert.False(t, proposal.Operations[0].IsDelete())
}

func TestParseProposal_RejectsUnknownFields(t *testing.T) {
	content := `{"reasoning": "", "operations": [], "confidence": 0.9}`

	_, err := parseProposal(content, validator.New())
	assert.Error(t, err)
}

func TestParseProposal_RejectsMissingNodeID(t *testing.T) {
	content := `{"reasoning": "", "operations": [{"conclusion": "orphan"}]}`

	_, err := parseProposal(content, validator.New())
	assert.Error(t, err)
}

func TestParseProposal_RejectsNonJSON(t *testing.T) {
	_, err := parseProposal("I think the graph looks fine as is.", validator.New())
	assert.Error(t, err)
}

func TestParseProposal_ToleratesMarkdownFences(t *testing.T) {
	content := "```json\n{\"reasoning\": \"r\", \"operations\": [{\"node_id\": \"n1\", \"conclusion\": \"x\"}]}\n```"

	proposal, err := parseProposal(content, validator.New())
	require.NoError(t, err)
	require.Len(t, proposal.Operations, 1)
}

func TestBuildUserPrompt_LeadsWithPriorError(t *testing.T) {
	prompt := buildUserPrompt(ports.ProposalRequest{
		EntityID:        "entity-1",
		SerializedGraph: "[n1] alpha",
		PriorError:      "operations create a dependency cycle: n1 -> n2 -> n1",
	})

	assert.Less(t, strings.Index(prompt, "dependency cycle"), strings.Index(prompt, "[n1] alpha"),
		"rejection text must precede the graph")
}

func TestBuildUserPrompt_IncludesMessagesAndCompaction(t *testing.T) {
	msg := entities.NewPendingMessage("entity-1", "alice", "the sky is blue", nil, time.Now())
	prompt := buildUserPrompt(ports.ProposalRequest{
		SerializedGraph: "(empty graph)",
		Messages:        []*entities.PendingMessage{msg},
		Compact:         true,
	})

	assert.Contains(t, prompt, "the sky is blue")
	assert.Contains(t, prompt, "alice")
	assert.Contains(t, prompt, "size budget")
}
