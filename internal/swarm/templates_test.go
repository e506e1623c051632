package swarm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensourceagent/osa/pkg/models"
)

const validTemplate = `
pattern: pipeline
agents:
  - role: researcher
    task: gather background
  - role: writer
    task: draft the report
`

func writeTemplate(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPlanTemplateValid(t *testing.T) {
	path := writeTemplate(t, validTemplate)
	plan, err := LoadPlanTemplate(path, 10)
	require.NoError(t, err)
	assert.Equal(t, models.PatternPipeline, plan.Pattern)
	assert.Equal(t, models.SynthesisChain, plan.SynthesisStrategy)
	require.Len(t, plan.Agents, 2)
	assert.Equal(t, models.RoleResearcher, plan.Agents[0].Role)
}

func TestLoadPlanTemplateRejectsInvalidPattern(t *testing.T) {
	path := writeTemplate(t, "pattern: bogus\nagents:\n  - role: researcher\n    task: x\n  - role: writer\n    task: y\n")
	_, err := LoadPlanTemplate(path, 10)
	assert.Error(t, err)
}

func TestLoadPlanTemplateRejectsTooFewAgents(t *testing.T) {
	path := writeTemplate(t, "pattern: parallel\nagents:\n  - role: researcher\n    task: x\n")
	_, err := LoadPlanTemplate(path, 10)
	assert.Error(t, err)
}

func TestLoadPlanTemplateRejectsUnknownRole(t *testing.T) {
	path := writeTemplate(t, "pattern: parallel\nagents:\n  - role: oracle\n    task: x\n  - role: writer\n    task: y\n")
	_, err := LoadPlanTemplate(path, 10)
	assert.Error(t, err)
}

func TestLaunchWithPlanRunsTemplate(t *testing.T) {
	o := newTestOrchestrator(t, "done")
	plan, err := LoadPlanTemplate(writeTemplate(t, validTemplate), 10)
	require.NoError(t, err)

	status, err := o.LaunchWithPlan("write a report", plan)
	require.NoError(t, err)
	assert.Equal(t, models.PatternPipeline, status.Pattern)
	assert.NotEmpty(t, status.SwarmID)
}
