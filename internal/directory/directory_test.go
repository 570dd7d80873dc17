package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/conclave/pkg/models"
)

type fakeTasks struct {
	tasks    map[string]*models.Task
	subtasks map[string][]models.Subtask
}

func (f *fakeTasks) GetTask(id string) (*models.Task, error) {
	return f.tasks[id], nil
}

func (f *fakeTasks) ListSubtasks(taskID string) ([]models.Subtask, error) {
	return f.subtasks[taskID], nil
}

const orgYAML = `
departments:
  - id: planning
    name: Planning
    planning: true
  - id: eng
    name: Engineering
    keywords: [backend, api]
  - id: design
    name: Design
    keywords: [ui, layout]
  - id: qa
    name: QA
agents:
  - id: pat
    department: planning
    role: team_leader
  - id: erin
    department: eng
    role: team_leader
    provider: codex
  - id: eli
    department: eng
  - id: dana
    department: design
    role: team_leader
  - id: quinn
    department: qa
    role: team_leader
`

func loadTestOrg(t *testing.T, tasks TaskSource) *Organization {
	t.Helper()
	path := filepath.Join(t.TempDir(), "organization.yaml")
	require.NoError(t, os.WriteFile(path, []byte(orgYAML), 0644))

	org, err := Load(path, tasks)
	require.NoError(t, err)
	return org
}

func TestLoad(t *testing.T) {
	org := loadTestOrg(t, nil)

	require.NotNil(t, org.PlanningLeader())
	assert.Equal(t, "pat", org.PlanningLeader().ID)
	assert.Equal(t, "planning", org.PlanningDepartmentID())

	leader := org.FindDepartmentLeader("eng")
	require.NotNil(t, leader)
	assert.Equal(t, "erin", leader.ID)
	assert.Equal(t, models.ProviderCodex, leader.Provider)
	assert.Nil(t, org.FindDepartmentLeader("nope"))

	eli, ok := org.Agent("eli")
	require.True(t, ok)
	assert.Equal(t, models.RoleMember, eli.Role)
	assert.Equal(t, "eli", eli.Name)

	org.SetAgentProvider(models.ProviderClaude)
	assert.Equal(t, models.ProviderClaude, eli.Provider)
	assert.Equal(t, models.ProviderCodex, leader.Provider)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		file File
	}{
		{"no departments", File{}},
		{
			"missing leader",
			File{
				Departments: []models.Department{{ID: "eng"}},
				Agents:      []models.Agent{{ID: "a", DepartmentID: "eng"}},
			},
		},
		{
			"two leaders",
			File{
				Departments: []models.Department{{ID: "eng"}},
				Agents: []models.Agent{
					{ID: "a", DepartmentID: "eng", Role: models.RoleLeader},
					{ID: "b", DepartmentID: "eng", Role: models.RoleLeader},
				},
			},
		},
		{
			"unknown department",
			File{
				Departments: []models.Department{{ID: "eng"}},
				Agents: []models.Agent{
					{ID: "a", DepartmentID: "eng", Role: models.RoleLeader},
					{ID: "b", DepartmentID: "ops"},
				},
			},
		},
		{
			"two planning departments",
			File{
				Departments: []models.Department{{ID: "a", Planning: true}, {ID: "b", Planning: true}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.file, nil)
			assert.Error(t, err)
		})
	}
}

func TestFindRelatedDepartments(t *testing.T) {
	tasks := &fakeTasks{
		tasks: map[string]*models.Task{
			"t1": {ID: "t1", Title: "Rework the checkout layout", Description: "Also touch the backend API", DepartmentID: "eng"},
			"t2": {ID: "t2", Title: "Build pipeline", DepartmentID: "eng"},
		},
		subtasks: map[string][]models.Subtask{
			"t2": {{ID: "s1", TaskID: "t2", TargetDepartmentID: "qa"}, {ID: "s2", TaskID: "t2", TargetDepartmentID: "planning"}},
		},
	}
	org := loadTestOrg(t, tasks)
	ctx := context.Background()

	related, err := org.FindRelatedDepartments(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"design"}, related, "own department is excluded")

	// "ui" must not match inside "Build".
	related, err = org.FindRelatedDepartments(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, []string{"qa"}, related, "planning is excluded")

	_, err = org.FindRelatedDepartments(ctx, "missing")
	assert.Error(t, err)
}

func TestWriteFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "organization.yaml")
	require.NoError(t, WriteFile(path, DefaultFile()))

	org, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "planning-lead", org.PlanningLeader().ID)
	assert.Len(t, org.Departments(), 4)
}
