// Package directory resolves departments and agents from the organization file.
package directory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/conclave/internal/lang"
	"github.com/ShayCichocki/conclave/pkg/models"
)

// Directory is the agent directory the workflow consults. All methods are
// pure lookups.
type Directory interface {
	// FindDepartmentLeader returns the leader of a department, or nil.
	FindDepartmentLeader(deptID string) *models.Agent
	// FindRelatedDepartments returns the departments, other than the task's
	// own, whose input the task needs.
	FindRelatedDepartments(ctx context.Context, taskID string) ([]string, error)
	// PlanningLeader returns the leader who chairs meetings, or nil.
	PlanningLeader() *models.Agent
	Department(id string) (*models.Department, bool)
	Agent(id string) (*models.Agent, bool)
}

// TaskSource is the slice of the store the directory reads.
type TaskSource interface {
	GetTask(id string) (*models.Task, error)
	ListSubtasks(taskID string) ([]models.Subtask, error)
}

// File models the on-disk organization.yaml schema.
type File struct {
	Departments []models.Department `yaml:"departments"`
	Agents      []models.Agent      `yaml:"agents"`
}

// Organization is a loaded, validated organization.
type Organization struct {
	file     File
	depts    map[string]*models.Department
	agents   map[string]*models.Agent
	leaders  map[string]*models.Agent
	planning string
	tasks    TaskSource
}

var _ Directory = (*Organization)(nil)

// Load reads and validates an organization file.
func Load(path string, tasks TaskSource) (*Organization, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("directory: read %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("directory: parse %s: %w", path, err)
	}

	org, err := New(f, tasks)
	if err != nil {
		return nil, fmt.Errorf("directory: %s: %w", path, err)
	}
	return org, nil
}

// New builds an organization from an in-memory file.
// Every department needs exactly one leader. The department flagged
// planning chairs meetings; when none is flagged the first one does.
func New(f File, tasks TaskSource) (*Organization, error) {
	if len(f.Departments) == 0 {
		return nil, fmt.Errorf("at least one department is required")
	}

	org := &Organization{
		file:    f,
		depts:   make(map[string]*models.Department, len(f.Departments)),
		agents:  make(map[string]*models.Agent, len(f.Agents)),
		leaders: make(map[string]*models.Agent, len(f.Departments)),
		tasks:   tasks,
	}

	for i := range org.file.Departments {
		d := &org.file.Departments[i]
		if strings.TrimSpace(d.ID) == "" {
			return nil, fmt.Errorf("department %d: id is required", i)
		}
		if _, dup := org.depts[d.ID]; dup {
			return nil, fmt.Errorf("department %s: duplicate id", d.ID)
		}
		if d.Name == "" {
			d.Name = d.ID
		}
		if d.Planning {
			if org.planning != "" {
				return nil, fmt.Errorf("departments %s and %s are both flagged planning", org.planning, d.ID)
			}
			org.planning = d.ID
		}
		org.depts[d.ID] = d
	}
	if org.planning == "" {
		org.planning = org.file.Departments[0].ID
	}

	for i := range org.file.Agents {
		a := &org.file.Agents[i]
		if strings.TrimSpace(a.ID) == "" {
			return nil, fmt.Errorf("agent %d: id is required", i)
		}
		if _, dup := org.agents[a.ID]; dup {
			return nil, fmt.Errorf("agent %s: duplicate id", a.ID)
		}
		if _, ok := org.depts[a.DepartmentID]; !ok {
			return nil, fmt.Errorf("agent %s: unknown department %q", a.ID, a.DepartmentID)
		}
		if a.Role == "" {
			a.Role = models.RoleMember
		}
		if a.Name == "" {
			a.Name = a.ID
		}
		if a.IsLeader() {
			if prev, ok := org.leaders[a.DepartmentID]; ok {
				return nil, fmt.Errorf("department %s has two leaders: %s and %s", a.DepartmentID, prev.ID, a.ID)
			}
			org.leaders[a.DepartmentID] = a
		}
		org.agents[a.ID] = a
	}

	for id := range org.depts {
		if _, ok := org.leaders[id]; !ok {
			return nil, fmt.Errorf("department %s has no team_leader", id)
		}
	}

	return org, nil
}

// FindDepartmentLeader returns the leader of a department, or nil.
func (o *Organization) FindDepartmentLeader(deptID string) *models.Agent {
	return o.leaders[deptID]
}

// PlanningLeader returns the planning department's leader.
func (o *Organization) PlanningLeader() *models.Agent {
	return o.leaders[o.planning]
}

// PlanningDepartmentID returns the department that chairs meetings.
func (o *Organization) PlanningDepartmentID() string {
	return o.planning
}

// Department looks up a department by ID.
func (o *Organization) Department(id string) (*models.Department, bool) {
	d, ok := o.depts[id]
	return d, ok
}

// Agent looks up an agent by ID.
func (o *Organization) Agent(id string) (*models.Agent, bool) {
	a, ok := o.agents[id]
	return a, ok
}

// Departments returns all departments in file order.
func (o *Organization) Departments() []models.Department {
	out := make([]models.Department, len(o.file.Departments))
	copy(out, o.file.Departments)
	return out
}

// SetAgentProvider fills in a provider for agents that don't name one.
func (o *Organization) SetAgentProvider(p models.Provider) {
	for _, a := range o.agents {
		if a.Provider == "" {
			a.Provider = p
		}
	}
}

// FindRelatedDepartments returns the departments a task involves besides its
// own: departments targeted by its subtasks, and departments whose keywords
// appear in its title or description. The planning department is excluded
// because its leader always chairs. The result is sorted.
func (o *Organization) FindRelatedDepartments(ctx context.Context, taskID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.tasks == nil {
		return nil, nil
	}

	task, err := o.tasks.GetTask(taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		return nil, fmt.Errorf("task %s not found", taskID)
	}

	related := make(map[string]struct{})

	subtasks, err := o.tasks.ListSubtasks(taskID)
	if err != nil {
		return nil, fmt.Errorf("load subtasks: %w", err)
	}
	for _, st := range subtasks {
		if _, ok := o.depts[st.TargetDepartmentID]; ok {
			related[st.TargetDepartmentID] = struct{}{}
		}
	}

	text := task.Title + "\n" + task.Description
	for _, d := range o.file.Departments {
		for _, kw := range d.Keywords {
			if lang.ContainsPhrase(text, kw) {
				related[d.ID] = struct{}{}
				break
			}
		}
	}

	delete(related, task.DepartmentID)
	delete(related, o.planning)

	out := make([]string, 0, len(related))
	for id := range related {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// DefaultFile returns the organization written by `conclave init`.
func DefaultFile() File {
	return File{
		Departments: []models.Department{
			{ID: "planning", Name: "Planning", Planning: true, Keywords: []string{"roadmap", "scope"}},
			{ID: "engineering", Name: "Engineering", Keywords: []string{"api", "backend", "database", "refactor"}},
			{ID: "design", Name: "Design", Keywords: []string{"ui", "ux", "layout", "css"}},
			{ID: "qa", Name: "Quality Assurance", Keywords: []string{"test", "regression", "coverage"}},
		},
		Agents: []models.Agent{
			{ID: "planning-lead", Name: "Planning Lead", DepartmentID: "planning", Role: models.RoleLeader},
			{ID: "engineering-lead", Name: "Engineering Lead", DepartmentID: "engineering", Role: models.RoleLeader},
			{ID: "engineering-dev", Name: "Engineer", DepartmentID: "engineering", Role: models.RoleMember},
			{ID: "design-lead", Name: "Design Lead", DepartmentID: "design", Role: models.RoleLeader},
			{ID: "qa-lead", Name: "QA Lead", DepartmentID: "qa", Role: models.RoleLeader},
		},
	}
}

// WriteFile writes an organization file.
func WriteFile(path string, f File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("directory: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("directory: write %s: %w", path, err)
	}
	return nil
}
