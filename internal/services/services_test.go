package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobqueue/internal/auth"
	"jobqueue/internal/logging"
	"jobqueue/internal/repository"
	"jobqueue/pkg/models"
)

type fixture struct {
	repo      *repository.MemoryRepository
	templates *TemplateService
	validator *WorkflowValidator
	versions  *VersionManager
	ctx       context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := repository.NewMemoryRepository()
	logger := logging.Nop()
	validator := NewWorkflowValidator(repo, logger)
	return &fixture{
		repo:      repo,
		templates: NewTemplateService(repo, logger),
		validator: validator,
		versions:  NewVersionManager(repo, validator, logger),
		ctx:       auth.WithPrincipal(context.Background(), "alice@example.com"),
	}
}

func objectSchema(required []string, props map[string]string) map[string]interface{} {
	p := map[string]interface{}{}
	for name, typ := range props {
		p[name] = map[string]interface{}{"type": typ}
	}
	doc := map[string]interface{}{"type": "object", "properties": p}
	if len(required) > 0 {
		req := make([]interface{}, len(required))
		for i, r := range required {
			req[i] = r
		}
		doc["required"] = req
	}
	return doc
}

func (f *fixture) iface(t *testing.T, name string, in, out map[string]interface{}) string {
	t.Helper()
	im, err := f.templates.CreateInterfaceMaster(f.ctx, &models.InterfaceMaster{Name: name, InputSchema: in, OutputSchema: out})
	require.NoError(t, err)
	return im.ID
}

func (f *fixture) taskMaster(t *testing.T, name string, in, out *string) *models.TaskMaster {
	t.Helper()
	tm, err := f.templates.CreateTaskMaster(f.ctx, models.TaskMasterSpec{
		Name:              name,
		Method:            "post",
		URL:               "https://svc.example.com/" + name,
		InputInterfaceID:  in,
		OutputInterfaceID: out,
		MaxRetries:        1,
	}, "")
	require.NoError(t, err)
	return tm
}

// compatibleChain builds order -> customer -> invoice where every pair agrees.
func (f *fixture) compatibleChain(t *testing.T) (*models.JobMaster, []*models.TaskMaster) {
	t.Helper()
	orderOut := f.iface(t, "order", nil, objectSchema(nil, map[string]string{"order_id": "string", "amount": "number"}))
	customerIO := f.iface(t, "customer",
		objectSchema([]string{"order_id"}, map[string]string{"order_id": "string"}),
		objectSchema(nil, map[string]string{"order_id": "string", "amount": "number", "email": "string"}))
	invoiceIn := f.iface(t, "invoice", objectSchema([]string{"amount", "email"}, map[string]string{"amount": "number", "email": "string"}), nil)

	a := f.taskMaster(t, "order", nil, &orderOut)
	b := f.taskMaster(t, "customer", &customerIO, &customerIO)
	c := f.taskMaster(t, "invoice", &invoiceIn, nil)

	jm, _, err := f.templates.CreateJobMaster(f.ctx, models.JobMasterSpec{Name: "billing", Tags: []string{"b", "a", "b"}},
		[]LinkInput{{TaskMasterID: a.ID}, {TaskMasterID: b.ID}, {TaskMasterID: c.ID}}, "")
	require.NoError(t, err)
	return jm, []*models.TaskMaster{a, b, c}
}

func TestTemplateService_Defaults(t *testing.T) {
	f := newFixture(t)
	tm := f.taskMaster(t, "fetch", nil, nil)
	assert.Equal(t, "POST", tm.Method)
	assert.Equal(t, DefaultTimeoutSec, tm.TimeoutSec)
	assert.Equal(t, 1, tm.CurrentVersion)
	assert.Equal(t, "alice@example.com", tm.CreatedBy)

	jm, v, err := f.templates.CreateJobMaster(f.ctx, models.JobMasterSpec{Name: "defaults", Tags: []string{"x", " y", "x"}}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, jm.MaxAttempts)
	assert.Equal(t, models.BackoffExponential, jm.BackoffStrategy)
	assert.Equal(t, DefaultBackoffSeconds, jm.BackoffSeconds)
	assert.Equal(t, []string{"x", "y"}, jm.Tags)
	assert.Equal(t, 1, v.Version)
	assert.Equal(t, "alice@example.com", v.CreatedBy)
}

func TestTemplateService_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)

	t.Run("Bad schema document", func(t *testing.T) {
		_, err := f.templates.CreateInterfaceMaster(f.ctx, &models.InterfaceMaster{
			Name:        "broken",
			InputSchema: map[string]interface{}{"type": "object", "properties": map[string]interface{}{"a": map[string]interface{}{"type": "string"}}, "required": []interface{}{"b"}},
		})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		require.NotEmpty(t, verr.Errors)
		assert.Contains(t, verr.Errors[0].Field, "input_schema")
		assert.Contains(t, verr.Errors[0].Message, "b")

		list, total, err := f.templates.ListInterfaceMasters(f.ctx, models.Page{})
		require.NoError(t, err)
		assert.Empty(t, list)
		assert.Zero(t, total)
	})

	t.Run("Bad task master", func(t *testing.T) {
		missing := "if_missing"
		_, err := f.templates.CreateTaskMaster(f.ctx, models.TaskMasterSpec{
			Method:           "FETCH",
			URL:              "ftp://nowhere",
			TimeoutSec:       4000,
			InputInterfaceID: &missing,
		}, "")
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		fields := map[string]bool{}
		for _, fe := range verr.Errors {
			fields[fe.Field] = true
		}
		for _, want := range []string{"name", "method", "url", "timeout_sec", "input_interface_id"} {
			assert.True(t, fields[want], "expected error on %s", want)
		}
	})

	t.Run("Bad job master", func(t *testing.T) {
		ttl := 0
		_, _, err := f.templates.CreateJobMaster(f.ctx, models.JobMasterSpec{
			Name:            "x",
			MaxAttempts:     11,
			BackoffStrategy: "random",
			TTLSeconds:      &ttl,
		}, nil, "")
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Len(t, verr.Errors, 3)
	})
}

func TestTemplateService_Links(t *testing.T) {
	f := newFixture(t)
	a := f.taskMaster(t, "a", nil, nil)
	b := f.taskMaster(t, "b", nil, nil)
	c := f.taskMaster(t, "c", nil, nil)

	jm, _, err := f.templates.CreateJobMaster(f.ctx, models.JobMasterSpec{Name: "links"}, []LinkInput{{TaskMasterID: a.ID}}, "")
	require.NoError(t, err)

	l, v, err := f.templates.AddTask(f.ctx, jm.ID, LinkInput{TaskMasterID: b.ID}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, l.Order)
	assert.True(t, l.IsRequired)
	assert.Equal(t, 2, v.Version)

	_, _, err = f.templates.AddTask(f.ctx, jm.ID, LinkInput{TaskMasterID: a.ID}, "")
	assert.ErrorIs(t, err, ErrAlreadyAssociated)
	assert.Contains(t, err.Error(), "already associated")

	zero := 0
	_, _, err = f.templates.AddTask(f.ctx, jm.ID, LinkInput{TaskMasterID: c.ID, Order: &zero}, "")
	assert.ErrorIs(t, err, ErrOrderTaken)

	require.NoError(t, f.templates.DeactivateTaskMaster(f.ctx, c.ID))
	_, _, err = f.templates.AddTask(f.ctx, jm.ID, LinkInput{TaskMasterID: c.ID}, "")
	assert.ErrorIs(t, err, ErrInactive)

	_, _, err = f.templates.AddTask(f.ctx, jm.ID, LinkInput{TaskMasterID: "tm_missing"}, "")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	// Removing a link leaves a gap; nothing is renumbered.
	links, err := f.templates.ListTasks(f.ctx, jm.ID)
	require.NoError(t, err)
	require.Len(t, links, 2)
	_, err = f.templates.RemoveTask(f.ctx, jm.ID, links[0].ID, "")
	require.NoError(t, err)
	links, err = f.templates.ListTasks(f.ctx, jm.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, 1, links[0].Order)

	_, v, err = f.templates.UpdateTask(f.ctx, jm.ID, links[0].ID, LinkUpdate{Order: &zero}, "close gap")
	require.NoError(t, err)
	assert.Equal(t, 0, v.Tasks[0].Order)
	assert.Equal(t, "close gap", v.ChangeReason)

	require.NoError(t, f.templates.DeactivateJobMaster(f.ctx, jm.ID))
	_, _, err = f.templates.AddTask(f.ctx, jm.ID, LinkInput{TaskMasterID: a.ID}, "")
	assert.ErrorIs(t, err, ErrInactive)
}

func TestTemplateService_AssociateInterfaceTwice(t *testing.T) {
	f := newFixture(t)
	im := f.iface(t, "extra", objectSchema(nil, map[string]string{"x": "string"}), nil)
	tm := f.taskMaster(t, "assoc", nil, nil)

	a, err := f.templates.AssociateInterface(f.ctx, tm.ID, im, true)
	require.NoError(t, err)
	assert.True(t, a.Required)

	_, err = f.templates.AssociateInterface(f.ctx, tm.ID, im, true)
	require.ErrorIs(t, err, ErrAlreadyAssociated)
	assert.Contains(t, err.Error(), "already associated")

	list, err := f.templates.ListInterfaces(f.ctx, tm.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, f.templates.DissociateInterface(f.ctx, tm.ID, im))
	assert.ErrorIs(t, f.templates.DissociateInterface(f.ctx, tm.ID, im), ErrNotFound)
}

func TestWorkflowValidator_CompatibleChain(t *testing.T) {
	f := newFixture(t)
	jm, _ := f.compatibleChain(t)

	report, err := f.validator.Validate(f.ctx, jm.ID)
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	assert.Empty(t, report.Errors)
	assert.Empty(t, report.Warnings)
	require.Len(t, report.TaskInterfaces, 3)
	require.Len(t, report.CompatibilityChecks, 2)
	for _, c := range report.CompatibilityChecks {
		require.NotNil(t, c.IsCompatible)
		assert.True(t, *c.IsCompatible)
	}

	raw, err := json.Marshal(report)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"errors":[]`)

	again, err := f.validator.Validate(f.ctx, jm.ID)
	require.NoError(t, err)
	rawAgain, err := json.Marshal(again)
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(rawAgain))
}

func TestWorkflowValidator_Problems(t *testing.T) {
	f := newFixture(t)
	out := f.iface(t, "producer", nil, objectSchema(nil, map[string]string{"id": "string", "total": "integer"}))
	in := f.iface(t, "consumer", objectSchema([]string{"id", "email", "phone", "total"}, map[string]string{
		"id": "string", "email": "string", "phone": "string", "total": "number",
	}), nil)
	a := f.taskMaster(t, "producer", nil, &out)
	b := f.taskMaster(t, "consumer", &in, nil)
	c := f.taskMaster(t, "bare", nil, nil)

	jm, _, err := f.templates.CreateJobMaster(f.ctx, models.JobMasterSpec{Name: "broken"},
		[]LinkInput{{TaskMasterID: a.ID}, {TaskMasterID: b.ID}, {TaskMasterID: c.ID}}, "")
	require.NoError(t, err)

	report, err := f.validator.Validate(f.ctx, jm.ID)
	require.NoError(t, err)
	assert.False(t, report.IsValid)

	var missing []string
	for _, e := range report.Errors {
		require.NotNil(t, e.TaskAOrder)
		require.NotNil(t, e.TaskBOrder)
		assert.Equal(t, 0, *e.TaskAOrder)
		assert.Equal(t, 1, *e.TaskBOrder)
		if e.Code == IssueMissingProperty {
			missing = append(missing, e.Property)
		}
	}
	assert.Equal(t, []string{"email", "phone"}, missing)
	require.Len(t, report.Errors, 3)
	assert.Equal(t, IssueTypeMismatch, report.Errors[2].Code)
	assert.Equal(t, "total", report.Errors[2].Property)

	require.Len(t, report.Warnings, 1)
	assert.Equal(t, IssueMissingInterface, report.Warnings[0].Code)
	require.Len(t, report.CompatibilityChecks, 2)
	assert.False(t, *report.CompatibilityChecks[0].IsCompatible)
	assert.Nil(t, report.CompatibilityChecks[1].IsCompatible)
}

func TestWorkflowValidator_EdgeCases(t *testing.T) {
	f := newFixture(t)

	report, err := f.validator.Validate(f.ctx, "jm_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NotNil(t, report)
	assert.False(t, report.IsValid)
	assert.Equal(t, IssueNotFound, report.Errors[0].Code)

	empty, _, err := f.templates.CreateJobMaster(f.ctx, models.JobMasterSpec{Name: "empty"}, nil, "")
	require.NoError(t, err)
	report, err = f.validator.Validate(f.ctx, empty.ID)
	require.NoError(t, err)
	assert.False(t, report.IsValid)

	tm := f.taskMaster(t, "solo", nil, nil)
	solo, _, err := f.templates.CreateJobMaster(f.ctx, models.JobMasterSpec{Name: "solo"}, []LinkInput{{TaskMasterID: tm.ID}}, "")
	require.NoError(t, err)
	report, err = f.validator.Validate(f.ctx, solo.ID)
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, IssueSingleTask, report.Warnings[0].Code)
	assert.Empty(t, report.CompatibilityChecks)

	require.NoError(t, f.templates.DeactivateTaskMaster(f.ctx, tm.ID))
	report, err = f.validator.Validate(f.ctx, solo.ID)
	require.NoError(t, err)
	assert.False(t, report.IsValid)
	assert.Equal(t, IssueInactiveReference, report.Errors[0].Code)
}

func TestWorkflowValidator_VersionUsesPinnedSchemas(t *testing.T) {
	f := newFixture(t)
	jm, tms := f.compatibleChain(t)

	// Point the invoice step at an interface the customer step cannot satisfy.
	strict := f.iface(t, "strict", objectSchema([]string{"vat_id"}, map[string]string{"vat_id": "string"}), nil)
	spec := tms[2].TaskMasterSpec
	spec.InputInterfaceID = &strict
	_, _, err := f.templates.UpdateTaskMaster(f.ctx, tms[2].ID, spec, "stricter input")
	require.NoError(t, err)

	pinned, err := f.validator.ValidateVersion(f.ctx, jm.ID, 1)
	require.NoError(t, err)
	assert.True(t, pinned.IsValid)

	live, err := f.validator.Validate(f.ctx, jm.ID)
	require.NoError(t, err)
	assert.False(t, live.IsValid)
	assert.Equal(t, "vat_id", live.Errors[0].Property)

	_, err = f.validator.ValidateVersion(f.ctx, jm.ID, 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompareVersions(t *testing.T) {
	base := &models.JobMasterVersion{JobMasterSpec: models.JobMasterSpec{
		Name:            "n",
		TimeoutSec:      30,
		MaxAttempts:     1,
		BackoffStrategy: models.BackoffExponential,
		Headers:         map[string]string{"a": "1"},
	}}

	assert.Equal(t, []string{"name", "headers", "timeout_sec", "max_attempts", "backoff_strategy"}, CompareVersions(nil, base))
	assert.Empty(t, CompareVersions(base, base))

	next := *base
	next.Headers = map[string]string{"a": "2"}
	next.Tags = []string{"x"}
	next.Tasks = []models.ChainEntry{{TaskMasterID: "tm_1", TaskMasterVersion: 1}}
	assert.Equal(t, []string{"headers", "tags", "tasks"}, CompareVersions(base, &next))

	empty := *base
	empty.Tags = []string{}
	assert.Empty(t, CompareVersions(base, &empty))
}

func TestVersionManager_HistoryAndFork(t *testing.T) {
	f := newFixture(t)
	jm, tms := f.compatibleChain(t)

	spec := jm.JobMasterSpec
	spec.TimeoutSec = 90
	_, v2, err := f.templates.UpdateJobMaster(f.ctx, jm.ID, spec, "slower")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	history, err := f.versions.History(f.ctx, jm.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[0].Version)
	assert.True(t, history[0].HasChanges)
	assert.Equal(t, []string{"timeout_sec"}, history[0].ChangedFields)
	assert.Contains(t, history[1].ChangedFields, "tasks")

	// Newer task master versions must not leak into the fork.
	bSpec := tms[1].TaskMasterSpec
	bSpec.Description = "v2"
	_, _, err = f.templates.UpdateTaskMaster(f.ctx, tms[1].ID, bSpec, "")
	require.NoError(t, err)

	fork, fv, err := f.versions.CreateFromVersion(f.ctx, jm.ID, 1, ForkOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, jm.ID, fork.ID)
	assert.Equal(t, 1, fork.CurrentVersion)
	assert.Equal(t, "billing (from v1)", fork.Name)
	assert.Equal(t, 1, fv.Version)

	v1, err := f.versions.Get(f.ctx, jm.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, CompareVersions(v1, fv))

	src, err := f.templates.GetJobMaster(f.ctx, jm.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, src.CurrentVersion)

	named, _, err := f.versions.CreateFromVersion(f.ctx, jm.ID, 2, ForkOptions{Name: "billing-eu", Tags: []string{"eu"}})
	require.NoError(t, err)
	assert.Equal(t, "billing-eu", named.Name)
	assert.Equal(t, []string{"eu"}, named.Tags)
	assert.Equal(t, 90, named.TimeoutSec)

	_, _, err = f.versions.CreateFromVersion(f.ctx, jm.ID, 7, ForkOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = f.versions.CreateFromVersion(f.ctx, "jm_missing", 1, ForkOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVersionManager_Publish(t *testing.T) {
	f := newFixture(t)
	jm, tms := f.compatibleChain(t)

	res, err := f.versions.Publish(f.ctx, jm.ID, "")
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, 1, res.Version.Version)
	assert.True(t, res.Report.IsValid)

	spec := tms[0].TaskMasterSpec
	spec.Description = "touched"
	_, _, err = f.templates.UpdateTaskMaster(f.ctx, tms[0].ID, spec, "")
	require.NoError(t, err)

	res, err = f.versions.Publish(f.ctx, jm.ID, "pick up order v2")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 2, res.Version.Version)
	assert.Equal(t, 2, res.Version.Tasks[0].TaskMasterVersion)

	res, err = f.versions.Publish(f.ctx, jm.ID, "")
	require.NoError(t, err)
	assert.False(t, res.Created)

	bad := f.iface(t, "bad", objectSchema([]string{"nope"}, map[string]string{"nope": "string"}), nil)
	cSpec := tms[2].TaskMasterSpec
	cSpec.InputInterfaceID = &bad
	_, _, err = f.templates.UpdateTaskMaster(f.ctx, tms[2].ID, cSpec, "")
	require.NoError(t, err)

	_, err = f.versions.Publish(f.ctx, jm.ID, "")
	var invalid *WorkflowInvalidError
	require.True(t, errors.As(err, &invalid))
	assert.False(t, invalid.Report.IsValid)

	got, err := f.templates.GetJobMaster(f.ctx, jm.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentVersion)
}

func TestVersionManager_TaskMasterHistory(t *testing.T) {
	f := newFixture(t)
	tm := f.taskMaster(t, "hist", nil, nil)
	spec := tm.TaskMasterSpec
	spec.URL = "https://svc.example.com/v2"
	_, v, err := f.templates.UpdateTaskMaster(f.ctx, tm.ID, spec, "move")
	require.NoError(t, err)
	assert.Equal(t, 2, v.Version)

	history, err := f.versions.TaskMasterHistory(f.ctx, tm.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "move", history[0].ChangeReason)

	v1, err := f.versions.TaskMasterVersion(f.ctx, tm.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "https://svc.example.com/hist", v1.URL)

	_, err = f.versions.TaskMasterHistory(f.ctx, "tm_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
