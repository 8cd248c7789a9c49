package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobqueue/internal/auth"
	"jobqueue/internal/config"
	"jobqueue/internal/engine"
	"jobqueue/internal/logging"
	"jobqueue/internal/metrics"
	"jobqueue/internal/notify"
	"jobqueue/internal/repository"
	"jobqueue/internal/services"
	"jobqueue/pkg/models"
)

type apiFixture struct {
	e    *echo.Echo
	repo *repository.MemoryRepository
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	repo := repository.NewMemoryRepository()
	logger := logging.Nop()
	bus := notify.NewLocalBus()
	m := metrics.New()
	validator := services.NewWorkflowValidator(repo, logger)

	h := NewHandler(Deps{
		Repo:       repo,
		Templates:  services.NewTemplateService(repo, logger),
		Versions:   services.NewVersionManager(repo, validator, logger),
		Validator:  validator,
		Factory:    engine.NewFactory(repo, validator, bus, m, logger, 0),
		Controller: engine.NewController(repo, nil, bus, logger),
		Logger:     logger,
	})

	cfg := &config.Config{Environment: "dev", DevModeBypass: true}
	authz, err := auth.New(context.Background(), cfg, logger)
	require.NoError(t, err)

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(logger)
	e.GET("/health", h.HandleHealth)
	g := e.Group("/api/v1")
	g.Use(echo.WrapMiddleware(authz.RequireAuth))
	RegisterHandlers(g, h)
	return &apiFixture{e: e, repo: repo}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// created posts body and returns the decoded 201 response.
func (f *apiFixture) created(t *testing.T, path string, body interface{}) map[string]interface{} {
	t.Helper()
	rec := f.do(t, http.MethodPost, path, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode(t, rec)
}

var stringX = map[string]interface{}{
	"type":       "object",
	"properties": map[string]interface{}{"x": map[string]interface{}{"type": "string"}},
	"required":   []interface{}{"x"},
}

func taskMasterBody(name, in, out string) map[string]interface{} {
	body := map[string]interface{}{
		"name":   name,
		"method": "POST",
		"url":    "http://downstream.invalid/" + name,
	}
	if in != "" {
		body["input_interface_id"] = in
	}
	if out != "" {
		body["output_interface_id"] = out
	}
	return body
}

// chain creates a job master of three compatible steps and returns its id
// and the task master ids.
func (f *apiFixture) chain(t *testing.T) (string, []string) {
	t.Helper()
	im := f.created(t, "/api/v1/interface-masters", map[string]interface{}{
		"name": "payload", "input_schema": stringX, "output_schema": stringX,
	})
	ifID := im["id"].(string)

	var tms []string
	var links []map[string]interface{}
	for _, name := range []string{"fetch", "enrich", "store"} {
		tm := f.created(t, "/api/v1/task-masters", taskMasterBody(name, ifID, ifID))
		tms = append(tms, tm["id"].(string))
		links = append(links, map[string]interface{}{"task_master_id": tm["id"]})
	}
	jm := f.created(t, "/api/v1/job-masters", map[string]interface{}{"name": "pipeline", "tasks": links})
	return jm["master"].(map[string]interface{})["id"].(string), tms
}

func TestHealth(t *testing.T) {
	f := newAPI(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "jobqueue", body["service"])
}

func TestValidateWorkflow_CompatibleChain(t *testing.T) {
	f := newAPI(t)
	jmID, _ := f.chain(t)

	rec := f.do(t, http.MethodGet, "/api/v1/job-masters/"+jmID+"/validate-workflow", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode(t, rec)
	assert.Equal(t, true, report["is_valid"])
	assert.Empty(t, report["errors"])
	checks := report["compatibility_checks"].([]interface{})
	require.Len(t, checks, 2)
	for _, c := range checks {
		assert.Equal(t, true, c.(map[string]interface{})["is_compatible"])
	}
}

func TestValidateWorkflow_UnknownMaster(t *testing.T) {
	f := newAPI(t)
	rec := f.do(t, http.MethodGet, "/api/v1/job-masters/jm_missing/validate-workflow", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
	problem := decode(t, rec)
	report := problem["report"].(map[string]interface{})
	assert.Equal(t, false, report["is_valid"])
	assert.Equal(t, "/api/v1/job-masters/jm_missing/validate-workflow", problem["instance"])
}

func TestAssociateInterface_Duplicate(t *testing.T) {
	f := newAPI(t)
	im := f.created(t, "/api/v1/interface-masters", map[string]interface{}{"name": "extra", "input_schema": stringX})
	tm := f.created(t, "/api/v1/task-masters", taskMasterBody("solo", "", ""))
	path := "/api/v1/task-masters/" + tm["id"].(string) + "/interfaces"
	body := map[string]interface{}{"interface_id": im["id"], "required": true}

	f.created(t, path, body)
	rec := f.do(t, http.MethodPost, path, body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["detail"], "already associated")

	rec = f.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["total"])

	rec = f.do(t, http.MethodDelete, path+"/"+im["id"].(string), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCreateTaskMaster_ValidationErrors(t *testing.T) {
	f := newAPI(t)
	rec := f.do(t, http.MethodPost, "/api/v1/task-masters", map[string]interface{}{"name": "broken", "method": "FETCH"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	problem := decode(t, rec)
	assert.Equal(t, "Validation Failed", problem["title"])
	var fields []string
	for _, e := range problem["errors"].([]interface{}) {
		fields = append(fields, e.(map[string]interface{})["field"].(string))
	}
	assert.Contains(t, fields, "method")
	assert.Contains(t, fields, "url")
}

func TestMalformedBody(t *testing.T) {
	f := newAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/interface-masters", strings.NewReader("{"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
}

func TestListPaging(t *testing.T) {
	f := newAPI(t)
	for _, name := range []string{"a", "b", "c"} {
		f.created(t, "/api/v1/task-masters", taskMasterBody(name, "", ""))
	}

	rec := f.do(t, http.MethodGet, "/api/v1/task-masters?page=2&size=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode(t, rec)
	assert.EqualValues(t, 3, page["total"])
	assert.EqualValues(t, 2, page["page"])
	assert.Len(t, page["items"], 1)

	rec = f.do(t, http.MethodGet, "/api/v1/task-masters?size=500", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "size", decode(t, rec)["errors"].([]interface{})[0].(map[string]interface{})["field"])
}

func TestPublishVersion(t *testing.T) {
	f := newAPI(t)
	jmID, tms := f.chain(t)
	path := "/api/v1/job-masters/" + jmID + "/publish-version"

	rec := f.do(t, http.MethodPost, path, map[string]interface{}{"change_reason": "nothing new"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode(t, rec)
	assert.Equal(t, false, res["created"])
	assert.EqualValues(t, 1, res["version"].(map[string]interface{})["version"])

	rec = f.do(t, http.MethodGet, "/api/v1/task-masters/"+tms[1], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	update := decode(t, rec)
	update["description"] = "now with more data"
	update["change_reason"] = "describe it"
	rec = f.do(t, http.MethodPut, "/api/v1/task-masters/"+tms[1], update)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, decode(t, rec)["version"].(map[string]interface{})["version"])

	rec = f.do(t, http.MethodPost, path, map[string]interface{}{"change_reason": "pick up enrich v2"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res = decode(t, rec)
	assert.Equal(t, true, res["created"])
	assert.EqualValues(t, 2, res["version"].(map[string]interface{})["version"])

	rec = f.do(t, http.MethodGet, "/api/v1/job-masters/"+jmID+"/versions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode(t, rec)["items"].([]interface{})
	require.Len(t, history, 2)
	assert.Equal(t, []interface{}{"tasks"}, history[0].(map[string]interface{})["changed_fields"])
}

func TestInvalidWorkflowBlocksJobs(t *testing.T) {
	f := newAPI(t)
	produces := f.created(t, "/api/v1/interface-masters", map[string]interface{}{
		"name": "numbers",
		"output_schema": map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"y": map[string]interface{}{"type": "integer"}},
		},
	})
	consumes := f.created(t, "/api/v1/interface-masters", map[string]interface{}{"name": "needs-x", "input_schema": stringX})
	a := f.created(t, "/api/v1/task-masters", taskMasterBody("count", "", produces["id"].(string)))
	b := f.created(t, "/api/v1/task-masters", taskMasterBody("print", consumes["id"].(string), ""))
	jm := f.created(t, "/api/v1/job-masters", map[string]interface{}{
		"name":  "mismatched",
		"tasks": []interface{}{map[string]interface{}{"task_master_id": a["id"]}, map[string]interface{}{"task_master_id": b["id"]}},
	})
	jmID := jm["master"].(map[string]interface{})["id"].(string)

	rec := f.do(t, http.MethodGet, "/api/v1/job-masters/"+jmID+"/validate-workflow", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode(t, rec)
	assert.Equal(t, false, report["is_valid"])
	assert.NotEmpty(t, report["errors"])

	for _, path := range []string{"/api/v1/job-masters/" + jmID + "/publish-version", "/api/v1/jobs/from-master/" + jmID} {
		rec = f.do(t, http.MethodPost, path, map[string]interface{}{})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code, path)
		problem := decode(t, rec)
		assert.NotEmpty(t, problem["report"].(map[string]interface{})["errors"], path)
	}

	jobs, total, err := f.repo.ListJobs(context.Background(), models.JobFilter{MasterID: jmID})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, jobs)
}

func TestJobLifecycle(t *testing.T) {
	f := newAPI(t)
	jmID, _ := f.chain(t)

	job := f.created(t, "/api/v1/jobs/from-master/"+jmID, map[string]interface{}{
		"name": "nightly", "priority": 2, "tags": []string{"batch"},
	})
	jobID := job["id"].(string)
	assert.Equal(t, "queued", job["status"])
	assert.EqualValues(t, 2, job["priority"])
	assert.Equal(t, auth.DevPrincipal, job["created_by"])
	tasks := job["tasks"].([]interface{})
	require.Len(t, tasks, 3)

	rec := f.do(t, http.MethodGet, "/api/v1/jobs?tag=batch&status=queued", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["total"])

	rec = f.do(t, http.MethodGet, "/api/v1/job-masters/"+jmID+"/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["total"])

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/"+jobID+"/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["items"], 3)

	taskID := tasks[0].(map[string]interface{})["id"].(string)
	rec = f.do(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, jobID, decode(t, rec)["job_id"])

	rec = f.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/validate-interfaces", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["is_valid"])

	rec = f.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "queued task cannot be retried")

	rec = f.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "canceled", decode(t, rec)["status"])

	for _, action := range []string{"cancel", "start", "pause", "retry"} {
		rec = f.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/"+action, nil)
		assert.Equal(t, http.StatusConflict, rec.Code, action)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, task := range decode(t, rec)["tasks"].([]interface{}) {
		assert.Equal(t, "canceled", task.(map[string]interface{})["status"])
	}
}

func TestAdHocJob(t *testing.T) {
	f := newAPI(t)
	job := f.created(t, "/api/v1/jobs", map[string]interface{}{
		"url":  "http://downstream.invalid/ping",
		"body": map[string]interface{}{"hello": "world"},
	})
	assert.Equal(t, "GET", job["method"])
	assert.Empty(t, job["tasks"])

	rec := f.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/jobs/"+job["id"].(string)+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "queued", decode(t, rec)["status"], "without a local runner the job waits for a worker")
}

func TestNotFound(t *testing.T) {
	f := newAPI(t)
	for _, path := range []string{
		"/api/v1/jobs/j_missing",
		"/api/v1/tasks/t_missing",
		"/api/v1/task-masters/tm_missing",
		"/api/v1/job-masters/jm_missing/versions",
		"/api/v1/job-masters/jm_missing/jobs",
	} {
		rec := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec := f.do(t, http.MethodPost, "/api/v1/jobs/from-master/jm_missing", map[string]interface{}{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateFromVersion(t *testing.T) {
	f := newAPI(t)
	jmID, _ := f.chain(t)

	rec := f.do(t, http.MethodPost, "/api/v1/job-masters/"+jmID+"/versions/1/create-from", map[string]interface{}{"name": "fork"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	fork := decode(t, rec)
	assert.Equal(t, "fork", fork["master"].(map[string]interface{})["name"])
	assert.Len(t, fork["version"].(map[string]interface{})["tasks"], 3)

	rec = f.do(t, http.MethodPost, "/api/v1/job-masters/"+jmID+"/versions/abc/create-from", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSpecHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	SpecHandler("https://issuer.example/oauth2/default")(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://issuer.example/oauth2/default/v1/authorize")
	assert.NotContains(t, rec.Body.String(), "{oktaIssuer}")

	rec = httptest.NewRecorder()
	SwaggerHandler("swagger-client")(rec, httptest.NewRequest(http.MethodGet, "http://localhost:8080/docs", nil))
	assert.Contains(t, rec.Body.String(), `clientId: "swagger-client"`)
	assert.Contains(t, rec.Body.String(), "http://localhost:8080/docs/oauth2-redirect.html")
}
