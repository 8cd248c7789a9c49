package main

import (
	"context"
	"fmt"

	"jobqueue/internal/logging"
	"jobqueue/internal/services"
	"jobqueue/pkg/models"
)

// seeder creates the demo "document digest" workflow: fetch a document,
// summarize it, publish the summary. Templates that already exist by name
// are reused.
type seeder struct {
	templates *services.TemplateService
	versions  *services.VersionManager
	logger    *logging.Logger
}

func object(required []string, props map[string]string) map[string]interface{} {
	p := map[string]interface{}{}
	for name, typ := range props {
		p[name] = map[string]interface{}{"type": typ}
	}
	req := make([]interface{}, len(required))
	for i, r := range required {
		req[i] = r
	}
	return map[string]interface{}{"type": "object", "properties": p, "required": req}
}

func (s *seeder) run(ctx context.Context, baseURL string) error {
	document := object([]string{"url"}, map[string]string{"url": "string"})
	text := object([]string{"title", "text"}, map[string]string{"title": "string", "text": "string"})
	summary := object([]string{"title", "summary"}, map[string]string{"title": "string", "summary": "string", "words": "integer"})
	receipt := object([]string{"published_url"}, map[string]string{"published_url": "string"})

	interfaces := []struct {
		name    string
		in, out map[string]interface{}
	}{
		{"document-fetch", document, text},
		{"summarize", text, summary},
		{"publish", summary, receipt},
	}
	ifaceIDs := map[string]string{}
	for _, spec := range interfaces {
		id, err := s.interfaceMaster(ctx, spec.name, spec.in, spec.out)
		if err != nil {
			return err
		}
		ifaceIDs[spec.name] = id
	}

	steps := []models.TaskMasterSpec{
		{
			Name:         "fetch-document",
			Description:  "Downloads a document and extracts its text.",
			Method:       "POST",
			URL:          baseURL + "/documents/fetch",
			BodyTemplate: map[string]interface{}{"url": "https://example.com/report.html"},
			TimeoutSec:   30,
			MaxRetries:   2,
		},
		{
			Name:        "summarize-text",
			Description: "Summarizes the text of the previous step.",
			Method:      "POST",
			URL:         baseURL + "/summaries",
			BodyTemplate: map[string]interface{}{
				"title": "{{tasks[0].output_data.title}}",
				"text":  "{{tasks[0].output_data.text}}",
			},
			TimeoutSec: 60,
			MaxRetries: 1,
		},
		{
			Name:        "publish-summary",
			Description: "Publishes the summary.",
			Method:      "PUT",
			URL:         baseURL + "/published",
			TimeoutSec:  30,
		},
	}
	ifaceOrder := []string{"document-fetch", "summarize", "publish"}

	var links []services.LinkInput
	for i, spec := range steps {
		id := ifaceIDs[ifaceOrder[i]]
		spec.InputInterfaceID = &id
		spec.OutputInterfaceID = &id
		tmID, err := s.taskMaster(ctx, spec)
		if err != nil {
			return err
		}
		links = append(links, services.LinkInput{TaskMasterID: tmID})
	}

	return s.jobMaster(ctx, models.JobMasterSpec{
		Name:            "document-digest",
		Description:     "Fetch, summarize and publish a document.",
		MaxAttempts:     3,
		BackoffStrategy: models.BackoffExponential,
		BackoffSeconds:  5,
		Tags:            []string{"demo"},
	}, links)
}

func (s *seeder) interfaceMaster(ctx context.Context, name string, in, out map[string]interface{}) (string, error) {
	existing, _, err := s.templates.ListInterfaceMasters(ctx, models.Page{Limit: 1000})
	if err != nil {
		return "", fmt.Errorf("list interface masters: %w", err)
	}
	for _, im := range existing {
		if im.Name == name {
			s.logger.Info("Skipping existing interface master", "name", name, "id", im.ID)
			return im.ID, nil
		}
	}
	im, err := s.templates.CreateInterfaceMaster(ctx, &models.InterfaceMaster{Name: name, InputSchema: in, OutputSchema: out})
	if err != nil {
		return "", fmt.Errorf("create interface master %s: %w", name, err)
	}
	s.logger.Info("Seeded interface master", "name", name, "id", im.ID)
	return im.ID, nil
}

func (s *seeder) taskMaster(ctx context.Context, spec models.TaskMasterSpec) (string, error) {
	existing, _, err := s.templates.ListTaskMasters(ctx, models.Page{Limit: 1000})
	if err != nil {
		return "", fmt.Errorf("list task masters: %w", err)
	}
	for _, tm := range existing {
		if tm.Name == spec.Name {
			s.logger.Info("Skipping existing task master", "name", spec.Name, "id", tm.ID)
			return tm.ID, nil
		}
	}
	tm, err := s.templates.CreateTaskMaster(ctx, spec, "seed")
	if err != nil {
		return "", fmt.Errorf("create task master %s: %w", spec.Name, err)
	}
	s.logger.Info("Seeded task master", "name", spec.Name, "id", tm.ID)
	return tm.ID, nil
}

func (s *seeder) jobMaster(ctx context.Context, spec models.JobMasterSpec, links []services.LinkInput) error {
	existing, _, err := s.templates.ListJobMasters(ctx, models.Page{Limit: 1000})
	if err != nil {
		return fmt.Errorf("list job masters: %w", err)
	}
	for _, jm := range existing {
		if jm.Name == spec.Name {
			s.logger.Info("Skipping existing job master", "name", spec.Name, "id", jm.ID)
			return nil
		}
	}

	jm, _, err := s.templates.CreateJobMaster(ctx, spec, links, "seed")
	if err != nil {
		return fmt.Errorf("create job master %s: %w", spec.Name, err)
	}
	res, err := s.versions.Publish(ctx, jm.ID, "seed")
	if err != nil {
		return fmt.Errorf("publish %s: %w", spec.Name, err)
	}
	s.logger.Info("Seeded job master", "name", spec.Name, "id", jm.ID, "version", res.Version.Version, "valid", res.Report.IsValid)
	return nil
}
