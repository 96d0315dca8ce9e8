package main

import (
	"context"
	"strings"
	"testing"

	"rsagent/internal/agent"
	"rsagent/internal/domain"
	"rsagent/internal/memory"
)

func TestResolveJobID(t *testing.T) {
	ctx := context.Background()
	sessions := agent.NewSessionStore(memory.NewInMemoryStore(), logger)

	id, err := sessions.Append(ctx, "", domain.MessageRecord{Role: domain.RoleUser, Content: "simulate snow with QMS"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := resolveJobID(ctx, sessions, "", id); err == nil || !strings.Contains(err.Error(), "no accepted job") {
		t.Fatalf("expected a missing-job error, got %v", err)
	}

	job := domain.JobResult{Status: domain.JobAccepted, JobID: "job-17", SchemaID: "snow_qms"}
	if _, err := sessions.Append(ctx, id, domain.MessageRecord{
		Role:    domain.RoleAssistant,
		Content: "Submitted.",
		Sources: []domain.Source{{Kind: domain.SourceJob, Job: &job}},
	}); err != nil {
		t.Fatal(err)
	}

	got, err := resolveJobID(ctx, sessions, "", id)
	if err != nil || got != "job-17" {
		t.Fatalf("resolveJobID by session = %q, %v", got, err)
	}
	if got, err := resolveJobID(ctx, sessions, "job-3", ""); err != nil || got != "job-3" {
		t.Fatalf("explicit job ID = %q, %v", got, err)
	}
	if _, err := resolveJobID(ctx, sessions, "job-3", id); err == nil {
		t.Fatal("expected an error when both a job ID and a session are given")
	}
	if _, err := resolveJobID(ctx, sessions, "", ""); err == nil {
		t.Fatal("expected an error with neither a job ID nor a session")
	}
}

func TestDescribeJob(t *testing.T) {
	out := describeJob(domain.JobReport{JobID: "job-5", State: domain.JobFailed, Error: "frequency list is empty"})
	if out != "Job job-5: failed\nfrequency list is empty" {
		t.Fatalf("unexpected description: %q", out)
	}
	if out := describeJob(domain.JobReport{JobID: "job-6", State: domain.JobRunning}); out != "Job job-6: running" {
		t.Fatalf("unexpected description: %q", out)
	}
}
