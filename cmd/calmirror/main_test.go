package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"calmirror/internal/config"
	"calmirror/internal/model"
	"calmirror/internal/reconcile"
)

func TestRootCommandWiring(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	want := []string{"plan", "preview", "run", "serve", "version"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("subcommands mismatch (-want +got):\n%s", diff)
	}
}

func TestOverrideFlags(t *testing.T) {
	flags := &cliFlags{}
	root := newRootCmd()
	root.SetArgs([]string{"version", "--feed-url", "https://example.com/a.ics", "--lookahead-days", "7"})
	var out bytes.Buffer
	root.SetOut(&out)
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "calmirror ") {
		t.Fatalf("version output %q", out.String())
	}

	flags.feedURL = "https://example.com/a.ics"
	flags.lookaheadDays = 7
	got := flags.override()
	if diff := cmp.Diff(config.Override{FeedURL: "https://example.com/a.ics", LookaheadDays: 7}, got); diff != "" {
		t.Fatalf("override mismatch (-want +got):\n%s", diff)
	}
}

func TestPrintPlan(t *testing.T) {
	plan := reconcile.Plan{
		Creates: []model.Occurrence{{Handle: "standup-1772442000", Summary: "Standup"}},
		Updates: []reconcile.Update{{RecordID: "r1", Occurrence: model.Occurrence{Handle: "review-1772528400"}}},
		Deletes: []reconcile.Delete{{RecordID: "r9", Handle: "old-1700000000"}},
	}
	var buf bytes.Buffer
	printPlan(&buf, plan, 2)

	out := buf.String()
	for _, want := range []string{
		"2 existing records; 1 creates, 1 updates, 1 deletes",
		"+ standup-1772442000  Standup",
		"~ review-1772528400  r1",
		"- old-1700000000  r9",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintOccurrences(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	occs := []model.Occurrence{
		{Handle: "standup-1772442000", Summary: "Standup", Start: now.Add(24 * time.Hour)},
		{Handle: "holiday-1772496000", Summary: "Holiday", Start: time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), AllDay: true},
	}
	var buf bytes.Buffer
	printOccurrences(&buf, occs, now)

	out := buf.String()
	for _, want := range []string{"1 day from now", "2026-03-03 (all day)", "Holiday", "2 occurrences"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
