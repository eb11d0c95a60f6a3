package daemoncore

import (
	"testing"
	"time"

	"agenshield/internal/skills"
)

func TestOpenClawConfigWriter_WriteAndRemoveSkillEntry(t *testing.T) {
	dir := t.TempDir()
	w := NewOpenClawConfigWriter(dir)

	meta := skills.SkillMeta{Version: "1.0.0", SHA: "abc123", Trusted: true, InstalledAt: time.Now()}
	if err := w.WriteSkillEntry("demo-skill", meta); err != nil {
		t.Fatalf("WriteSkillEntry: %v", err)
	}

	cfg, err := w.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got, ok := cfg.Skills["demo-skill"]
	if !ok {
		t.Fatalf("expected demo-skill entry, got %+v", cfg.Skills)
	}
	if got.Version != "1.0.0" || !got.Trusted {
		t.Fatalf("unexpected entry: %+v", got)
	}

	if err := w.RemoveSkillEntry("demo-skill"); err != nil {
		t.Fatalf("RemoveSkillEntry: %v", err)
	}
	cfg, err = w.load()
	if err != nil {
		t.Fatalf("load after remove: %v", err)
	}
	if _, ok := cfg.Skills["demo-skill"]; ok {
		t.Fatalf("expected demo-skill entry to be removed")
	}
}

func TestOpenClawConfigWriter_RemoveMissingEntryIsNoop(t *testing.T) {
	dir := t.TempDir()
	w := NewOpenClawConfigWriter(dir)
	if err := w.RemoveSkillEntry("never-installed"); err != nil {
		t.Fatalf("expected no error removing absent entry, got %v", err)
	}
}

func TestOpenClawConfigWriter_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	w1 := NewOpenClawConfigWriter(dir)
	if err := w1.WriteSkillEntry("persisted", skills.SkillMeta{Version: "2.0.0"}); err != nil {
		t.Fatalf("WriteSkillEntry: %v", err)
	}

	w2 := NewOpenClawConfigWriter(dir)
	cfg, err := w2.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := cfg.Skills["persisted"]; !ok {
		t.Fatalf("expected entry written by w1 to be visible to w2")
	}
}
