package main

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mirkobrombin/go-distlock/v1/presets"
)

func TestParseOptionsDefaults(t *testing.T) {
	o, err := parseOptions([]string{"--", "echo", "hi"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if o.backend != "memory" || o.keyField != "lock_id" || o.key != "singleton" || o.lease != 30*time.Second {
		t.Fatalf("unexpected defaults %+v", o)
	}
	if strings.Join(o.command, " ") != "echo hi" {
		t.Fatalf("unexpected command %v", o.command)
	}
}

func TestParseOptionsEnv(t *testing.T) {
	t.Setenv("DISTLOCK_BACKEND", "sqlite")
	t.Setenv("DISTLOCK_LEASE", "5s")
	t.Setenv("DISTLOCK_TRACE", "true")
	o, err := parseOptions([]string{"-key", "nightly", "--", "true"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if o.backend != "sqlite" || o.lease != 5*time.Second || !o.trace || o.key != "nightly" {
		t.Fatalf("env fallbacks not applied: %+v", o)
	}
}

func TestParseOptionsErrors(t *testing.T) {
	cases := [][]string{
		{"-backend", "etcd", "--", "true"},
		{"-lease", "0s", "--", "true"},
		{},
	}
	for i, args := range cases {
		if _, err := parseOptions(args, &bytes.Buffer{}); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
	if _, err := parseOptions([]string{"-status"}, &bytes.Buffer{}); err != nil {
		t.Fatalf("status needs no command: %v", err)
	}
}

func TestExitStatus(t *testing.T) {
	if exitStatus(nil) != exitOK {
		t.Fatal("nil error should be success")
	}
	if got := exitStatus(exec.Command("sh", "-c", "exit 3").Run()); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	if got := exitStatus(exec.Command("distlock-no-such-binary").Run()); got != exitNotFound {
		t.Fatalf("expected %d, got %d", exitNotFound, got)
	}
	if got := exitStatus(errors.New("boom")); got != exitFailure {
		t.Fatalf("expected %d, got %d", exitFailure, got)
	}
}

func TestRunMemory(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"-lease", "1s", "--", "true"}, &out, &errOut); code != exitOK {
		t.Fatalf("expected success, got %d: %s", code, errOut.String())
	}
	if code := run([]string{"--", "sh", "-c", "exit 4"}, &out, &errOut); code != 4 {
		t.Fatalf("expected child status 4, got %d", code)
	}
	if code := run([]string{"-backend", "nope"}, &out, &errOut); code != exitUsage {
		t.Fatalf("expected usage error, got %d", code)
	}
}

func TestRunSQLiteContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks.db")
	holder, err := presets.NewSQLite(path, presets.LockOptions{Table: "jobs", KeyField: "lock_id", Key: "nightly", Lease: time.Minute})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := holder.AcquireLock(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	base := []string{"-backend", "sqlite", "-sqlite-path", path, "-table", "jobs", "-key", "nightly"}
	var out, errOut bytes.Buffer
	if code := run(append(base, "-status"), &out, &errOut); code != exitOK {
		t.Fatalf("status: %d %s", code, errOut.String())
	}
	if !strings.HasPrefix(out.String(), "held:") {
		t.Fatalf("expected held status, got %q", out.String())
	}
	if code := run(append(base, "--", "true"), &out, &errOut); code != exitContended {
		t.Fatalf("expected %d, got %d", exitContended, code)
	}
	if code := run(append(base, "-wait", "50ms", "-retry", "10ms", "--", "true"), &out, &errOut); code != exitContended {
		t.Fatalf("expected %d after wait, got %d", exitContended, code)
	}

	if err := holder.ReleaseLock(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if code := run(append(base, "--", "true"), &out, &errOut); code != exitOK {
		t.Fatalf("expected success after release, got %d: %s", code, errOut.String())
	}
	out.Reset()
	if code := run(append(base, "-status"), &out, &errOut); code != exitOK || !strings.HasPrefix(out.String(), "free:") {
		t.Fatalf("expected free status, got %d %q", code, out.String())
	}
}
