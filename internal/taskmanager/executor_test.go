package taskmanager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	vferrors "vidforge/internal/pkg/errors"
	"vidforge/internal/renderer"
)

func TestFindArtifact(t *testing.T) {
	t.Run("missing output tree", func(t *testing.T) {
		got, err := findArtifact(filepath.Join(t.TempDir(), "media", "videos"))
		if err != nil {
			t.Fatalf("findArtifact: %v", err)
		}
		if got != "" {
			t.Errorf("expected no artifact, got %q", got)
		}
	})

	t.Run("ignores non-video files", func(t *testing.T) {
		root := t.TempDir()
		mustWrite(t, filepath.Join(root, "partial", "frame_001.png"))
		mustWrite(t, filepath.Join(root, "render.log"))

		got, err := findArtifact(root)
		if err != nil {
			t.Fatalf("findArtifact: %v", err)
		}
		if got != "" {
			t.Errorf("expected no artifact, got %q", got)
		}
	})

	t.Run("finds nested video", func(t *testing.T) {
		root := t.TempDir()
		mustWrite(t, filepath.Join(root, "scene", "480p15", "render.log"))
		want := filepath.Join(root, "scene", "480p15", "Scene.mp4")
		mustWrite(t, want)

		got, err := findArtifact(root)
		if err != nil {
			t.Fatalf("findArtifact: %v", err)
		}
		if got != want {
			t.Errorf("findArtifact = %q, want %q", got, want)
		}
	})

	t.Run("accepts alternate containers", func(t *testing.T) {
		for _, ext := range []string{".webm", ".mov", ".MKV"} {
			root := t.TempDir()
			want := filepath.Join(root, "out"+ext)
			mustWrite(t, want)

			got, err := findArtifact(root)
			if err != nil {
				t.Fatalf("findArtifact(%s): %v", ext, err)
			}
			if got != want {
				t.Errorf("findArtifact(%s) = %q, want %q", ext, got, want)
			}
		}
	})
}

func TestClassifyRenderError(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		got := classifyRenderError(context.DeadlineExceeded, 20*time.Minute)
		if got.Code != vferrors.CodeRenderTimeout {
			t.Errorf("code = %s, want %s", got.Code, vferrors.CodeRenderTimeout)
		}
		if !strings.Contains(got.Message, "timed out after 20m0s") {
			t.Errorf("unexpected detail: %q", got.Message)
		}
	})

	t.Run("exit with stderr", func(t *testing.T) {
		got := classifyRenderError(&renderer.ExitError{Stderr: "SyntaxError: invalid syntax"}, time.Minute)
		if got.Code != vferrors.CodeRenderFailed {
			t.Errorf("code = %s, want %s", got.Code, vferrors.CodeRenderFailed)
		}
		if got.Message != "render failed: SyntaxError: invalid syntax" {
			t.Errorf("unexpected detail: %q", got.Message)
		}
	})

	t.Run("other error", func(t *testing.T) {
		got := classifyRenderError(errors.New("fork/exec: not found"), time.Minute)
		if got.Code != vferrors.CodeRenderFailed {
			t.Errorf("code = %s, want %s", got.Code, vferrors.CodeRenderFailed)
		}
		if got.Message != "render failed: fork/exec: not found" {
			t.Errorf("unexpected detail: %q", got.Message)
		}
	})
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	long := strings.Repeat("x", 5000)
	if got := truncate(long, maxErrorDetail); len(got) != maxErrorDetail {
		t.Errorf("truncate long: len = %d, want %d", len(got), maxErrorDetail)
	}
}

func mustWrite(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
}
