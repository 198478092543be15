package localfs

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"vidforge/internal/ports"
)

func TestPutAndGetObject(t *testing.T) {
	l := New(t.TempDir(), "")
	ctx := context.Background()

	out, err := l.PutObject(ctx, ports.PutObjectInput{
		ObjectKey: "videos/u1/c1/m1.mp4",
		Reader:    strings.NewReader("video bytes"),
	})
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if out.ObjectKey != "videos/u1/c1/m1.mp4" || out.Size != int64(len("video bytes")) {
		t.Errorf("unexpected output: %+v", out)
	}

	rc, contentType, size, err := l.GetObject(ctx, "videos/u1/c1/m1.mp4")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if string(data) != "video bytes" {
		t.Errorf("object content = %q", data)
	}
	if size != int64(len(data)) {
		t.Errorf("size = %d, want %d", size, len(data))
	}
	if !strings.HasPrefix(contentType, "video/mp4") {
		t.Errorf("content type = %q", contentType)
	}
}

func TestPutObjectRequiresKey(t *testing.T) {
	l := New(t.TempDir(), "")
	if _, err := l.PutObject(context.Background(), ports.PutObjectInput{Reader: strings.NewReader("x")}); err == nil {
		t.Error("expected error for empty object key")
	}
}

func TestSignedURL(t *testing.T) {
	t.Run("with base url", func(t *testing.T) {
		l := New(t.TempDir(), "http://localhost:8080/files/")
		out, err := l.SignedURL(context.Background(), "videos/u1/c1/m1.mp4", time.Hour)
		if err != nil {
			t.Fatalf("SignedURL: %v", err)
		}
		if out.URL != "http://localhost:8080/files/videos/u1/c1/m1.mp4" {
			t.Errorf("url = %q", out.URL)
		}
		if time.Until(out.ExpiresAt) <= 0 {
			t.Error("expected a future expiry")
		}
	})

	t.Run("without base url", func(t *testing.T) {
		l := New(t.TempDir(), "")
		if _, err := l.SignedURL(context.Background(), "k", time.Hour); err == nil {
			t.Error("expected error without a base URL")
		}
	})
}
