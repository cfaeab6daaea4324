package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/breeze-rmm/meetbot/internal/config"
)

func TestContainedPathRejectsTraversal(t *testing.T) {
	base := t.TempDir()
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"recordings/meeting.webm", false},
		{"a/../b.webm", false},
		{"../escape.webm", true},
		{"recordings/../../escape.webm", true},
	}
	for _, tt := range tests {
		_, err := containedPath(base, tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("containedPath(%q) err = %v, wantErr %v", tt.key, err, tt.wantErr)
		}
		if tt.wantErr && !errors.Is(err, ErrInvalidKey) {
			t.Errorf("containedPath(%q) err = %v, want ErrInvalidKey", tt.key, err)
		}
	}
}

func TestLocalPutListDelete(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	p := NewLocalProvider(base)

	loc, err := p.Put(ctx, "recordings/meeting_a.webm", []byte("audio"), "audio/webm")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if loc != filepath.Join(base, "recordings", "meeting_a.webm") {
		t.Fatalf("location = %q", loc)
	}
	data, err := os.ReadFile(loc)
	if err != nil || string(data) != "audio" {
		t.Fatalf("stored data = %q, %v", data, err)
	}
	if _, err := p.Put(ctx, "recordings/meeting_a.txt", []byte("hello"), "text/plain"); err != nil {
		t.Fatal(err)
	}

	objs, err := p.List(ctx, "recordings")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(objs) != 2 || objs[0].Key != "recordings/meeting_a.txt" || objs[1].Key != "recordings/meeting_a.webm" {
		t.Fatalf("List = %+v", objs)
	}
	if objs[1].Size != 5 {
		t.Fatalf("Size = %d, want 5", objs[1].Size)
	}

	for _, o := range objs {
		if err := p.Delete(ctx, o.Key); err != nil {
			t.Fatalf("Delete %s: %v", o.Key, err)
		}
	}
	if _, err := os.Stat(filepath.Join(base, "recordings")); !os.IsNotExist(err) {
		t.Fatalf("empty prefix directory should be removed, stat err = %v", err)
	}
	if _, err := os.Stat(base); err != nil {
		t.Fatalf("base directory must survive cleanup: %v", err)
	}
}

func TestLocalListMissingPrefixIsEmpty(t *testing.T) {
	objs, err := NewLocalProvider(t.TempDir()).List(context.Background(), "nothing")
	if err != nil || len(objs) != 0 {
		t.Fatalf("List = %v, %v", objs, err)
	}
}

func TestLocalDeleteMissingIsNoop(t *testing.T) {
	if err := NewLocalProvider(t.TempDir()).Delete(context.Background(), "gone.webm"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func TestLocalPutRejectsBadKeys(t *testing.T) {
	p := NewLocalProvider(t.TempDir())
	for _, key := range []string{"", "../x.webm"} {
		if _, err := p.Put(context.Background(), key, []byte("x"), ""); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Put(%q) err = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestNewSelectsProvider(t *testing.T) {
	p, err := New(context.Background(), config.StorageConfig{Provider: "LOCAL", Local: config.LocalStorageConfig{Path: t.TempDir()}})
	if err != nil || p.Name() != "local" {
		t.Fatalf("New(local) = %v, %v", p, err)
	}
	if _, err := New(context.Background(), config.StorageConfig{Provider: "ftp"}); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("New(ftp) err = %v, want ErrUnknownProvider", err)
	}
	if _, err := New(context.Background(), config.StorageConfig{Provider: "s3"}); err == nil {
		t.Fatal("New(s3) without bucket should fail")
	}
}
