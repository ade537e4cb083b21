package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "run/page.html", "text/html", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://run/page.html" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	stored, contentType, ok := store.Get("run/page.html")
	if !ok {
		t.Fatal("expected object to be stored")
	}
	if string(stored) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
	if contentType != "text/html" {
		t.Fatalf("unexpected content type %q", contentType)
	}
}

func TestBlobStoreKeysSorted(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, key := range []string{"b.json", "a.png", "c.html"} {
		if _, err := store.PutObject(context.Background(), key, "", bytes.NewReader(nil)); err != nil {
			t.Fatalf("PutObject(%s) error = %v", key, err)
		}
	}
	keys := store.Keys()
	if len(keys) != 3 || keys[0] != "a.png" || keys[2] != "c.html" {
		t.Fatalf("unexpected keys %v", keys)
	}
	if _, err := store.PutObject(context.Background(), "", "", bytes.NewReader(nil)); err == nil {
		t.Fatal("expected error for empty path")
	}
}
