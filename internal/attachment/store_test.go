package attachment

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"crewchat/core/internal/store"
)

func TestObjectKey(t *testing.T) {
	tests := []struct {
		roomID   string
		fileName string
		want     string
	}{
		{roomID: "room1", fileName: "report.pdf", want: "rooms/room1/att_1-report.pdf"},
		{roomID: "room1", fileName: "../../etc/passwd", want: "rooms/room1/att_1-passwd"},
		{roomID: "room/2", fileName: `C:\Users\ana\voice note.ogg`, want: "rooms/2/att_1-voice_note.ogg"},
		{roomID: "room1", fileName: "..", want: "rooms/room1/att_1-file"},
	}
	for _, tt := range tests {
		if got := ObjectKey(tt.roomID, "att_1", tt.fileName); got != tt.want {
			t.Errorf("ObjectKey(%q, %q) = %q, want %q", tt.roomID, tt.fileName, got, tt.want)
		}
	}
}

func TestContentTypeAndKind(t *testing.T) {
	tests := []struct {
		fileName string
		wantType string
		wantKind store.Kind
	}{
		{fileName: "clip.OGG", wantType: "audio/ogg", wantKind: store.KindAudio},
		{fileName: "memo.m4a", wantType: "audio/mp4", wantKind: store.KindAudio},
		{fileName: "invoice.pdf", wantType: "application/pdf", wantKind: store.KindFile},
		{fileName: "blob.crewchat-unknown", wantType: "application/octet-stream", wantKind: store.KindFile},
	}
	for _, tt := range tests {
		got := ContentType(tt.fileName)
		if !strings.HasPrefix(got, tt.wantType) {
			t.Errorf("ContentType(%q) = %q, want %q", tt.fileName, got, tt.wantType)
		}
		if kind := KindFor(got); kind != tt.wantKind {
			t.Errorf("KindFor(%q) = %q, want %q", got, kind, tt.wantKind)
		}
	}
}

func TestNewRequiresEndpointAndBucket(t *testing.T) {
	if _, err := New(Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected error without bucket")
	}
	s, err := New(Config{Endpoint: "localhost:9000", Bucket: "crewchat", AccessKey: "a", SecretKey: "b"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if s.urlTTL != DefaultURLLifetime {
		t.Fatalf("expected default url lifetime, got %v", s.urlTTL)
	}
}

func TestRefRoundTrip(t *testing.T) {
	key := ObjectKey("room1", "att_1", "voice note.ogg")
	ref := Ref("crewchat", key)
	if ref != "s3://crewchat/rooms/room1/att_1-voice_note.ogg" {
		t.Fatalf("unexpected ref %q", ref)
	}
	bucket, gotKey, ok := ParseRef(ref)
	if !ok || bucket != "crewchat" || gotKey != key {
		t.Fatalf("ParseRef(%q) = %q, %q, %v", ref, bucket, gotKey, ok)
	}

	for _, notRef := range []string{"", "https://cdn.example.com/a.pdf", "s3://crewchat", "s3:///rooms/a"} {
		if _, _, ok := ParseRef(notRef); ok {
			t.Errorf("ParseRef(%q) should not match", notRef)
		}
	}
}

func TestDownloadURLPresignsRefsOnly(t *testing.T) {
	s, err := New(Config{Endpoint: "localhost:9000", Bucket: "crewchat", Region: "us-east-1", AccessKey: "a", SecretKey: "b"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	legacy := "https://cdn.example.com/a.pdf"
	if got, err := s.DownloadURL(ctx, legacy); err != nil || got != legacy {
		t.Fatalf("expected plain link unchanged, got %q (%v)", got, err)
	}

	if _, err := s.DownloadURL(ctx, Ref("other", "rooms/room1/a.pdf")); err == nil {
		t.Fatal("expected error for a foreign bucket")
	}

	got, err := s.DownloadURL(ctx, Ref("crewchat", "rooms/room1/att_1-a.pdf"))
	if err != nil {
		t.Fatalf("DownloadURL failed: %v", err)
	}
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("parse %q: %v", got, err)
	}
	if u.Path != "/crewchat/rooms/room1/att_1-a.pdf" {
		t.Fatalf("unexpected path %q", u.Path)
	}
	if u.Query().Get("X-Amz-Expires") != "3600" {
		t.Fatalf("expected a one hour signature, got %q", u.RawQuery)
	}
}
