package jobdoc

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func writeDoc(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestValidateGood(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "version.json", `{"cmd": "version"}`)
	if errs := Validate(path); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
}

func TestValidateMissingCmd(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "version.json", `{}`)
	errs := Validate(path)
	if len(errs) == 0 {
		t.Fatalf("expected schema error")
	}
	if !strings.Contains(errs[0].Error(), "cmd") {
		t.Fatalf("error = %v", errs[0])
	}
}

func TestValidateBadName(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "reboot.json", `{"cmd": "Reboot Now"}`)
	if errs := Validate(path); len(errs) == 0 {
		t.Fatalf("expected pattern violation")
	}
}

func TestValidateExtraField(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "version.json", `{"cmd": "version", "args": []}`)
	if errs := Validate(path); len(errs) == 0 {
		t.Fatalf("expected additionalProperties violation")
	}
}

func TestValidateNameMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "reboot.json", `{"cmd": "version"}`)
	errs := Validate(path)
	if len(errs) != 1 {
		t.Fatalf("errors = %v", errs)
	}
	if errs[0].Error() != `cmd "version" does not match file name "reboot"` {
		t.Fatalf("error = %v", errs[0])
	}
}

func TestValidateBadJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "version.json", `{not json`)
	errs := Validate(path)
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "decode:") {
		t.Fatalf("errors = %v", errs)
	}
}

func TestValidateMissingFile(t *testing.T) {
	errs := Validate(filepath.Join(t.TempDir(), "absent.json"))
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "read:") {
		t.Fatalf("errors = %v", errs)
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "version.json", `{"cmd": "version"}`)
	sub := filepath.Join(dir, "extra")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeDoc(t, sub, "reboot.json", `{"cmd": "reboot"}`)
	writeDoc(t, dir, "notes.txt", "ignore me")

	files, err := Discover([]string{dir})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v", files)
	}
}

type fakeS3 struct {
	puts []*s3.PutObjectInput
	err  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.puts = append(f.puts, in)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestSync(t *testing.T) {
	dir := t.TempDir()
	good := writeDoc(t, dir, "version.json", `{"cmd": "version"}`)
	bad := writeDoc(t, dir, "reboot.json", `{}`)
	fs3 := &fakeS3{}

	results := Sync(context.Background(), fs3, "parking-jobs", "jobs", []string{good, bad})
	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("good doc failed: %v", results[0].Err)
	}
	if results[0].Key != "jobs/version.json" {
		t.Fatalf("key = %s", results[0].Key)
	}
	if results[1].Err == nil {
		t.Fatalf("bad doc uploaded")
	}
	if len(fs3.puts) != 1 {
		t.Fatalf("puts = %d", len(fs3.puts))
	}
	put := fs3.puts[0]
	if *put.Bucket != "parking-jobs" || *put.Key != "jobs/version.json" {
		t.Fatalf("put = %s/%s", *put.Bucket, *put.Key)
	}
	if *put.ContentType != "application/json" {
		t.Fatalf("content type = %s", *put.ContentType)
	}
	body, err := io.ReadAll(put.Body)
	if err != nil || !strings.Contains(string(body), "version") {
		t.Fatalf("body = %s, err = %v", body, err)
	}
}

func TestSyncNoPrefix(t *testing.T) {
	dir := t.TempDir()
	good := writeDoc(t, dir, "version.json", `{"cmd": "version"}`)
	fs3 := &fakeS3{}

	results := Sync(context.Background(), fs3, "parking-jobs", "", []string{good})
	if results[0].Key != "version.json" {
		t.Fatalf("key = %s", results[0].Key)
	}
}
