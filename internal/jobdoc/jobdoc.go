// Package jobdoc validates and publishes remote-control job documents.
// Every command the API can dispatch is a small JSON file (<cmd>.json) in
// S3; the IoT jobs service hands it to the device as the job document.
package jobdoc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	_ "embed"
)

//go:embed schema.json
var schemaData []byte
var schema *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(schemaData))); err != nil {
		panic(err)
	}
	var err error
	schema, err = compiler.Compile("schema.json")
	if err != nil {
		panic(err)
	}
}

// Document is one command job document.
type Document struct {
	Cmd string `json:"cmd"`
}

// Discover finds job document candidates (*.json) under the given roots.
func Discover(roots []string) ([]string, error) {
	var files []string
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if strings.HasSuffix(path, ".json") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return files, err
		}
	}
	return files, nil
}

// Validate checks one file against the schema and the naming policy.
func Validate(path string) []error {
	data, err := os.ReadFile(path)
	if err != nil {
		return []error{fmt.Errorf("read: %w", err)}
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return []error{fmt.Errorf("decode: %w", err)}
	}
	if err := schema.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			var errs []error
			for _, c := range ve.Causes {
				errs = append(errs, fmt.Errorf("%s: %s", c.InstanceLocation, c.Message))
			}
			if len(errs) == 0 {
				errs = append(errs, err)
			}
			return errs
		}
		return []error{err}
	}
	return Violations(data, path)
}

// Violations applies the policy check the schema cannot express: the cmd
// field must match the file's base name, because the API derives the
// documentSource URL from the command name.
func Violations(data []byte, path string) []error {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return []error{err}
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if doc.Cmd != base {
		return []error{fmt.Errorf("cmd %q does not match file name %q", doc.Cmd, base)}
	}
	return nil
}

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// SyncResult reports the outcome for one document.
type SyncResult struct {
	Path string
	Key  string
	Err  error
}

// Sync validates each document and uploads the valid ones to
// s3://bucket/prefix/ as application/json. A bad document skips only that
// file's upload.
func Sync(ctx context.Context, client s3API, bucket, prefix string, paths []string) []SyncResult {
	results := make([]SyncResult, 0, len(paths))
	for _, p := range paths {
		key := filepath.Base(p)
		if prefix != "" {
			key = strings.TrimSuffix(prefix, "/") + "/" + key
		}
		res := SyncResult{Path: p, Key: key}
		if errs := Validate(p); len(errs) > 0 {
			res.Err = errors.Join(errs...)
			results = append(results, res)
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			res.Err = err
			results = append(results, res)
			continue
		}
		_, err = client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		res.Err = err
		results = append(results, res)
	}
	return results
}
