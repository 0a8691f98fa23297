package e2e

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"go.uber.org/zap"

	"github.com/your-org/parking-iot/internal/deploy"
	"github.com/your-org/parking-iot/internal/funcenv"
	"github.com/your-org/parking-iot/internal/jobdoc"
)

const (
	awsEndpoint = "http://localhost:4566"
	funcName    = "remote_control_api"
	envParam    = "/parking/remote_control_api/env"
)

func lsClients(ctx context.Context, t *testing.T) (*lambda.Client, *s3.Client, *ssm.Client) {
	t.Helper()
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion("us-east-1"))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	lmb := lambda.NewFromConfig(cfg, func(o *lambda.Options) {
		o.BaseEndpoint = aws.String(awsEndpoint)
		o.EndpointOptions.DisableHTTPS = true
	})
	s3c := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(awsEndpoint)
		o.EndpointOptions.DisableHTTPS = true
		o.UsePathStyle = true
	})
	ssmc := ssm.NewFromConfig(cfg, func(o *ssm.Options) {
		o.BaseEndpoint = aws.String(awsEndpoint)
		o.EndpointOptions.DisableHTTPS = true
	})
	return lmb, s3c, ssmc
}

// zipBootstrap builds a minimal deployable zip so CreateFunction has
// something to hold before the real update.
func zipBootstrap() []byte {
	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)
	f, _ := zw.Create("bootstrap")
	_, _ = f.Write([]byte("#!/bin/sh\nexit 0\n"))
	_ = zw.Close()
	return buf.Bytes()
}

func createFunction(ctx context.Context, t *testing.T, lmb *lambda.Client) {
	t.Helper()
	_, err := lmb.CreateFunction(ctx, &lambda.CreateFunctionInput{
		FunctionName: aws.String(funcName),
		Runtime:      lambdatypes.RuntimeProvidedal2023,
		Handler:      aws.String("bootstrap"),
		Role:         aws.String("arn:aws:iam::000000000000:role/Dummy"),
		Code:         &lambdatypes.FunctionCode{ZipFile: zipBootstrap()},
	})
	if err != nil {
		t.Fatalf("create function: %v", err)
	}
	t.Cleanup(func() {
		_, _ = lmb.DeleteFunction(ctx, &lambda.DeleteFunctionInput{FunctionName: aws.String(funcName)})
	})
	if err := waitActive(ctx, lmb, funcName); err != nil {
		t.Fatal(err)
	}
}

func waitActive(ctx context.Context, c *lambda.Client, name string) error {
	for i := 0; i < 60; i++ {
		out, err := c.GetFunctionConfiguration(ctx, &lambda.GetFunctionConfigurationInput{FunctionName: aws.String(name)})
		if err == nil && out.State == lambdatypes.StateActive {
			return nil
		}
		time.Sleep(1 * time.Second)
	}
	return fmt.Errorf("timeout waiting for %s to become active", name)
}

func putFunctionEnv(ctx context.Context, t *testing.T, ssmc *ssm.Client) {
	t.Helper()
	envJSON := `{"IOT_PREFIX":"arn:aws:iot:us-east-1:000000000000","S3_PREFIX":"https://parking-jobs.s3.amazonaws.com"}`
	_, err := ssmc.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(envParam),
		Type:      ssmtypes.ParameterTypeSecureString,
		Value:     aws.String(envJSON),
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		t.Fatalf("put parameter: %v", err)
	}
}

func writeArtifact(t *testing.T) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "build")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "bootstrap"), []byte("updated build"), 0o755); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return src
}

func TestDeployFlow(t *testing.T) {
	if os.Getenv("E2E") == "" {
		t.Skip("E2E env not set")
	}
	ctx := context.Background()
	lmb, s3c, ssmc := lsClients(ctx, t)

	createFunction(ctx, t, lmb)
	putFunctionEnv(ctx, t, ssmc)

	log := zap.NewNop().Sugar()
	vars, err := funcenv.New(ssmc, log).Resolve(ctx, "test", funcName, envParam)
	if err != nil {
		t.Fatalf("resolve env: %v", err)
	}

	src := writeArtifact(t)
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(wd)

	u := deploy.New(lmb, s3c, "test", log)
	err = u.Update(ctx, deploy.Params{
		FuncName:    funcName,
		Description: "live deploy check",
		Timeout:     90,
		SourceDir:   src,
		Env:         vars,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	out, err := lmb.GetFunctionConfiguration(ctx, &lambda.GetFunctionConfigurationInput{FunctionName: aws.String(funcName)})
	if err != nil {
		t.Fatalf("get configuration: %v", err)
	}
	if aws.ToString(out.Description) != "live deploy check" {
		t.Fatalf("description = %q", aws.ToString(out.Description))
	}
	if aws.ToInt32(out.Timeout) != 90 {
		t.Fatalf("timeout = %d", aws.ToInt32(out.Timeout))
	}
	if out.Environment == nil || out.Environment.Variables["ENV"] != "test" {
		t.Fatalf("environment = %+v", out.Environment)
	}
	if out.Environment.Variables["IOT_PREFIX"] == "" {
		t.Fatalf("missing IOT_PREFIX in %v", out.Environment.Variables)
	}
}

func TestJobDocSync(t *testing.T) {
	if os.Getenv("E2E") == "" {
		t.Skip("E2E env not set")
	}
	ctx := context.Background()
	_, s3c, _ := lsClients(ctx, t)

	_, _ = s3c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String("parking-jobs")})

	dir := t.TempDir()
	path := filepath.Join(dir, "version.json")
	if err := os.WriteFile(path, []byte(`{"cmd": "version"}`), 0o644); err != nil {
		t.Fatalf("write doc: %v", err)
	}

	for _, r := range jobdoc.Sync(ctx, s3c, "parking-jobs", "jobs", []string{path}) {
		if r.Err != nil {
			t.Fatalf("sync %s: %v", r.Path, r.Err)
		}
	}

	obj, err := s3c.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String("parking-jobs"),
		Key:    aws.String("jobs/version.json"),
	})
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	defer obj.Body.Close()
	data, err := io.ReadAll(obj.Body)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	var doc struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(data, &doc); err != nil || doc.Cmd != "version" {
		t.Fatalf("stored doc = %s (decode error %v)", data, err)
	}
}
