// Package deploy packages a prebuilt Lambda artifact and pushes it, code
// first and configuration second, to the named function.
package deploy

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/your-org/parking-iot/internal/config"
)

// MaxZipSize is the Lambda direct-upload limit. Bigger zips are staged
// through S3.
const MaxZipSize int64 = 50 * 1024 * 1024

const (
	tempDir        = "temp"
	defaultZipName = "function.zip"

	defaultTimeout int32 = 70
	minTimeout     int32 = 1
	maxTimeout     int32 = 900
)

var (
	sleep  = time.Sleep
	maxZip = MaxZipSize
)

type lambdaAPI interface {
	UpdateFunctionCode(ctx context.Context, params *lambda.UpdateFunctionCodeInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error)
	UpdateFunctionConfiguration(ctx context.Context, params *lambda.UpdateFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error)
	GetFunctionConfiguration(ctx context.Context, params *lambda.GetFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error)
}

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Updater drives one function's code-and-configuration update.
type Updater struct {
	lambda lambdaAPI
	s3     s3API
	env    string
	log    *zap.SugaredLogger
}

// New builds an Updater. s3Client may be nil when no staging bucket is
// configured.
func New(lambdaClient lambdaAPI, s3Client s3API, env string, log *zap.SugaredLogger) *Updater {
	return &Updater{lambda: lambdaClient, s3: s3Client, env: env, log: log}
}

// Params describe one update run.
type Params struct {
	FuncName    string
	Description string
	Timeout     int32             // seconds; 0 applies the 70-second default
	SourceDir   string            // prebuilt artifact dir, e.g. build/<func_name>
	ZipName     string            // defaults to function.zip
	S3Bucket    string            // stages zips larger than MaxZipSize
	Env         map[string]string // environment variables for the function
}

// Package stages sourceDir into a fresh temp folder and zips it. Leftovers
// from an aborted run are removed first. It returns the zip path and the
// base64 SHA-256 of the zip bytes, the digest Lambda reports as CodeSha256.
func Package(sourceDir, zipName string) (string, string, error) {
	if zipName == "" {
		zipName = defaultZipName
	}
	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return "", "", fmt.Errorf("read source dir: %w", err)
	}
	if err := os.RemoveAll(tempDir); err != nil {
		return "", "", fmt.Errorf("clean temp: %w", err)
	}
	os.Remove(zipName)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create temp: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(sourceDir, e.Name())
		if err := copyFile(filepath.Join(tempDir, e.Name()), src); err != nil {
			return "", "", fmt.Errorf("stage %s: %w", e.Name(), err)
		}
	}
	if err := zipDir(tempDir, zipName); err != nil {
		return "", "", fmt.Errorf("zip %s: %w", tempDir, err)
	}
	digest, err := zipDigest(zipName)
	if err != nil {
		return "", "", err
	}
	return zipName, digest, nil
}

func copyFile(dst, src string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, info.Mode())
}

// zipDir writes dir's files into zipPath. Entry names use forward slashes
// and keep their file modes, so the bootstrap binary stays executable.
func zipDir(dir, zipPath string) error {
	f, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	w := zip.NewWriter(f)
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if d.IsDir() {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return ierr
		}
		rel, rerr := filepath.Rel(dir, path)
		if rerr != nil {
			return rerr
		}
		hdr, herr := zip.FileInfoHeader(info)
		if herr != nil {
			return herr
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate
		dst, cerr := w.CreateHeader(hdr)
		if cerr != nil {
			return cerr
		}
		src, oerr := os.Open(path)
		if oerr != nil {
			return oerr
		}
		_, copyErr := io.Copy(dst, src)
		src.Close()
		return copyErr
	})
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func zipDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// Update packages the artifact, uploads the zip and applies the function's
// configuration. Only the test environment may run it: dev and prod are
// published from the test version, never updated directly.
func (u *Updater) Update(ctx context.Context, p Params) error {
	if u.env != config.Test {
		return fmt.Errorf("must run with ENV=test, got %q", u.env)
	}
	if p.Timeout == 0 {
		p.Timeout = defaultTimeout
	}
	if p.Timeout < minTimeout || p.Timeout > maxTimeout {
		return fmt.Errorf("timeout %d out of range [%d, %d]", p.Timeout, minTimeout, maxTimeout)
	}

	zipPath, digest, err := Package(p.SourceDir, p.ZipName)
	if err != nil {
		return err
	}
	defer u.cleanUp(zipPath)

	if err := u.uploadCode(ctx, p, zipPath, digest); err != nil {
		return fmt.Errorf("update function code: %w", err)
	}
	if err := u.waitUpdated(ctx, p.FuncName); err != nil {
		return err
	}
	if err := u.configure(ctx, p); err != nil {
		return fmt.Errorf("update function configuration: %w", err)
	}
	u.log.Infow("function updated",
		"function", p.FuncName,
		"description", p.Description,
		"timeout", p.Timeout,
	)
	return nil
}

func (u *Updater) uploadCode(ctx context.Context, p Params, zipPath, digest string) error {
	data, err := os.ReadFile(zipPath)
	if err != nil {
		return err
	}
	in := &lambda.UpdateFunctionCodeInput{FunctionName: aws.String(p.FuncName)}
	if int64(len(data)) > maxZip {
		if p.S3Bucket == "" {
			return fmt.Errorf("zip is %d bytes, over the direct-upload limit, and no bucket is configured", len(data))
		}
		key := p.FuncName + "/" + filepath.Base(zipPath)
		_, err := u.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(p.S3Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/zip"),
		})
		if err != nil {
			return fmt.Errorf("stage zip to s3: %w", err)
		}
		u.log.Infow("zip staged to s3", "bucket", p.S3Bucket, "key", key)
		in.S3Bucket = aws.String(p.S3Bucket)
		in.S3Key = aws.String(key)
	} else {
		in.ZipFile = data
	}

	out, err := u.lambda.UpdateFunctionCode(ctx, in)
	if err != nil {
		return err
	}
	if out.CodeSha256 != nil && *out.CodeSha256 != digest {
		return fmt.Errorf("code sha mismatch: uploaded %s, service reports %s", digest, *out.CodeSha256)
	}
	u.log.Infow("function code updated", "function", p.FuncName, "sha256", digest)
	return nil
}

// waitUpdated polls until the last update leaves InProgress. Updating the
// configuration while the code update is still propagating fails with a
// conflict.
func (u *Updater) waitUpdated(ctx context.Context, funcName string) error {
	for {
		out, err := u.lambda.GetFunctionConfiguration(ctx, &lambda.GetFunctionConfigurationInput{
			FunctionName: aws.String(funcName),
		})
		if err != nil {
			return fmt.Errorf("get function configuration: %w", err)
		}
		if out.LastUpdateStatus == lambdatypes.LastUpdateStatusFailed {
			return fmt.Errorf("code update failed: %s", aws.ToString(out.LastUpdateStatusReason))
		}
		if out.LastUpdateStatus != lambdatypes.LastUpdateStatusInProgress {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		sleep(time.Second)
	}
}

func (u *Updater) configure(ctx context.Context, p Params) error {
	_, err := u.lambda.UpdateFunctionConfiguration(ctx, &lambda.UpdateFunctionConfigurationInput{
		FunctionName: aws.String(p.FuncName),
		Description:  aws.String(p.Description),
		Timeout:      aws.Int32(p.Timeout),
		Environment:  &lambdatypes.Environment{Variables: p.Env},
	})
	return err
}

// cleanUp removes the staging folder and the zip. It runs on success and
// failure alike so an aborted run never poisons the next one, and its own
// errors never mask the update's.
func (u *Updater) cleanUp(zipPath string) {
	if err := os.RemoveAll(tempDir); err != nil {
		u.log.Warnw("remove temp", "error", err)
	}
	if err := os.Remove(zipPath); err != nil && !os.IsNotExist(err) {
		u.log.Warnw("remove zip", "error", err)
	}
}
