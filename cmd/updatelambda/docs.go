package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/your-org/parking-iot/internal/jobdoc"
)

type jobDocStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var newDocStore = func(cfg aws.Config) jobDocStore { return s3.NewFromConfig(cfg) }

var (
	docsBucket string
	docsPrefix string
	docsCheck  bool
)

var docsCmd = &cobra.Command{
	Use:   "docs [dir ...]",
	Short: "Validate command job documents and sync them to S3",
	RunE:  runDocs,
}

func init() {
	docsCmd.Flags().StringVar(&docsBucket, "bucket", os.Getenv("JOB_DOC_BUCKET"), "job document bucket")
	docsCmd.Flags().StringVar(&docsPrefix, "prefix", "jobs", "key prefix inside the bucket")
	docsCmd.Flags().BoolVar(&docsCheck, "check", false, "validate only, do not upload")
	rootCmd.AddCommand(docsCmd)
}

func runDocs(cmd *cobra.Command, args []string) error {
	roots := args
	if len(roots) == 0 {
		roots = []string{"jobdocs"}
	}
	paths, err := jobdoc.Discover(roots)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no job documents under %v", roots)
	}

	if docsCheck {
		bad := 0
		for _, p := range paths {
			for _, verr := range jobdoc.Validate(p) {
				fmt.Fprintf(stdout, "%s: %v\n", p, verr)
				bad++
			}
		}
		if bad > 0 {
			return fmt.Errorf("%d violations in %d documents", bad, len(paths))
		}
		fmt.Fprintf(stdout, "%d documents OK\n", len(paths))
		return nil
	}

	if docsBucket == "" {
		return errors.New("--bucket (or JOB_DOC_BUCKET) is required to sync")
	}
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	failed := 0
	for _, res := range jobdoc.Sync(cmd.Context(), newDocStore(cfg), docsBucket, docsPrefix, paths) {
		if res.Err != nil {
			fmt.Fprintf(stdout, "%s: %v\n", res.Path, res.Err)
			failed++
			continue
		}
		fmt.Fprintf(stdout, "%s -> s3://%s/%s\n", res.Path, docsBucket, res.Key)
	}
	if failed > 0 {
		return fmt.Errorf("%d documents failed to sync", failed)
	}
	return nil
}
