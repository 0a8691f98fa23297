// Command updatelambda packages a built Lambda artifact and updates the
// function's code and configuration. It only runs against the test
// environment; dev and prod pick up changes through Lambda publishing.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/your-org/parking-iot/internal/config"
	"github.com/your-org/parking-iot/internal/deploy"
	"github.com/your-org/parking-iot/internal/funcenv"
)

const (
	yellow = "\033[30;43m"
	green  = "\033[30;42m"
	red    = "\033[30;41m"
	reset  = "\033[0m"
)

type updateRunner interface {
	Update(ctx context.Context, p deploy.Params) error
}

type envResolver interface {
	Resolve(ctx context.Context, env, funcName, ssmParam string) (map[string]string, error)
}

var (
	exit                 = os.Exit
	loadConfig           = awsconfig.LoadDefaultConfig
	stdout     io.Writer = os.Stdout

	newUpdater = func(cfg aws.Config, env string, log *zap.SugaredLogger) updateRunner {
		return deploy.New(lambdasvc.NewFromConfig(cfg), s3.NewFromConfig(cfg), env, log)
	}
	newResolver = func(cfg aws.Config, log *zap.SugaredLogger) envResolver {
		return funcenv.New(ssm.NewFromConfig(cfg), log)
	}
)

var (
	funcName    string
	description string
	timeout     int32
	sourceDir   string
	bucket      string
	envParam    string
)

var rootCmd = &cobra.Command{
	Use:           "updatelambda",
	Short:         "Update a Lambda function's code and configuration",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runUpdate,
}

func init() {
	rootCmd.SetGlobalNormalizationFunc(underscoreFlags)
	rootCmd.Flags().StringVar(&funcName, "func_name", "", "Lambda function to update")
	rootCmd.Flags().StringVar(&description, "description", "", "description for the updated function")
	rootCmd.Flags().Int32Var(&timeout, "timeout", 0, "function timeout in seconds (default 70)")
	rootCmd.Flags().StringVar(&sourceDir, "source", "", "artifact dir (default build/<func_name>)")
	rootCmd.Flags().StringVar(&bucket, "bucket", os.Getenv("DEPLOY_BUCKET"), "bucket for zips over the direct-upload limit")
	rootCmd.Flags().StringVar(&envParam, "env_ssm", "", "SSM parameter holding the function's environment variables")
	_ = rootCmd.MarkFlagRequired("func_name")
	_ = rootCmd.MarkFlagRequired("description")
}

// underscoreFlags folds dashes to underscores so --func-name and
// --func_name address the same flag.
func underscoreFlags(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "-", "_"))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stdout, "ERROR:", err)
		exit(1)
	}
}

func runUpdate(cmd *cobra.Command, args []string) error {
	banner(yellow, "Updating code in %s...", funcName)
	if err := update(cmd.Context()); err != nil {
		banner(red, "Update %s FAILED!", funcName)
		return err
	}
	banner(green, "Update %s SUCCESS!", funcName)
	return nil
}

func update(ctx context.Context) error {
	log := newLogger()
	defer log.Sync()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	env := config.Env()
	vars, err := newResolver(cfg, log).Resolve(ctx, env, funcName, envParam)
	if err != nil {
		return err
	}
	src := sourceDir
	if src == "" {
		src = filepath.Join("build", funcName)
	}
	return newUpdater(cfg, env, log).Update(ctx, deploy.Params{
		FuncName:    funcName,
		Description: description,
		Timeout:     timeout,
		SourceDir:   src,
		S3Bucket:    bucket,
		Env:         vars,
	})
}

func newLogger() *zap.SugaredLogger {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return l.Sugar()
}

func banner(color, format string, args ...any) {
	fmt.Fprintf(stdout, color+format+reset+"\n", args...)
}
