package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/iot"
	"go.uber.org/zap"

	"github.com/your-org/parking-iot/internal/jobapi"
)

var (
	start      = lambda.Start
	loadConfig = config.LoadDefaultConfig
)

func main() {
	cfg, err := loadConfig(context.Background())
	if err != nil {
		panic(err)
	}
	logger, _ := zap.NewProduction()
	log := logger.Sugar()

	// Command history is optional; without a table the history action
	// answers with an error and dispatch skips the audit write.
	var audit *jobapi.AuditStore
	if table := os.Getenv("AUDIT_TABLE"); table != "" {
		audit = jobapi.NewAuditStore(table, dynamodb.NewFromConfig(cfg))
	}

	api := jobapi.New(
		iot.NewFromConfig(cfg),
		cloudwatch.NewFromConfig(cfg),
		audit,
		os.Getenv("IOT_PREFIX"),
		os.Getenv("S3_PREFIX"),
		log,
	)
	start(api.Handler)
}
