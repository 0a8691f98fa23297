// Package jobapi serves the remote-control API: it turns API Gateway
// requests into AWS IoT jobs targeting the parking sensors and reads the
// results back out of the job executions.
package jobapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/iot"
	iottypes "github.com/aws/aws-sdk-go-v2/service/iot/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status codes for error responses. 400 flags a bad query string, 500 an
// internal failure.
const (
	clientErr = 400
	serverErr = 500
)

// defaultRespondTimeout is how many seconds the resp action waits for the
// device when the caller gives no timeout.
const defaultRespondTimeout = 3

// inProgressTimeoutMinutes bounds how long a dispatched job may stay
// IN_PROGRESS before the service fails it.
const inProgressTimeoutMinutes = 5

var allowedActions = []string{"cmd", "resp", "cancel", "history"}

var (
	sleep    = time.Sleep
	newJobID = uuid.NewString
)

type iotAPI interface {
	CreateJob(ctx context.Context, params *iot.CreateJobInput, optFns ...func(*iot.Options)) (*iot.CreateJobOutput, error)
	CancelJob(ctx context.Context, params *iot.CancelJobInput, optFns ...func(*iot.Options)) (*iot.CancelJobOutput, error)
	DescribeJob(ctx context.Context, params *iot.DescribeJobInput, optFns ...func(*iot.Options)) (*iot.DescribeJobOutput, error)
	DescribeJobExecution(ctx context.Context, params *iot.DescribeJobExecutionInput, optFns ...func(*iot.Options)) (*iot.DescribeJobExecutionOutput, error)
	ListJobExecutionsForThing(ctx context.Context, params *iot.ListJobExecutionsForThingInput, optFns ...func(*iot.Options)) (*iot.ListJobExecutionsForThingOutput, error)
}

type metricsAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// API dispatches remote-control actions to the IoT jobs service.
type API struct {
	iot       iotAPI
	metrics   metricsAPI
	audit     *AuditStore
	iotPrefix string
	docPrefix string
	log       *zap.SugaredLogger
}

// New builds an API around the given AWS clients. audit may be nil when
// command history is not configured.
func New(iotClient iotAPI, metrics metricsAPI, audit *AuditStore, iotPrefix, docPrefix string, log *zap.SugaredLogger) *API {
	return &API{
		iot:       iotClient,
		metrics:   metrics,
		audit:     audit,
		iotPrefix: iotPrefix,
		docPrefix: docPrefix,
		log:       log,
	}
}

// Result is the body returned by the cmd and cancel actions. Message
// reports whether the dispatch itself worked, not the job's outcome.
type Result struct {
	JobID   string `json:"jobId,omitempty"`
	Message string `json:"message"`
}

// Response is the body returned by the resp action. Output is whatever the
// device wrote when it executed the command.
type Response struct {
	Output  string `json:"output"`
	Message string `json:"message"`
}

func has(m map[string]string, key string) bool {
	_, ok := m[key]
	return ok
}

// validate checks the query string the way API Gateway hands it over: the
// single-value map keeps only the last value per key, so thingNames must be
// read from the multi-value map.
func validate(single map[string]string, multi map[string][]string) error {
	act := single["action"]
	if !slices.Contains(allowedActions, act) {
		return fmt.Errorf("ERROR: %s is not a valid action. Must be one of %v", act, allowedActions)
	}
	switch {
	case act == "cmd" && (!has(single, "cmd") || len(multi["thingNames"]) == 0):
		return errors.New(`ERROR: "cmd" or "thingNames" is missing in query string`)
	case act == "resp" && (!has(single, "thingName") || !has(single, "jobId")):
		return errors.New(`ERROR: "thingName" or "jobId" is missing in query string parameters`)
	case act == "cancel" && !has(single, "jobId"):
		return errors.New(`ERROR: "jobId" is missing in query string parameters`)
	case act == "history" && !has(single, "thingName"):
		return errors.New(`ERROR: "thingName" is missing in query string parameters`)
	}
	return nil
}

// Command dispatches cmd to the named things as a single IoT job and
// returns without waiting for the devices. Anything still IN_PROGRESS or
// QUEUED on a target is cancelled first; an unfinished older job would
// block the new one.
func (a *API) Command(ctx context.Context, thingNames []string, cmd string) Result {
	for _, tn := range thingNames {
		a.failActiveJobs(ctx, tn)
	}

	jobID := newJobID()
	targets := make([]string, len(thingNames))
	for i, tn := range thingNames {
		targets[i] = fmt.Sprintf("%s:thing/%s", a.iotPrefix, tn)
	}
	_, err := a.iot.CreateJob(ctx, &iot.CreateJobInput{
		JobId:          aws.String(jobID),
		Targets:        targets,
		DocumentSource: aws.String(fmt.Sprintf("%s/%s.json", a.docPrefix, cmd)),
		TimeoutConfig: &iottypes.TimeoutConfig{
			InProgressTimeoutInMinutes: aws.Int64(inProgressTimeoutMinutes),
		},
	})
	if err != nil {
		a.log.Errorw("create job", "cmd", cmd, "job", jobID, "error", err)
		return Result{JobID: jobID, Message: fmt.Sprintf("Command %q FAILED! ERROR: %v", cmd, err)}
	}
	return Result{JobID: jobID, Message: fmt.Sprintf("Command %q SUCCEEDED!", cmd)}
}

// failActiveJobs cancels the thing's IN_PROGRESS and QUEUED executions.
// Listing failures are logged and skipped so a stale execution never blocks
// the dispatch path entirely.
func (a *API) failActiveJobs(ctx context.Context, thingName string) {
	statuses := []iottypes.JobExecutionStatus{
		iottypes.JobExecutionStatusInProgress,
		iottypes.JobExecutionStatusQueued,
	}
	for _, status := range statuses {
		ids, err := a.jobIDs(ctx, thingName, status)
		if err != nil {
			a.log.Warnw("list job executions", "thing", thingName, "status", status, "error", err)
			continue
		}
		for _, id := range ids {
			a.Cancel(ctx, id)
		}
	}
}

// jobIDs pages through ListJobExecutionsForThing and collects the IDs of
// the thing's executions in the given status.
func (a *API) jobIDs(ctx context.Context, thingName string, status iottypes.JobExecutionStatus) ([]string, error) {
	var ids []string
	var next *string
	for {
		out, err := a.iot.ListJobExecutionsForThing(ctx, &iot.ListJobExecutionsForThingInput{
			ThingName: aws.String(thingName),
			Status:    status,
			NextToken: next,
		})
		if err != nil {
			return nil, err
		}
		for _, s := range out.ExecutionSummaries {
			if s.JobId != nil {
				ids = append(ids, *s.JobId)
			}
		}
		if out.NextToken == nil {
			return ids, nil
		}
		next = out.NextToken
	}
}

// Respond polls for the output the device attached to the job execution.
// Until the job reaches the device both the execution and its "output"
// detail can be missing; each miss burns one second of the timeout.
func (a *API) Respond(ctx context.Context, thingName, jobID string, timeout int) Response {
	for counter := 0; counter < timeout && ctx.Err() == nil; counter++ {
		out, err := a.iot.DescribeJobExecution(ctx, &iot.DescribeJobExecutionInput{
			JobId:     aws.String(jobID),
			ThingName: aws.String(thingName),
		})
		switch {
		case err != nil:
			var nf *iottypes.ResourceNotFoundException
			if !errors.As(err, &nf) {
				a.log.Warnw("describe job execution", "job", jobID, "error", err)
			}
		case out.Execution != nil && out.Execution.StatusDetails != nil:
			if output, ok := out.Execution.StatusDetails.DetailsMap["output"]; ok {
				return Response{Output: output, Message: "Respond SUCCEEDED!"}
			}
		}
		sleep(time.Second)
	}
	return Response{Output: "N/A", Message: "ERROR: waiting for response times out!"}
}

// Cancel force-cancels the job and waits until the service reports it
// CANCELED. Force also takes down IN_PROGRESS executions, so the job always
// lands in a terminal state.
func (a *API) Cancel(ctx context.Context, jobID string) Result {
	_, err := a.iot.CancelJob(ctx, &iot.CancelJobInput{JobId: aws.String(jobID), Force: true})
	if err != nil {
		a.log.Errorw("cancel job", "job", jobID, "error", err)
		return Result{Message: fmt.Sprintf("Cancel job %s FAILED! Error details: %v", jobID, err)}
	}
	for ctx.Err() == nil {
		out, err := a.iot.DescribeJob(ctx, &iot.DescribeJobInput{JobId: aws.String(jobID)})
		if err != nil {
			a.log.Warnw("describe job", "job", jobID, "error", err)
			sleep(time.Second)
			continue
		}
		if out.Job != nil && out.Job.Status == iottypes.JobStatusCanceled {
			return Result{Message: fmt.Sprintf("Cancel job %s SUCCEEDED!", jobID)}
		}
		sleep(time.Second)
	}
	return Result{Message: fmt.Sprintf("Cancel job %s FAILED! Error details: %v", jobID, ctx.Err())}
}

// Handler serves one remote-control action per invocation.
func (a *API) Handler(ctx context.Context, evt events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	single := evt.QueryStringParameters
	multi := evt.MultiValueQueryStringParameters
	if err := validate(single, multi); err != nil {
		return errorResponse(err.Error(), clientErr), nil
	}

	var body any
	switch single["action"] {
	case "cmd":
		res := a.Command(ctx, multi["thingNames"], single["cmd"])
		a.record(ctx, multi["thingNames"], res.JobID, single["cmd"])
		a.putMetric(ctx, "CommandCount", 1)
		body = res
	case "resp":
		timeout := defaultRespondTimeout
		if t, ok := single["timeout"]; ok {
			v, err := strconv.Atoi(t)
			if err != nil {
				return errorResponse(fmt.Sprintf("ERROR: timeout %q is not an integer", t), clientErr), nil
			}
			timeout = v
		}
		start := time.Now()
		body = a.Respond(ctx, single["thingName"], single["jobId"], timeout)
		a.putMetric(ctx, "RespondLatencyMs", float64(time.Since(start).Milliseconds()))
	case "cancel":
		body = a.Cancel(ctx, single["jobId"])
		a.putMetric(ctx, "CancelCount", 1)
	case "history":
		return a.history(ctx, single), nil
	}

	b, err := json.Marshal(body)
	if err != nil {
		return errorResponse(fmt.Sprintf("ERROR: %v", err), serverErr), nil
	}
	return events.APIGatewayProxyResponse{StatusCode: 200, Headers: corsHeaders(), Body: string(b)}, nil
}

// record writes one audit row per target thing. History is best-effort: a
// failed write is logged and the dispatch result stands.
func (a *API) record(ctx context.Context, thingNames []string, jobID, cmd string) {
	if a.audit == nil {
		return
	}
	for _, tn := range thingNames {
		if err := a.audit.Put(ctx, tn, jobID, cmd); err != nil {
			a.log.Warnw("audit write", "thing", tn, "job", jobID, "error", err)
		}
	}
}

func (a *API) history(ctx context.Context, single map[string]string) events.APIGatewayProxyResponse {
	if a.audit == nil {
		return errorResponse("ERROR: history is not enabled", serverErr)
	}
	limit := historyLimitDefault
	if l, ok := single["limit"]; ok {
		v, err := strconv.Atoi(l)
		if err != nil {
			return errorResponse(fmt.Sprintf("ERROR: limit %q is not an integer", l), clientErr)
		}
		limit = v
	}
	recs, err := a.audit.Recent(ctx, single["thingName"], limit)
	if err != nil {
		a.log.Errorw("audit query", "thing", single["thingName"], "error", err)
		return errorResponse(fmt.Sprintf("ERROR: %v", err), serverErr)
	}
	body, _ := json.Marshal(map[string]any{"thingName": single["thingName"], "history": recs})
	return events.APIGatewayProxyResponse{StatusCode: 200, Headers: corsHeaders(), Body: string(body)}
}

// putMetric reports one datum under the RemoteControl namespace. Metric
// failures never fail the API call.
func (a *API) putMetric(ctx context.Context, name string, value float64) {
	_, err := a.metrics.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String("RemoteControl"),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: aws.String(name),
			Value:      aws.Float64(value),
		}},
	})
	if err != nil {
		a.log.Warnw("put metric", "metric", name, "error", err)
	}
}

// corsHeaders go on every response, including errors, so the operator
// console can call the API cross-origin.
func corsHeaders() map[string]string {
	return map[string]string{
		"Access-Control-Allow-Headers": "Content-Type",
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Methods": "OPTIONS,POST,GET",
	}
}

func errorResponse(msg string, status int) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(map[string]string{"message": msg})
	return events.APIGatewayProxyResponse{StatusCode: status, Headers: corsHeaders(), Body: string(body)}
}
