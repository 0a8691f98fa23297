package jobapi

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	historyLimitDefault = 10
	historyLimitMax     = 100
)

var auditNow = time.Now

type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// AuditStore keeps a per-thing history of dispatched commands in DynamoDB.
// The table keys on PK (thing name) and SK (issue time, epoch millis).
type AuditStore struct {
	table string
	db    dynamoAPI
}

// NewAuditStore builds a store writing to the given table.
func NewAuditStore(table string, db dynamoAPI) *AuditStore {
	return &AuditStore{table: table, db: db}
}

// Record is one dispatched command as stored in the audit table.
type Record struct {
	JobID    string `json:"jobId"`
	Cmd      string `json:"cmd"`
	IssuedAt int64  `json:"issuedAt"`
}

// Put appends one record for the thing.
func (s *AuditStore) Put(ctx context.Context, thingName, jobID, cmd string) error {
	_, err := s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.table,
		Item: map[string]dbtypes.AttributeValue{
			"PK":    &dbtypes.AttributeValueMemberS{Value: thingName},
			"SK":    &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(auditNow().UnixMilli(), 10)},
			"JobID": &dbtypes.AttributeValueMemberS{Value: jobID},
			"Cmd":   &dbtypes.AttributeValueMemberS{Value: cmd},
		},
	})
	return err
}

// Recent returns the thing's latest records, newest first. limit is clamped
// to [1, 100]; zero or negative falls back to the default page size.
func (s *AuditStore) Recent(ctx context.Context, thingName string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = historyLimitDefault
	}
	if limit > historyLimitMax {
		limit = historyLimitMax
	}
	out, err := s.db.Query(ctx, &dynamodb.QueryInput{
		TableName:              &s.table,
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":pk": &dbtypes.AttributeValueMemberS{Value: thingName},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, err
	}
	recs := make([]Record, 0, len(out.Items))
	for _, item := range out.Items {
		var r Record
		if v, ok := item["JobID"].(*dbtypes.AttributeValueMemberS); ok {
			r.JobID = v.Value
		}
		if v, ok := item["Cmd"].(*dbtypes.AttributeValueMemberS); ok {
			r.Cmd = v.Value
		}
		if v, ok := item["SK"].(*dbtypes.AttributeValueMemberN); ok {
			if ms, perr := strconv.ParseInt(v.Value, 10, 64); perr == nil {
				r.IssuedAt = ms
			}
		}
		recs = append(recs, r)
	}
	return recs, nil
}
