package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/recoverctl/recoverctl/internal/logging"
)

type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type dynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// s3Backend keeps the checkpoint in S3 with optional DynamoDB locking, so
// operators on different machines share one run's progress.
type s3Backend struct {
	bucket        string
	key           string
	region        string
	dynamoDBTable string
	encrypt       bool
	profile       string

	s3Client s3API
	dbClient dynamoAPI
	now      func() time.Time
}

func newS3Backend(ctx context.Context, cfg BackendConfig, runType string) (*s3Backend, error) {
	b, err := s3BackendFromConfig(cfg, runType)
	if err != nil {
		return nil, err
	}
	if err := b.initClients(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize S3 checkpoint backend: %w", err)
	}
	return b, nil
}

func s3BackendFromConfig(cfg BackendConfig, runType string) (*s3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 checkpoint backend requires 'bucket' configuration")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "recoverctl"
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	return &s3Backend{
		bucket:        cfg.Bucket,
		key:           path.Join(prefix, "checkpoints", runType+".json"),
		region:        region,
		dynamoDBTable: cfg.DynamoDBTable,
		encrypt:       cfg.Encrypt,
		profile:       cfg.Profile,
		now:           time.Now,
	}, nil
}

func (b *s3Backend) initClients(ctx context.Context) error {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(b.region))
	if b.profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(b.profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("unable to load AWS config: %w", err)
	}

	b.s3Client = s3.NewFromConfig(cfg)
	if b.dynamoDBTable != "" {
		b.dbClient = dynamodb.NewFromConfig(cfg)
	}
	return nil
}

func (b *s3Backend) Location() string {
	return fmt.Sprintf("s3://%s/%s", b.bucket, b.key)
}

func (b *s3Backend) Load(ctx context.Context) (*Checkpoint, error) {
	result, err := b.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		if isMissingObject(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint from %s: %w", b.Location(), err)
	}
	defer result.Body.Close()

	raw, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}
	return decode(raw, b.Location())
}

func (b *s3Backend) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := encode(cp, b.now)
	if err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if b.encrypt {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}
	if _, err := b.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to write checkpoint to %s: %w", b.Location(), err)
	}
	return nil
}

func (b *s3Backend) Clear(ctx context.Context) error {
	_, err := b.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil && !isMissingObject(err) {
		return fmt.Errorf("failed to clear checkpoint %s: %w", b.Location(), err)
	}
	return nil
}

func (b *s3Backend) Lock(ctx context.Context) error {
	if b.dynamoDBTable == "" {
		return nil // No locking without DynamoDB
	}
	err := b.putLock(ctx)
	var ccf *dbtypes.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		if err != nil {
			return fmt.Errorf("failed to acquire lock: %w", err)
		}
		return nil
	}

	held, err := b.readLock(ctx)
	if err != nil {
		return err
	}
	if b.now().Sub(held.Created) <= StaleLockAge {
		return &LockedError{Path: fmt.Sprintf("dynamodb://%s/%s", b.dynamoDBTable, b.key), Info: held}
	}
	logging.Warn("removing stale checkpoint lock", "table", b.dynamoDBTable, "owner", held.Owner, "created", held.Created.Format(time.RFC3339))
	if err := b.Unlock(ctx); err != nil {
		return err
	}
	if err := b.putLock(ctx); err != nil {
		return fmt.Errorf("failed to acquire lock after removing stale lock: %w", err)
	}
	return nil
}

func (b *s3Backend) putLock(ctx context.Context) error {
	_, err := b.dbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.dynamoDBTable),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":  &dbtypes.AttributeValueMemberS{Value: b.key},
			"Info":    &dbtypes.AttributeValueMemberS{Value: lockOwner()},
			"PID":     &dbtypes.AttributeValueMemberN{Value: fmt.Sprint(os.Getpid())},
			"Created": &dbtypes.AttributeValueMemberS{Value: b.now().UTC().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	return err
}

func (b *s3Backend) readLock(ctx context.Context) (LockInfo, error) {
	out, err := b.dbClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.dynamoDBTable),
		Key:            map[string]dbtypes.AttributeValue{"LockID": &dbtypes.AttributeValueMemberS{Value: b.key}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return LockInfo{}, fmt.Errorf("failed to read lock: %w", err)
	}
	var info LockInfo
	if v, ok := out.Item["Info"].(*dbtypes.AttributeValueMemberS); ok {
		info.Owner = v.Value
	}
	if v, ok := out.Item["Created"].(*dbtypes.AttributeValueMemberS); ok {
		info.Created, _ = time.Parse(time.RFC3339, v.Value)
	}
	return info, nil
}

func (b *s3Backend) Unlock(ctx context.Context) error {
	if b.dynamoDBTable == "" {
		return nil
	}
	_, err := b.dbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.dynamoDBTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: b.key},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func isMissingObject(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
