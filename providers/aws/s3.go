package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// lookupBucket confirms a shared bucket exists and is reachable by the
// caller. Buckets are imported by name.
func (p *Provider) lookupBucket(ctx context.Context, name string) (string, error) {
	if _, err := p.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &name}); err != nil {
		return "", err
	}
	return name, nil
}
