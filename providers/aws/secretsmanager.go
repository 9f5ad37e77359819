package aws

import (
	"context"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/google/uuid"
)

const stageCurrent = "AWSCURRENT"

// HasCurrentVersion reports whether the secret has a version staged as
// current. A missing container is returned as model.ErrNotFound.
func (p *Provider) HasCurrentVersion(ctx context.Context, secretID string) (bool, error) {
	if err := p.ensureClient(ctx); err != nil {
		return false, err
	}
	resp, err := p.secretsmanagerClient.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
		SecretId: awssdk.String(secretID),
	})
	if err != nil {
		return false, classify(err)
	}
	for _, stages := range resp.VersionIdsToStages {
		for _, s := range stages {
			if s == stageCurrent {
				return true, nil
			}
		}
	}
	return false, nil
}

// SecretValue reads the current string value of a secret.
func (p *Provider) SecretValue(ctx context.Context, secretID string) (string, error) {
	if err := p.ensureClient(ctx); err != nil {
		return "", err
	}
	resp, err := p.secretsmanagerClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     awssdk.String(secretID),
		VersionStage: awssdk.String(stageCurrent),
	})
	if err != nil {
		return "", classify(err)
	}
	if resp.SecretString == nil {
		return "", fmt.Errorf("secret %s has a binary value; only string secrets are synchronized", secretID)
	}
	return *resp.SecretString, nil
}

// PutSecretValue stores a new current version.
func (p *Provider) PutSecretValue(ctx context.Context, secretID, value string) error {
	if err := p.ensureClient(ctx); err != nil {
		return err
	}
	_, err := p.secretsmanagerClient.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:           awssdk.String(secretID),
		SecretString:       awssdk.String(value),
		ClientRequestToken: awssdk.String(uuid.NewString()),
	})
	if err != nil {
		return fmt.Errorf("put value for secret %s: %w", secretID, classify(err))
	}
	return nil
}

// lookupSecret returns the ARN, which terraform uses as the import ID.
func (p *Provider) lookupSecret(ctx context.Context, name string) (string, error) {
	resp, err := p.secretsmanagerClient.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
		SecretId: awssdk.String(name),
	})
	if err != nil {
		return "", err
	}
	return deref(resp.ARN), nil
}
