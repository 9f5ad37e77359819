package aws

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/recoverctl/recoverctl/internal/model"
)

var dependencyCodes = map[string]bool{
	"DependencyViolation":            true,
	"InvalidDBSubnetGroupStateFault": true,
	"DeleteConflict":                 true,
	"ResourceInUse":                  true,
	"ResourceInUseException":         true,
}

var alreadyExistsCodes = map[string]bool{
	"EntityAlreadyExists":              true,
	"ResourceExistsException":          true,
	"RepositoryAlreadyExistsException": true,
	"BucketAlreadyOwnedByYou":          true,
	"BucketAlreadyExists":              true,
	"DBInstanceAlreadyExists":          true,
	"DBSubnetGroupAlreadyExists":       true,
	"InvalidGroup.Duplicate":           true,
}

// errorCode extracts the AWS API error code, or "" for non-API errors.
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isNotFoundCode(code string) bool {
	if code == "" {
		return false
	}
	return strings.Contains(code, "NotFound") || code == "NoSuchEntity" || code == "NoSuchBucket"
}

// classify wraps err with the matching model sentinel so callers can use
// errors.Is without knowing AWS codes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	code := errorCode(err)
	switch {
	case isNotFoundCode(code):
		return fmt.Errorf("%w: %w", model.ErrNotFound, err)
	case dependencyCodes[code]:
		return fmt.Errorf("%w: %w", model.ErrDependencyViolation, err)
	case alreadyExistsCodes[code]:
		return fmt.Errorf("%w: %w", model.ErrAlreadyExists, err)
	}
	return err
}

// ignoreNotFound treats a missing resource as a successful deletion.
func ignoreNotFound(err error) error {
	err = classify(err)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	return err
}

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
