package s3

import (
	"context"
	stderrors "errors"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"asisaid.cn/unistore/internal/common/errors"
)

// classify maps SDK errors onto the storage error taxonomy. Throttling and
// server faults stay ErrBackend so the retry layer picks them up.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var nsk *types.NoSuchKey
	if stderrors.As(err, &nsk) {
		return errors.E(op, errors.ErrNotFound, err, "file not found")
	}
	var nf *types.NotFound
	if stderrors.As(err, &nf) {
		return errors.E(op, errors.ErrNotFound, err, "file not found")
	}
	var nsb *types.NoSuchBucket
	if stderrors.As(err, &nsb) {
		return errors.E(op, errors.ErrInvalidConfig, err, "bucket does not exist")
	}

	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return errors.E(op, errors.ErrNotFound, err, "file not found")
		case "NoSuchBucket":
			return errors.E(op, errors.ErrInvalidConfig, err, "bucket does not exist")
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return errors.E(op, errors.ErrInvalidConfig, err, "access denied")
		case "EntityTooLarge":
			return errors.Invalid(op, "file exceeds the maximum size")
		}
	}

	return errors.E(op, errors.ErrBackend, err)
}
