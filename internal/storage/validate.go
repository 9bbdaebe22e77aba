package storage

import (
	"net/url"
	"strconv"
	"strings"

	"asisaid.cn/unistore/internal/common/errors"
)

// CompareExpectation returns one MismatchError per expected property that
// the stored file does not have.
func CompareExpectation(file FileDescriptor, exp Expectation) []*errors.MismatchError {
	var out []*errors.MismatchError
	if exp.ContentType != "" && !MatchMediaType(exp.ContentType, file.ContentType) {
		out = append(out, &errors.MismatchError{
			Field:    "contentType",
			Expected: BaseMediaType(exp.ContentType),
			Actual:   file.ContentType,
		})
	}
	if exp.Size != nil && *exp.Size != file.Size {
		out = append(out, &errors.MismatchError{
			Field:    "size",
			Expected: strconv.FormatInt(*exp.Size, 10),
			Actual:   strconv.FormatInt(file.Size, 10),
		})
	}
	return out
}

// NewValidationResult builds the result for a file that exists.
func NewValidationResult(file FileDescriptor, exp Expectation) *ValidationResult {
	res := &ValidationResult{File: &file, Mismatches: CompareExpectation(file, exp)}
	res.Valid = len(res.Mismatches) == 0
	if !res.Valid {
		reasons := make([]string, len(res.Mismatches))
		for i, m := range res.Mismatches {
			reasons[i] = m.Error()
		}
		res.Reason = strings.Join(reasons, "; ")
	}
	return res
}

// MissingFile is the validation result for an absent or rejected reference.
func MissingFile() *ValidationResult {
	return &ValidationResult{Valid: false, Reason: "file not found"}
}

// JoinURL appends an escaped reference to a base URL.
func JoinURL(base, reference string) string {
	segments := strings.Split(reference, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(segments, "/")
}
