package storage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"asisaid.cn/unistore/internal/common/errors"
)

// Listing bounds.
const (
	MaxListResults     = 1000
	DefaultListResults = MaxListResults
)

// JoinFolder combines the configured default folder with a caller folder.
// Either may be empty.
func JoinFolder(defaultFolder, folder string) string {
	parts := make([]string, 0, 2)
	for _, p := range []string{defaultFolder, folder} {
		if p = strings.Trim(strings.TrimSpace(p), "/"); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}

// BuildReference returns [{folder}/]{YYYY}/{MM}/{uniqueName}.
func BuildReference(folder, uniqueName string, at time.Time) string {
	dated := fmt.Sprintf("%04d/%02d/%s", at.Year(), int(at.Month()), uniqueName)
	if folder == "" {
		return dated
	}
	return folder + "/" + dated
}

// PrepareReference validates the caller's name and folder, then builds a new
// Reference under the configured default folder.
func PrepareReference(cfg BackendConfig, names *NameGenerator, original, folder string, at time.Time) (string, string, error) {
	if err := ValidateName(original); err != nil {
		return "", "", err
	}
	if strings.TrimSpace(folder) != "" {
		if err := ValidateFolder(folder); err != nil {
			return "", "", err
		}
	}
	unique := names.Generate(strings.TrimSpace(original))
	return BuildReference(JoinFolder(cfg.DefaultFolder, folder), unique, at), unique, nil
}

// ClampMaxResults clamps n to [1, MaxListResults]; zero selects the default.
func ClampMaxResults(n int) int {
	switch {
	case n == 0:
		return DefaultListResults
	case n < 1:
		return 1
	case n > MaxListResults:
		return MaxListResults
	default:
		return n
	}
}

// ParseMaxResults parses a raw maxResults value. Non-numeric input falls back
// to the default rather than failing.
func ParseMaxResults(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultListResults
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return DefaultListResults
	}
	return ClampMaxResults(n)
}

// Paginate returns one page of sorted descriptors. The page starts at the
// first name strictly after token, so it survives deletion of the token file.
func Paginate(files []FileDescriptor, token string, maxResults int) ListResult {
	maxResults = ClampMaxResults(maxResults)

	start := 0
	if token != "" {
		start = sort.Search(len(files), func(i int) bool { return files[i].Name > token })
	}
	end := min(start+maxResults, len(files))

	page := ListResult{Files: append([]FileDescriptor(nil), files[start:end]...)}
	if end < len(files) && end > start {
		page.NextToken = files[end-1].Name
	}
	if page.Files == nil {
		page.Files = []FileDescriptor{}
	}
	return page
}

// CheckUploadPolicy enforces size and content-type limits for an upload.
func CheckUploadPolicy(cfg BackendConfig, size int64, contentType string) error {
	const op = "CheckUploadPolicy"

	if size < 0 {
		return errors.Invalid(op, "file size is negative")
	}
	if cfg.MaxFileSize > 0 && size > cfg.MaxFileSize {
		return errors.Invalid(op, fmt.Sprintf("file size %d exceeds limit of %d bytes", size, cfg.MaxFileSize))
	}

	mt := BaseMediaType(contentType)
	if len(cfg.AllowedContentTypes) > 0 {
		for _, allowed := range cfg.AllowedContentTypes {
			if MatchMediaType(allowed, mt) {
				return nil
			}
		}
		return errors.Invalid(op, fmt.Sprintf("content type %s is not allowed", mt))
	}
	if IsExecutable(mt) {
		return errors.Invalid(op, "executable content is not allowed")
	}
	return nil
}

// MatchMediaType reports whether mt matches pattern. Patterns may be exact
// types or "image/*" style wildcards; parameters and case are ignored.
func MatchMediaType(pattern, mt string) bool {
	pattern, mt = BaseMediaType(pattern), BaseMediaType(mt)
	if pattern == "*/*" || pattern == mt {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return strings.HasPrefix(mt, prefix+"/")
	}
	return false
}
