package storage

import (
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"asisaid.cn/unistore/internal/common/errors"
	"asisaid.cn/unistore/internal/common/logger"
)

// MaxNameLength bounds file names and folder paths.
const MaxNameLength = 255

// MaxReferenceLength bounds references and listing prefixes, which join a
// folder, the date segments and a generated name.
const MaxReferenceLength = 1024

// MaxExtensionLength bounds the extension kept verbatim in generated names.
const MaxExtensionLength = 32

// Public wording for security rejections. Callers never learn which rule fired.
const (
	msgInvalidName = "invalid file name"
	msgInvalidPath = "invalid path"
)

const metaChars = `<>:"|?*\`

// ValidateName checks an untrusted file name. A name must not contain path
// separators, traversal sequences, null bytes or shell/HTML metacharacters,
// in raw or percent-decoded form.
func ValidateName(raw string) error {
	return validateName("ValidateName", raw, msgInvalidName, true)
}

func validateName(op, raw, public string, limitExt bool) error {
	name := strings.TrimSpace(raw)
	if name == "" {
		return errors.Invalid(op, "file name is empty")
	}
	if len(name) > MaxNameLength {
		return errors.Invalid(op, "file name is too long")
	}
	if limitExt && len(path.Ext(name)) > MaxExtensionLength {
		return errors.Invalid(op, "file extension is too long")
	}

	decoded, err := url.PathUnescape(name)
	if err != nil {
		return reject(op, public, raw, "malformed percent-encoding")
	}

	for _, s := range []string{name, decoded} {
		switch {
		case strings.ContainsRune(s, 0):
			return reject(op, public, raw, "null byte")
		case strings.Contains(s, ".."):
			return reject(op, public, raw, "traversal sequence")
		case strings.ContainsAny(s, `/\`):
			return reject(op, public, raw, "path separator")
		case strings.ContainsAny(s, metaChars):
			return reject(op, public, raw, "metacharacter")
		}
	}
	return nil
}

// ValidateFolder checks an untrusted folder path. Folders may contain "/"
// between segments but not at either end, not doubled, and segments must be
// free of traversal, null bytes and shell/HTML metacharacters.
func ValidateFolder(raw string) error {
	return validatePath("ValidateFolder", raw, msgInvalidPath, MaxNameLength)
}

// ValidateReference checks a Reference returned by a previous upload. The
// directory part follows the folder rules and the base name the file name
// rules, so every name accepted for upload yields a usable Reference.
func ValidateReference(raw string) error {
	const op = "ValidateReference"

	if err := validatePath(op, raw, msgInvalidPath, MaxReferenceLength); err != nil {
		return err
	}
	return validateName(op, path.Base(strings.TrimSpace(raw)), msgInvalidPath, false)
}

// ValidatePrefix checks a listing prefix. Unlike folders a prefix may end with
// "/" and may be empty.
func ValidatePrefix(raw string) error {
	if raw == "" {
		return nil
	}
	trimmed := strings.TrimSuffix(raw, "/")
	if trimmed == "" {
		return reject("ValidatePrefix", msgInvalidPath, raw, "bare separator")
	}
	return validatePath("ValidatePrefix", trimmed, msgInvalidPath, MaxReferenceLength)
}

func validatePath(op, raw, public string, maxLen int) error {
	p := strings.TrimSpace(raw)
	if p == "" {
		return errors.Invalid(op, "path is empty")
	}
	if len(p) > maxLen {
		return errors.Invalid(op, "path is too long")
	}

	decoded, err := url.PathUnescape(p)
	if err != nil {
		return reject(op, public, raw, "malformed percent-encoding")
	}

	for _, s := range []string{p, decoded} {
		switch {
		case strings.ContainsRune(s, 0):
			return reject(op, public, raw, "null byte")
		case strings.Contains(s, ".."):
			return reject(op, public, raw, "traversal sequence")
		case strings.ContainsAny(s, metaChars):
			return reject(op, public, raw, "metacharacter")
		case strings.HasPrefix(s, "/") || strings.HasSuffix(s, "/"):
			return reject(op, public, raw, "leading or trailing separator")
		case strings.Contains(s, "//"):
			return reject(op, public, raw, "empty segment")
		}
		for _, seg := range strings.Split(s, "/") {
			if seg == "." || strings.TrimSpace(seg) == "" {
				return reject(op, public, raw, "empty or dot segment")
			}
		}
	}
	return nil
}

func reject(op, public, raw, rule string) error {
	logger.WithComponent("PathSecurity").Warn("rejected untrusted path",
		zap.String("op", op),
		zap.String("rule", rule),
		zap.String("input", raw),
	)
	return errors.Rejected(op, public)
}
